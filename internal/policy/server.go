package policy

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mailspire/spf"
	"github.com/mailspire/spf/internal/metrics"
)

// ErrServerClosed is returned by Serve after Shutdown.
var ErrServerClosed = errors.New("policy: server closed")

// DefaultAction answers requests that need no verdict.
const DefaultAction = "DUNNO"

// Checker starts SPF checks.  *spf.Checker implements it.
type Checker interface {
	Check(ctx context.Context, req spf.Request, cb spf.Callback) *spf.Pending
}

type Config struct {
	Checker Checker
	Logger  *zap.Logger
	Metrics *metrics.Metrics

	// Actions maps a verdict name ("pass", "fail", ...) to the action sent
	// back to Postfix.  Missing verdicts answer DefaultAction.
	Actions map[string]string

	// AllowPTR is passed on to every check, see spf.Request.
	AllowPTR bool

	// WriteTimeout bounds writing one answer.  Defaults to 10s.
	WriteTimeout time.Duration
}

// Server answers Postfix policy delegation requests with SPF verdicts.
type Server struct {
	cfg Config
	log *zap.Logger

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

func NewServer(cfg Config) (*Server, error) {
	if cfg.Checker == nil {
		return nil, errors.New("policy: checker is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		log:    cfg.Logger,
		conns:  make(map[net.Conn]struct{}),
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// SetActions replaces the verdict to action table.  It is safe to call while
// serving; requests already answered are not affected.
func (s *Server) SetActions(actions map[string]string) {
	s.mu.Lock()
	s.cfg.Actions = actions
	s.mu.Unlock()
}

// Serve accepts connections on l until Shutdown is called.
func (s *Server) Serve(l net.Listener) error {
	s.mu.Lock()
	if s.closed.Load() {
		s.mu.Unlock()
		_ = l.Close()
		return ErrServerClosed
	}
	s.listener = l
	s.mu.Unlock()

	s.log.Info("policy server started", zap.Stringer("addr", l.Addr()))

	for {
		conn, err := l.Accept()
		if err != nil {
			if s.closed.Load() {
				return ErrServerClosed
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Error("accept error", zap.Error(err))
			continue
		}

		s.mu.Lock()
		if s.closed.Load() {
			s.mu.Unlock()
			_ = conn.Close()
			return ErrServerClosed
		}
		s.conns[conn] = struct{}{}
		s.wg.Add(1)
		s.mu.Unlock()

		go s.handleConn(conn)
	}
}

// Shutdown stops accepting connections, cancels running checks and closes
// every client connection, then waits for the handlers to return or ctx to
// end.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closed.Store(true)
	s.cancel()

	s.mu.Lock()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	for conn := range s.conns {
		_ = conn.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

type readResult struct {
	req *Request
	err error
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()

	s.cfg.Metrics.ConnOpened()
	log := s.log.With(zap.Stringer("remote", conn.RemoteAddr()))
	log.Debug("client connected")

	done := make(chan struct{})
	defer func() {
		close(done)
		_ = conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		s.cfg.Metrics.ConnClosed()
		log.Debug("client disconnected")
	}()

	// Requests are read on their own goroutine so that a client going away
	// is noticed while a check is pending.
	reads := make(chan readResult)
	go func() {
		br := bufio.NewReader(conn)
		for {
			req, err := ReadRequest(br, log)
			select {
			case reads <- readResult{req, err}:
			case <-done:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var backlog []*Request
	for {
		var req *Request
		if len(backlog) > 0 {
			req, backlog = backlog[0], backlog[1:]
		} else {
			select {
			case r := <-reads:
				if r.err != nil {
					s.readFailed(log, r.err)
					return
				}
				req = r.req
			case <-s.ctx.Done():
				return
			}
		}

		rlog := log.With(zap.Stringer("request_id", req.ID))
		action, ok := s.answer(req, reads, &backlog, rlog)
		if !ok {
			return
		}

		_ = conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		if _, err := fmt.Fprintf(conn, "action=%s\n\n", action); err != nil {
			rlog.Warn("write error", zap.Error(err))
			return
		}
		s.cfg.Metrics.ObserveRequest(req.State.String(), action)
		rlog.Debug("request answered",
			zap.Stringer("state", req.State),
			zap.String("action", action))
	}
}

func (s *Server) readFailed(log *zap.Logger, err error) {
	switch {
	case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
	case errors.Is(err, ErrProtocol):
		log.Warn("malformed request", zap.Error(err))
	default:
		log.Info("read error", zap.Error(err))
	}
}

// answer computes the action for req.  Requests read while a check is
// pending are appended to backlog; ok is false when the connection must be
// closed, in which case the pending check has been canceled.
func (s *Server) answer(req *Request, reads <-chan readResult, backlog *[]*Request, log *zap.Logger) (action string, ok bool) {
	if req.State != StateMail && req.State != StateRcpt {
		return DefaultAction, true
	}

	ip := net.ParseIP(req.ClientAddress)
	if ip == nil {
		log.Warn("unparseable client address", zap.String("client_address", req.ClientAddress))
		return DefaultAction, true
	}

	results := make(chan spf.CheckHostResult, 1)
	pending := s.cfg.Checker.Check(s.ctx, spf.Request{
		IP:       ip,
		Sender:   req.Sender,
		Helo:     req.HeloName,
		AllowPTR: s.cfg.AllowPTR,
	}, func(r spf.CheckHostResult) { results <- r })

	for {
		select {
		case res := <-results:
			s.cfg.Metrics.ObserveVerdict(res.Code)
			log.Info("spf verdict",
				zap.String("sender", req.Sender),
				zap.String("helo", req.HeloName),
				zap.String("client_address", req.ClientAddress),
				zap.String("result", string(res.Code)),
				zap.String("mechanism", res.Mechanism),
				zap.Error(res.Cause))
			return s.action(res), true

		case r := <-reads:
			if r.err != nil {
				pending.Cancel()
				log.Debug("connection closed during check")
				s.readFailed(log, r.err)
				return "", false
			}
			*backlog = append(*backlog, r.req)

		case <-s.ctx.Done():
			pending.Cancel()
			return "", false
		}
	}
}

// action maps a verdict to its configured answer.  A bare reject or defer
// action carries the explanation of a failing record.
func (s *Server) action(res spf.CheckHostResult) string {
	s.mu.Lock()
	action, ok := s.cfg.Actions[string(res.Code)]
	s.mu.Unlock()
	if !ok || action == "" {
		action = DefaultAction
	}

	if res.Explanation != "" && takesText(action) {
		action += " " + sanitize(res.Explanation)
	}
	return action
}

func takesText(action string) bool {
	switch strings.ToUpper(action) {
	case "REJECT", "DEFER", "DEFER_IF_PERMIT", "DEFER_IF_REJECT":
		return true
	}
	return false
}

// sanitize keeps an explanation on one line.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r < ' ' || r == 0x7f {
			return ' '
		}
		return r
	}, s)
}
