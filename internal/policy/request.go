// Package policy implements the Postfix SMTP access policy delegation
// protocol (http://www.postfix.org/SMTPD_POLICY_README.html) in front of the
// SPF checker.
package policy

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// ErrProtocol is returned for requests that violate the policy protocol.
// The connection is closed after one.
var ErrProtocol = errors.New("policy protocol error")

// MaxRequestSize bounds the bytes of one request, attributes included.
const MaxRequestSize = 64 << 10

// State is the SMTP protocol state a request was sent in.
type State int

const (
	StateUnknown State = iota
	StateConnect
	StateEHLO // HELO too
	StateMail
	StateRcpt
	StateData
	StateEndOfMessage
	StateVRFY
	StateETRN
)

var stateNames = map[string]State{
	"CONNECT":        StateConnect,
	"EHLO":           StateEHLO,
	"HELO":           StateEHLO,
	"MAIL":           StateMail,
	"RCPT":           StateRcpt,
	"DATA":           StateData,
	"END-OF-MESSAGE": StateEndOfMessage,
	"VRFY":           StateVRFY,
	"ETRN":           StateETRN,
}

func (s State) String() string {
	switch s {
	case StateConnect:
		return "CONNECT"
	case StateEHLO:
		return "EHLO"
	case StateMail:
		return "MAIL"
	case StateRcpt:
		return "RCPT"
	case StateData:
		return "DATA"
	case StateEndOfMessage:
		return "END-OF-MESSAGE"
	case StateVRFY:
		return "VRFY"
	case StateETRN:
		return "ETRN"
	default:
		return "UNKNOWN"
	}
}

// Request is one policy query.
type Request struct {
	ID    ulid.ULID
	State State
	ESMTP bool

	HeloName          string
	QueueID           string
	Sender            string
	Recipient         string
	RecipientCount    string
	ClientAddress     string
	ClientName        string
	ReverseClientName string
	Instance          string

	// postfix 2.2+
	SASLMethod       string
	SASLUsername     string
	SASLSender       string
	Size             string
	CCertSubject     string
	CCertIssuer      string
	CCertFingerprint string

	// postfix 2.3+
	EncryptionProtocol string
	EncryptionCipher   string
	EncryptionKeysize  string
	ETRNDomain         string
}

type attrSetter func(r *Request, v string) error

var attributes = map[string]attrSetter{
	"helo_name":           func(r *Request, v string) error { r.HeloName = v; return nil },
	"queue_id":            func(r *Request, v string) error { r.QueueID = v; return nil },
	"sender":              func(r *Request, v string) error { r.Sender = v; return nil },
	"recipient":           func(r *Request, v string) error { r.Recipient = v; return nil },
	"recipient_count":     func(r *Request, v string) error { r.RecipientCount = v; return nil },
	"client_address":      func(r *Request, v string) error { r.ClientAddress = v; return nil },
	"client_name":         func(r *Request, v string) error { r.ClientName = v; return nil },
	"reverse_client_name": func(r *Request, v string) error { r.ReverseClientName = v; return nil },
	"instance":            func(r *Request, v string) error { r.Instance = v; return nil },
	"sasl_method":         func(r *Request, v string) error { r.SASLMethod = v; return nil },
	"sasl_username":       func(r *Request, v string) error { r.SASLUsername = v; return nil },
	"sasl_sender":         func(r *Request, v string) error { r.SASLSender = v; return nil },
	"size":                func(r *Request, v string) error { r.Size = v; return nil },
	"ccert_subject":       func(r *Request, v string) error { r.CCertSubject = v; return nil },
	"ccert_issuer":        func(r *Request, v string) error { r.CCertIssuer = v; return nil },
	"ccert_fingerprint":   func(r *Request, v string) error { r.CCertFingerprint = v; return nil },
	"encryption_protocol": func(r *Request, v string) error { r.EncryptionProtocol = v; return nil },
	"encryption_cipher":   func(r *Request, v string) error { r.EncryptionCipher = v; return nil },
	"encryption_keysize":  func(r *Request, v string) error { r.EncryptionKeysize = v; return nil },
	"etrn_domain":         func(r *Request, v string) error { r.ETRNDomain = v; return nil },

	"request": func(_ *Request, v string) error {
		if v != "smtpd_access_policy" {
			return fmt.Errorf("%w: unexpected `request' value: %s", ErrProtocol, v)
		}
		return nil
	},
	"protocol_name": func(r *Request, v string) error {
		switch v {
		case "SMTP":
		case "ESMTP":
			r.ESMTP = true
		default:
			return fmt.Errorf("%w: unexpected `protocol_name' value: %s", ErrProtocol, v)
		}
		return nil
	},
	"protocol_state": func(r *Request, v string) error {
		s, ok := stateNames[v]
		if !ok {
			return fmt.Errorf("%w: unexpected `protocol_state' value: %s", ErrProtocol, v)
		}
		r.State = s
		return nil
	},
}

// ReadRequest reads one request, up to and including its terminating empty
// line.  It returns io.EOF when the client closed the connection between
// requests and io.ErrUnexpectedEOF when it did so in the middle of one.
// Unknown attributes are logged and skipped.
func ReadRequest(br *bufio.Reader, log *zap.Logger) (*Request, error) {
	req := &Request{ID: ulid.Make()}
	size := 0
	first := true
	for {
		line, err := readLine(br, MaxRequestSize-size)
		size += len(line)
		if err != nil {
			if errors.Is(err, io.EOF) {
				if first && line == "" {
					return nil, io.EOF
				}
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}
		first = false

		line = strings.TrimSuffix(line, "\n")
		if line == "" {
			break
		}

		name, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: could not find '=' in line", ErrProtocol)
		}
		name = strings.Trim(name, " \t")
		value = strings.Trim(value, " \t\r")

		set, known := attributes[name]
		if !known {
			log.Warn("unexpected key, skipped", zap.String("key", name))
			continue
		}
		if err := set(req, value); err != nil {
			return nil, err
		}
	}

	if req.State == StateUnknown {
		return nil, fmt.Errorf("%w: missing protocol_state", ErrProtocol)
	}
	return req, nil
}

// readLine reads up to and including the next '\n', failing with ErrProtocol
// once more than limit bytes arrive without one.
func readLine(br *bufio.Reader, limit int) (string, error) {
	var line []byte
	for {
		frag, err := br.ReadSlice('\n')
		if len(line)+len(frag) > limit {
			return "", fmt.Errorf("%w: request exceeds %d bytes", ErrProtocol, MaxRequestSize)
		}
		line = append(line, frag...)
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return string(line), err
	}
}
