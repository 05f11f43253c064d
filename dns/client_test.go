package dns

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	mdns "github.com/miekg/dns"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testZone answers from a fixed set of resource records.  Names listed in
// servfail get SERVFAIL, names in silent get no answer at all, and names in
// big are answered with TC set over UDP.
type testZone struct {
	records  []string
	servfail []string
	silent   []string
	big      []string
}

func (z testZone) ServeDNS(w mdns.ResponseWriter, req *mdns.Msg) {
	q := req.Question[0]
	name := strings.ToLower(q.Name)
	for _, s := range z.silent {
		if s == name {
			return
		}
	}

	m := new(mdns.Msg)
	m.SetReply(req)
	for _, s := range z.servfail {
		if s == name {
			m.SetRcode(req, mdns.RcodeServerFailure)
			_ = w.WriteMsg(m)
			return
		}
	}

	exists := false
	for _, s := range z.records {
		rr, err := mdns.NewRR(s)
		if err != nil {
			continue
		}
		h := rr.Header()
		if !strings.EqualFold(h.Name, name) {
			continue
		}
		exists = true
		if h.Rrtype == q.Qtype {
			m.Answer = append(m.Answer, rr)
		}
	}
	if !exists {
		m.SetRcode(req, mdns.RcodeNameError)
	}

	if _, udp := w.RemoteAddr().(*net.UDPAddr); udp {
		for _, s := range z.big {
			if s == name {
				m.Answer = nil
				m.Truncated = true
			}
		}
	}
	_ = w.WriteMsg(m)
}

// startServer runs z on a loopback UDP and TCP socket sharing one port.
func startServer(t *testing.T, z testZone) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	pc, err := net.ListenPacket("udp", l.Addr().String())
	if err != nil {
		l.Close()
		t.Skipf("cannot bind udp on %s: %v", l.Addr(), err)
	}

	var wg sync.WaitGroup
	servers := []*mdns.Server{
		{PacketConn: pc, Handler: z},
		{Listener: l, Handler: z},
	}
	for _, s := range servers {
		wg.Add(1)
		s.NotifyStartedFunc = wg.Done
		go func(s *mdns.Server) { _ = s.ActivateAndServe() }(s)
	}
	wg.Wait()

	t.Cleanup(func() {
		for _, s := range servers {
			_ = s.Shutdown()
		}
	})
	return l.Addr().String()
}

func TestClientLookup(t *testing.T) {
	addr := startServer(t, testZone{
		records: []string{
			`example.com. 300 IN TXT "v=spf1 " "ip4:192.0.2.0/24 -all"`,
			`example.com. 300 IN TXT "google-site-verification=abc"`,
			`example.com. 300 IN SPF "v=spf1 -all"`,
			`example.com. 300 IN MX 20 mx2.example.com.`,
			`example.com. 300 IN MX 10 mx1.example.com.`,
			`mx1.example.com. 300 IN A 192.0.2.10`,
			`mx1.example.com. 300 IN AAAA 2001:db8::10`,
			`10.2.0.192.in-addr.arpa. 300 IN PTR mx1.example.com.`,
			`big.example.com. 300 IN TXT "v=spf1 include:_spf.example.com -all"`,
		},
		servfail: []string{"broken.example.com."},
		big:      []string{"big.example.com."},
	})
	c := NewClient(ClientConfig{Nameservers: []string{addr}, Timeout: 2 * time.Second})

	tc := []struct {
		name    string
		t       Type
		qname   string
		want    []string
		wantErr error
	}{
		{"txt strings are joined", TypeTXT, "example.com", []string{"v=spf1 ip4:192.0.2.0/24 -all", "google-site-verification=abc"}, nil},
		{"legacy spf type", TypeSPF, "Example.COM.", []string{"v=spf1 -all"}, nil},
		{"mx sorted by preference", TypeMX, "example.com", []string{"mx1.example.com", "mx2.example.com"}, nil},
		{"a", TypeA, "mx1.example.com", []string{"192.0.2.10"}, nil},
		{"aaaa", TypeAAAA, "mx1.example.com", []string{"2001:db8::10"}, nil},
		{"ptr", TypePTR, ReverseName(net.ParseIP("192.0.2.10")), []string{"mx1.example.com"}, nil},
		{"no data", TypeA, "example.com", nil, nil},
		{"NXDOMAIN → ErrNoDNSrecord", TypeTXT, "nope.example.com", nil, ErrNoDNSrecord},
		{"SERVFAIL → ErrTempfail", TypeTXT, "broken.example.com", nil, ErrTempfail},
		{"truncated udp answer retried over tcp", TypeTXT, "big.example.com", []string{"v=spf1 include:_spf.example.com -all"}, nil},
	}

	for _, c2 := range tc {
		t.Run(c2.name, func(t *testing.T) {
			got, err := c.Lookup(context.Background(), c2.t, c2.qname)
			if c2.wantErr != nil {
				require.ErrorIs(t, err, c2.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, c2.want, got)
		})
	}
}

func TestClientTimeout(t *testing.T) {
	addr := startServer(t, testZone{silent: []string{"slow.example.com."}})
	c := NewClient(ClientConfig{Nameservers: []string{addr}, Timeout: 100 * time.Millisecond})

	_, err := c.Lookup(context.Background(), TypeTXT, "slow.example.com")
	require.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTimeout(err))
	assert.Equal(t, OutcomeTimeout, Outcome(err))
}

func TestClientContextCanceled(t *testing.T) {
	addr := startServer(t, testZone{silent: []string{"slow.example.com."}})
	c := NewClient(ClientConfig{Nameservers: []string{addr}, Timeout: time.Second})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := c.Lookup(ctx, TypeTXT, "slow.example.com")
	require.ErrorIs(t, err, context.Canceled)
}

func TestNewClientDefaults(t *testing.T) {
	servers := []string{"192.0.2.53", "[2001:db8::53]:5353"}
	c := NewClient(ClientConfig{Nameservers: servers})
	cfg := c.Config()
	assert.Equal(t, []string{"192.0.2.53:53", "[2001:db8::53]:5353"}, cfg.Nameservers)
	assert.Equal(t, DefaultDialTimeout, cfg.Timeout)
	// the caller's slice is left alone
	assert.Equal(t, "192.0.2.53", servers[0])
}

func TestReverseName(t *testing.T) {
	assert.Equal(t, "4.3.2.1.in-addr.arpa", ReverseName(net.ParseIP("1.2.3.4")))
	assert.Equal(t,
		"1.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.0.8.b.d.0.1.0.0.2.ip6.arpa",
		ReverseName(net.ParseIP("2001:db8::1")))
	assert.Equal(t, "", ReverseName(nil))
}
