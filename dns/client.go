package dns

import (
	"context"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
)

// ClientConfig contains configuration for the DNS client.
type ClientConfig struct {
	// Nameservers is a list of recursive DNS servers to query
	// (e.g., "127.0.0.1:53").  If empty, the servers from /etc/resolv.conf
	// are used, falling back to 127.0.0.1:53.
	Nameservers []string

	// Timeout is the timeout for one DNS exchange. Default is DefaultDialTimeout.
	Timeout time.Duration

	// Retries is the number of extra rounds over all nameservers after a
	// failed one.  Zero means no retry.
	Retries int
}

// Client implements Resolver using github.com/miekg/dns.  Queries go out
// over UDP with EDNS0 and are repeated over TCP when the answer is
// truncated.
type Client struct {
	config ClientConfig
	udp    *mdns.Client
	tcp    *mdns.Client
}

var _ Resolver = (*Client)(nil)

// NewClient creates a DNS client.
func NewClient(config ClientConfig) *Client {
	if config.Timeout <= 0 {
		config.Timeout = DefaultDialTimeout
	}
	if config.Retries < 0 {
		config.Retries = 0
	}
	if len(config.Nameservers) == 0 {
		config.Nameservers = SystemNameservers()
	}
	config.Nameservers = append([]string(nil), config.Nameservers...)
	for i, s := range config.Nameservers {
		if _, _, err := net.SplitHostPort(s); err != nil {
			config.Nameservers[i] = net.JoinHostPort(s, "53")
		}
	}

	return &Client{
		config: config,
		udp:    &mdns.Client{Net: "udp", Timeout: config.Timeout},
		tcp:    &mdns.Client{Net: "tcp", Timeout: config.Timeout},
	}
}

// SystemNameservers returns the nameservers listed in /etc/resolv.conf.
func SystemNameservers() []string {
	config, err := mdns.ClientConfigFromFile("/etc/resolv.conf")
	if err != nil || len(config.Servers) == 0 {
		return []string{"127.0.0.1:53"}
	}

	servers := make([]string, 0, len(config.Servers))
	for _, s := range config.Servers {
		servers = append(servers, net.JoinHostPort(s, config.Port))
	}
	return servers
}

// Config returns the client's effective configuration.
func (c *Client) Config() ClientConfig {
	return c.config
}

// Lookup implements Resolver.
func (c *Client) Lookup(ctx context.Context, t Type, name string) ([]string, error) {
	resp, err := c.query(ctx, name, uint16(t))
	if err != nil {
		return nil, err
	}
	return answers(resp, t), nil
}

// query performs a DNS query with retries over all configured servers.
// NXDOMAIN ends the search at once; SERVFAIL, REFUSED and network errors
// move on to the next server.
func (c *Client) query(ctx context.Context, name string, qtype uint16) (*mdns.Msg, error) {
	fqdn := mdns.Fqdn(name)
	if _, ok := mdns.IsDomainName(fqdn); !ok {
		return nil, fmt.Errorf("%w: bad query name %q", ErrPermfail, name)
	}

	m := new(mdns.Msg)
	m.SetQuestion(fqdn, qtype)
	m.RecursionDesired = true
	m.SetEdns0(4096, false)

	var lastErr error
	for i := 0; i <= c.config.Retries; i++ {
		for _, server := range c.config.Nameservers {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			resp, _, err := c.udp.ExchangeContext(ctx, m, server)
			if err == nil && resp.Truncated {
				resp, _, err = c.tcp.ExchangeContext(ctx, m, server)
			}
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return nil, ctxErr
				}
				if IsTimeout(err) {
					lastErr = fmt.Errorf("%w: %s %s via %s", ErrTimeout, mdns.TypeToString[qtype], name, server)
				} else {
					lastErr = fmt.Errorf("%w: %w", ErrTempfail, err)
				}
				continue
			}

			switch resp.Rcode {
			case mdns.RcodeSuccess:
				return resp, nil
			case mdns.RcodeNameError:
				return nil, ErrNoDNSrecord
			default:
				lastErr = fmt.Errorf("%w: %s %s: rcode %s", ErrTempfail,
					mdns.TypeToString[qtype], name, mdns.RcodeToString[resp.Rcode])
			}
		}
	}

	if lastErr == nil {
		lastErr = ErrTempfail
	}
	return nil, lastErr
}

// answers extracts the records of type t from a response, ignoring the
// CNAMEs a recursive server puts in front of them.
func answers(resp *mdns.Msg, t Type) []string {
	var out []string
	var mxs []*mdns.MX
	for _, rr := range resp.Answer {
		switch v := rr.(type) {
		case *mdns.A:
			if t == TypeA {
				out = append(out, v.A.String())
			}
		case *mdns.AAAA:
			if t == TypeAAAA {
				out = append(out, v.AAAA.String())
			}
		case *mdns.MX:
			if t == TypeMX {
				mxs = append(mxs, v)
			}
		case *mdns.PTR:
			if t == TypePTR {
				out = append(out, strings.TrimSuffix(v.Ptr, "."))
			}
		case *mdns.TXT:
			// TXT records may be split into multiple character strings, join them
			// per RFC 7208 Section 3.3
			if t == TypeTXT {
				out = append(out, strings.Join(v.Txt, ""))
			}
		case *mdns.SPF:
			if t == TypeSPF {
				out = append(out, strings.Join(v.Txt, ""))
			}
		}
	}
	if len(mxs) > 0 {
		sort.SliceStable(mxs, func(i, j int) bool { return mxs[i].Preference < mxs[j].Preference })
		for _, mx := range mxs {
			out = append(out, strings.TrimSuffix(mx.Mx, "."))
		}
	}
	return out
}
