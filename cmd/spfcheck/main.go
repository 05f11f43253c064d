// Command spfcheck evaluates the SPF policy of a sender against live DNS.
//
//	spfcheck --ip 192.0.2.1 --sender user@example.com --helo mx.example.com
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/mailspire/spf"
	"github.com/mailspire/spf/dns"
	"github.com/mailspire/spf/internal/logger"
)

type options struct {
	ip          string
	sender      string
	helo        string
	domain      string
	receiver    string
	nameservers []string
	timeout     time.Duration
	allowPTR    bool
	debug       bool
}

func parseFlags(args []string) (*options, error) {
	o := &options{}
	fs := pflag.NewFlagSet("spfcheck", pflag.ContinueOnError)
	fs.StringVarP(&o.ip, "ip", "i", "", "SMTP client address (required)")
	fs.StringVarP(&o.sender, "sender", "s", "", "MAIL FROM address, empty for a bounce")
	fs.StringVar(&o.helo, "helo", "", "HELO/EHLO name")
	fs.StringVarP(&o.domain, "domain", "d", "", "check this domain instead of the sender's")
	fs.StringVar(&o.receiver, "receiver", "", "name of the receiving host, for %{r}")
	fs.StringSliceVarP(&o.nameservers, "nameserver", "n", nil, "nameserver(s) to query, default from /etc/resolv.conf")
	fs.DurationVarP(&o.timeout, "timeout", "t", 20*time.Second, "bound on the whole check")
	fs.BoolVar(&o.allowPTR, "allow-ptr", false, "resolve the %{p} macro")
	fs.BoolVar(&o.debug, "debug", false, "log the evaluation to stderr")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if o.ip == "" {
		return nil, errors.New("--ip is required")
	}
	if o.sender == "" && o.helo == "" && o.domain == "" {
		return nil, errors.New("one of --sender, --helo or --domain is required")
	}
	return o, nil
}

func main() {
	o, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintln(os.Stderr, "spfcheck:", err)
		os.Exit(2)
	}

	log := zap.NewNop()
	if o.debug {
		log, err = logger.Init(logger.LogConfig{Level: "debug", ConsoleOutput: true})
		if err != nil {
			fmt.Fprintln(os.Stderr, "spfcheck:", err)
			os.Exit(1)
		}
		defer func() { _ = log.Sync() }()
	}

	res, err := check(context.Background(), o, dns.NewClient(dns.ClientConfig{Nameservers: o.nameservers}), log)
	if err != nil {
		fmt.Fprintln(os.Stderr, "spfcheck:", err)
		os.Exit(1)
	}
	printResult(os.Stdout, res)
	if res.Code == spf.TempError || res.Code == spf.PermError {
		os.Exit(1)
	}
}

func check(ctx context.Context, o *options, r dns.Resolver, log *zap.Logger) (spf.CheckHostResult, error) {
	ip := net.ParseIP(o.ip)
	if ip == nil {
		return spf.CheckHostResult{}, fmt.Errorf("invalid address %q", o.ip)
	}

	c := spf.NewChecker(r)
	c.Logger = log
	c.Timeout = o.timeout
	if o.receiver != "" {
		c.Receiver = o.receiver
	}

	results := make(chan spf.CheckHostResult, 1)
	c.Check(ctx, spf.Request{
		IP:       ip,
		Sender:   o.sender,
		Helo:     o.helo,
		Domain:   o.domain,
		AllowPTR: o.allowPTR,
	}, func(res spf.CheckHostResult) { results <- res })

	select {
	case res := <-results:
		return res, nil
	case <-ctx.Done():
		return spf.CheckHostResult{}, ctx.Err()
	}
}

func printResult(w io.Writer, res spf.CheckHostResult) {
	fmt.Fprintf(w, "result:      %s\n", res.Code)
	if res.Mechanism != "" {
		fmt.Fprintf(w, "mechanism:   %s\n", res.Mechanism)
	}
	if res.Cause != nil {
		fmt.Fprintf(w, "cause:       %v\n", res.Cause)
	}
	if res.Explanation != "" {
		fmt.Fprintf(w, "explanation: %s\n", res.Explanation)
	}
}
