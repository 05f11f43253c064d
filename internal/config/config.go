// Package config loads the postlicyd configuration from a YAML file,
// POSTLICYD_* environment variables and command-line flags, in increasing
// order of precedence.
package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
)

// DefaultPort is the policy service port used when none is configured.
const DefaultPort = "10000"

type Config struct {
	Listen     string // host:port of the policy service
	PidFile    string
	Foreground bool

	LogLevel   string
	LogPath    string
	LogConsole bool

	Nameservers []string
	DNSTimeout  time.Duration
	DNSRetries  int
	CacheSize   int
	CacheTTL    time.Duration

	Receiver   string
	AllowPTR   bool
	SPFTimeout time.Duration

	// Actions maps a verdict ("pass", "fail", ...) to the policy answer.
	Actions map[string]string

	MetricsListen string
}

// Verdicts whose action can be configured.
var Verdicts = []string{"none", "neutral", "pass", "fail", "softfail", "temperror", "permerror"}

// Flags returns the command-line flags understood by Load.
func Flags(name string) *pflag.FlagSet {
	fs := pflag.NewFlagSet(name, pflag.ContinueOnError)
	fs.StringP("listen", "l", "", "port (or host:port) to listen to")
	fs.StringP("pidfile", "p", "", "file to write our pid to")
	fs.BoolP("foreground", "f", false, "stay in foreground")
	return fs
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("listen", DefaultPort)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.console", false)
	v.SetDefault("dns.timeout", 2*time.Second)
	v.SetDefault("dns.retries", 2)
	v.SetDefault("dns.cache_size", 4096)
	v.SetDefault("dns.cache_ttl", 5*time.Minute)
	v.SetDefault("spf.receiver", "unknown")
	v.SetDefault("spf.allow_ptr", false)
	v.SetDefault("spf.timeout", 20*time.Second)
	for _, r := range Verdicts {
		v.SetDefault("policy.actions."+r, "DUNNO")
	}
	v.SetDefault("policy.actions.fail", "REJECT")
	v.SetDefault("policy.actions.temperror", "DEFER_IF_PERMIT")
}

// Load reads the configuration file at path.  Flags that were set on the
// command line override the file and the environment.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	v.SetEnvPrefix("postlicyd")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for _, name := range []string{"listen", "pidfile", "foreground"} {
			if f := flags.Lookup(name); f != nil && f.Changed {
				if err := v.BindPFlag(name, f); err != nil {
					return nil, fmt.Errorf("binding flag %s: %w", name, err)
				}
			}
		}
	}

	cfg := &Config{
		Listen:        listenAddr(v.GetString("listen")),
		PidFile:       v.GetString("pidfile"),
		Foreground:    v.GetBool("foreground"),
		LogLevel:      v.GetString("log.level"),
		LogPath:       v.GetString("log.path"),
		LogConsole:    v.GetBool("log.console"),
		Nameservers:   v.GetStringSlice("dns.nameservers"),
		DNSTimeout:    v.GetDuration("dns.timeout"),
		DNSRetries:    v.GetInt("dns.retries"),
		CacheSize:     v.GetInt("dns.cache_size"),
		CacheTTL:      v.GetDuration("dns.cache_ttl"),
		Receiver:      v.GetString("spf.receiver"),
		AllowPTR:      v.GetBool("spf.allow_ptr"),
		SPFTimeout:    v.GetDuration("spf.timeout"),
		Actions:       make(map[string]string, len(Verdicts)),
		MetricsListen: v.GetString("metrics.listen"),
	}
	for _, r := range Verdicts {
		cfg.Actions[r] = strings.TrimSpace(v.GetString("policy.actions." + r))
	}

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// listenAddr accepts a bare port, which binds the loopback interface.
func listenAddr(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		s = DefaultPort
	}
	if !strings.Contains(s, ":") {
		return net.JoinHostPort("127.0.0.1", s)
	}
	return s
}

func validate(cfg *Config) error {
	if _, port, err := net.SplitHostPort(cfg.Listen); err != nil || port == "" {
		return fmt.Errorf("invalid listen address %q", cfg.Listen)
	}
	if _, err := zapcore.ParseLevel(cfg.LogLevel); err != nil {
		return fmt.Errorf("invalid log level: %s", cfg.LogLevel)
	}
	if cfg.DNSTimeout <= 0 {
		return errors.New("dns.timeout must be positive")
	}
	if cfg.SPFTimeout < 0 {
		return errors.New("spf.timeout must not be negative")
	}
	for r, a := range cfg.Actions {
		if a == "" {
			return fmt.Errorf("empty action for %s", r)
		}
	}
	return nil
}
