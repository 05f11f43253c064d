package main

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mailspire/spf/dns"
	"github.com/mailspire/spf/internal/config"
)

func TestLogConfig(t *testing.T) {
	tc := []struct {
		name        string
		cfg         config.Config
		wantConsole bool
	}{
		{"no file → console", config.Config{LogLevel: "info"}, true},
		{"file only", config.Config{LogLevel: "info", LogPath: "/var/log/postlicyd.log"}, false},
		{"foreground → console", config.Config{LogPath: "/var/log/postlicyd.log", Foreground: true}, true},
		{"console requested", config.Config{LogPath: "/var/log/postlicyd.log", LogConsole: true}, true},
	}

	for _, c := range tc {
		t.Run(c.name, func(t *testing.T) {
			lc := logConfig(&c.cfg)
			assert.Equal(t, c.wantConsole, lc.ConsoleOutput)
			assert.Equal(t, c.cfg.LogPath, lc.FilePath)
		})
	}
}

func TestNewResolver(t *testing.T) {
	cfg := &config.Config{DNSTimeout: time.Second, DNSRetries: 1, CacheSize: 16, CacheTTL: time.Minute}
	_, ok := newResolver(cfg, nil).(*dns.Cache)
	assert.True(t, ok)

	cfg.CacheSize = 0
	_, ok = newResolver(cfg, nil).(*dns.Instrumented)
	assert.True(t, ok)
}

//nolint:paralleltest
func TestPidFile(t *testing.T) {
	mainLog = zap.NewNop()
	path := filepath.Join(t.TempDir(), "postlicyd.pid")

	require.NoError(t, writePidFile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(os.Getpid()), strings.TrimSpace(string(data)))

	removePidFile(path)
	_, err = os.Stat(path)
	require.ErrorIs(t, err, os.ErrNotExist)

	// removing twice is harmless
	removePidFile(path)

	require.Error(t, writePidFile(filepath.Join(t.TempDir(), "missing", "postlicyd.pid")))
}
