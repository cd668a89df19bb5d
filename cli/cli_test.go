package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cyberinferno/sensor-ingest/config"
	"github.com/cyberinferno/sensor-ingest/ingest"
	"github.com/cyberinferno/sensor-ingest/logger"
)

func resolve(t *testing.T, args ...string) (config.Config, error) {
	t.Helper()
	var got config.Config
	cmd := newServeCommandWith(func(ctx context.Context, cfg config.Config) error {
		got = cfg
		return nil
	})
	cmd.SetArgs(args)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	err := cmd.Execute()
	return got, err
}

func TestServe_ResolveConfig(t *testing.T) {
	t.Run("defaults without flags", func(t *testing.T) {
		cfg, err := resolve(t)
		require.NoError(t, err)
		assert.Equal(t, config.Default(), cfg)
	})

	t.Run("flags override defaults", func(t *testing.T) {
		cfg, err := resolve(t,
			"--host", "127.0.0.1",
			"--port", "12001",
			"--participant", "p03",
			"--framing", "line",
			"--sentinel-match", "exact",
			"--max-connections", "8",
			"--shutdown-grace", "1s",
			"--log-level", "debug",
		)
		require.NoError(t, err)
		assert.Equal(t, "127.0.0.1:12001", cfg.Server.Addr())
		assert.Equal(t, "p03", cfg.Server.Participant)
		assert.Equal(t, config.FramingLine, cfg.Server.Framing)
		assert.Equal(t, config.MatchExact, cfg.Server.SentinelMatch)
		assert.Equal(t, 8, cfg.Server.MaxConnections)
		assert.Equal(t, time.Second, cfg.Server.ShutdownGrace)
		assert.Equal(t, "debug", cfg.Log.Level)
	})

	t.Run("unset flags keep config file values", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "sensor-ingest.toml")
		require.NoError(t, os.WriteFile(path, []byte(`
[server]
port = 13000
participant = "from-file"
framing = "line"
`), 0644))

		cfg, err := resolve(t, "--config", path, "--participant", "from-flag")
		require.NoError(t, err)
		assert.Equal(t, 13000, cfg.Server.Port)
		assert.Equal(t, "from-flag", cfg.Server.Participant)
		assert.Equal(t, config.FramingLine, cfg.Server.Framing)
	})

	t.Run("invalid values are rejected", func(t *testing.T) {
		_, err := resolve(t, "--framing", "bogus")
		assert.Error(t, err)
	})

	t.Run("missing config file", func(t *testing.T) {
		_, err := resolve(t, "--config", filepath.Join(t.TempDir(), "missing.toml"))
		assert.Error(t, err)
	})
}

func TestSendRecords(t *testing.T) {
	cfg := config.Default().Server
	cfg.Host = "127.0.0.1"
	cfg.Port = 0
	cfg.OutputDir = t.TempDir()
	cfg.Framing = config.FramingLine

	s := ingest.NewServer(cfg, logger.NewNop())
	require.NoError(t, s.Start())
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	}()

	in := strings.NewReader("a,1\n\nb,2\nc,3\n")
	sent, err := sendRecords(context.Background(), in, sendFlags{
		addr:      s.Addr().String(),
		delimiter: `\n`,
		sentinel:  "CLOSE",
	})
	require.NoError(t, err)
	assert.Equal(t, 3, sent)

	require.Eventually(t, func() bool {
		data, err := os.ReadFile(s.LogPath())
		return err == nil &&
			strings.Contains(string(data), ",a,1\n") &&
			strings.Contains(string(data), ",b,2\n") &&
			strings.Contains(string(data), ",c,3\n")
	}, 5*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return s.ActiveConnections() == 0
	}, 5*time.Second, 10*time.Millisecond)

	data, err := os.ReadFile(s.LogPath())
	require.NoError(t, err)
	assert.NotContains(t, string(data), "CLOSE")
}

func TestSendRecords_ConnectFailure(t *testing.T) {
	sent, err := sendRecords(context.Background(), strings.NewReader("a,1\n"), sendFlags{addr: "127.0.0.1:1"})
	assert.Error(t, err)
	assert.Zero(t, sent)
}

func TestUnescapeDelimiter(t *testing.T) {
	assert.Equal(t, "\n", unescapeDelimiter(`\n`))
	assert.Equal(t, "\r\n", unescapeDelimiter(`\r\n`))
	assert.Equal(t, "\t", unescapeDelimiter(`\t`))
	assert.Equal(t, ";", unescapeDelimiter(";"))
	assert.Equal(t, "", unescapeDelimiter(""))
}

func TestRootCommand(t *testing.T) {
	root := NewRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "send")
}
