package control

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseConfigOverridesDefaults(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
max_fd: 400
accept_check_delay: 100ms
accept_limiter_order: fifo
connect_max_tries: 5
resolver:
  nameservers: ["127.0.0.53"]
  cache_size: 16
`))
	require.NoError(t, err)
	require.Equal(t, 400, cfg.MaxFD)
	require.Equal(t, 100, cfg.ReservedFD)
	require.Equal(t, 100*time.Millisecond, cfg.AcceptCheckDelay)
	require.Equal(t, LimiterFIFO, cfg.AcceptLimiterOrder)
	require.Equal(t, 5, cfg.ConnectMaxTries)
	require.Equal(t, 10, cfg.MaxAcceptPerLoop)
	require.Equal(t, []string{"127.0.0.53"}, cfg.Resolver.Nameservers)
	require.Equal(t, 16, cfg.Resolver.CacheSize)
	require.Equal(t, 5*time.Second, cfg.Resolver.Timeout)
}

func TestDefaultReserved(t *testing.T) {
	require.Equal(t, 100, DefaultReserved(4096))
	require.Equal(t, 16, DefaultReserved(64))
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"reserved above max": "max_fd: 10\nreserved_fd: 10\n",
		"bad order":          "max_fd: 100\naccept_limiter_order: random\n",
		"bad level":          "max_fd: 100\nlog_level: loud\n",
		"bad format":         "max_fd: 100\nlog_format: xml\n",
		"zero delay":         "max_fd: 100\naccept_check_delay: 0s\n",
		"negative max":       "max_fd: -1\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseConfig([]byte(doc))
			require.Error(t, err)
		})
	}
}

func TestValidateDerivesMaxFD(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())
	require.Greater(t, cfg.MaxFD, 0)
	require.Greater(t, cfg.ReservedFD, 0)
}

func TestConfigStoreReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "comm.yaml")
	require.NoError(t, os.WriteFile(path, []byte("max_fd: 200\nlog_level: debug\n"), 0o600))

	first := DefaultConfig()
	first.MaxFD = 100
	require.NoError(t, first.Validate())
	store := NewConfigStore(first)

	var seen []*Config
	store.OnReload(func(c *Config) { seen = append(seen, c) })
	require.NoError(t, store.Reload(path))
	require.Len(t, seen, 1)
	require.Equal(t, 200, seen[0].MaxFD)
	require.Equal(t, "debug", store.Snapshot().LogLevel)

	require.NoError(t, os.WriteFile(path, []byte("max_fd: nope\n"), 0o600))
	require.Error(t, store.Reload(path))
	require.Len(t, seen, 1)
	require.Equal(t, 200, store.Snapshot().MaxFD)
}
