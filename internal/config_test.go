package internal

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "novads.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const sampleConfig = `
server:
  addr: 0.0.0.0:9000
backends:
  - name: main
    driver: sqlite
    dsn: ":memory:"
    conn_max_lifetime: 5m
cache:
  max_bytes: 1024
datasets:
  - name: orders
    kind: query
    tables:
      - { alias: o, name: orders, backend: main }
    mappings:
      - { column: o.id }
    cache:
      mode: time_and_interval
      at: "06:00"
      interval: 30m
      rows: ["param:status"]
    flush_on_update: [orders_update]
  - name: orders_update
    kind: update
    tables:
      - { alias: o, name: orders, backend: main }
    mappings:
      - { column: o.id, value: "node:@id" }
    granularity: every_n_rows
    n: 50
    action:
      field: "@op"
      values:
        - { value: I, action: insert }
`

func TestLoadConfig(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)

	require.Equal(t, "novads", cfg.AppName)
	require.Equal(t, "0.0.0.0:9000", cfg.Server.Addr)
	require.Equal(t, "info", cfg.Log.Level)
	require.Len(t, cfg.Backends, 1)
	require.Equal(t, 5*time.Minute, cfg.Backends[0].ConnMaxLifetime)
	require.Equal(t, int64(1024), cfg.Cache.MaxBytes)
	require.Equal(t, int64(1<<20), cfg.Cache.SpillBytes)
	require.Equal(t, 10*time.Minute, cfg.Cache.EstimateTTL)

	q, ok := cfg.Dataset("orders")
	require.True(t, ok)
	require.NotNil(t, q.Cache)
	require.Equal(t, 30*time.Minute, q.Cache.Interval)
	require.Equal(t, "06:00", q.Cache.At)
	require.Equal(t, []string{"orders_update"}, q.FlushOnUpdate)

	u, ok := cfg.Dataset("orders_update")
	require.True(t, ok)
	require.Equal(t, 50, u.N)
	// Discriminator values keep their case.
	require.Equal(t, []DiscriminatorConfig{{Value: "I", Action: "insert"}}, u.Action.Values)
}

func TestLoadConfig_EnvOverride(t *testing.T) {
	t.Setenv("NOVADS_SERVER_ADDR", "127.0.0.1:7000")
	t.Setenv("NOVADS_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(writeConfig(t, sampleConfig))
	require.NoError(t, err)
	require.Equal(t, "127.0.0.1:7000", cfg.Server.Addr)
	require.Equal(t, "debug", cfg.Log.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown backend": `
backends: [{ name: main, driver: sqlite }]
datasets:
  - name: a
    tables: [{ alias: o, name: orders, backend: other }]
`,
		"duplicate data set": `
datasets:
  - { name: a }
  - { name: a }
`,
		"unknown flush target": `
datasets:
  - { name: a, flush_on_update: [b] }
`,
		"duplicate backend": `
backends:
  - { name: main, driver: sqlite }
  - { name: main, driver: mysql }
`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, body))
			require.Error(t, err)
		})
	}

	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
