package config

import (
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func Test_Load(t *testing.T) {
	c, err := Load("testdata/bpmd.yaml")
	require.NoError(t, err)

	require.Equal(t, "./processes", c.Processes)
	require.Equal(t, slog.LevelDebug, c.Log.SlogLevel())
	require.Equal(t, "json", c.Log.Format)
	require.Equal(t, "bolt", c.Backend.Type)
	require.Equal(t, "/var/lib/bpmd/bpm.db", c.Backend.Path)
	require.Equal(t, "redis", c.Lock.Type)
	require.Equal(t, "redis:6379", c.Lock.Addr)
	require.Equal(t, 2*time.Second, c.Lock.Timeout)
	require.Equal(t, 4, c.Scheduler.Pollers)
	require.Equal(t, 3, c.Scheduler.MaxRetries)
	require.True(t, c.Engine.VolatileInvokeChecks)
	require.True(t, c.Tracing.Enabled)

	// Not set in the file
	require.Equal(t, time.Minute, c.Lock.Expiration)
	require.Equal(t, 200*time.Millisecond, c.Scheduler.PollingInterval)
	require.Equal(t, 500*time.Millisecond, c.Engine.ExecutionBudget)
	require.True(t, c.Tracing.Pretty)
}

func Test_Load_MissingFile(t *testing.T) {
	_, err := Load("testdata/missing.yaml")
	require.Error(t, err)
}

func Test_Parse_Defaults(t *testing.T) {
	c, err := Parse(strings.NewReader("processes: procs\n"))
	require.NoError(t, err)

	require.Equal(t, "info", c.Log.Level)
	require.Equal(t, slog.LevelInfo, c.Log.SlogLevel())
	require.Equal(t, "text", c.Log.Format)
	require.Equal(t, "sqlite", c.Backend.Type)
	require.Equal(t, "bpm.db", c.Backend.Path)
	require.Equal(t, time.Minute, c.Backend.JobLeaseTimeout)
	require.Equal(t, "local", c.Lock.Type)
	require.Equal(t, 250*time.Millisecond, c.Lock.Timeout)
	require.Equal(t, 2, c.Scheduler.Pollers)
	require.Equal(t, 5, c.Scheduler.MaxRetries)
	require.Equal(t, time.Second, c.Scheduler.RetryInitialInterval)
	require.Equal(t, time.Minute, c.Scheduler.RetryMaxInterval)
	require.Equal(t, 128, c.Cache.Size)
	require.Equal(t, 10*time.Minute, c.Cache.TTL)
	require.False(t, c.Tracing.Enabled)

	require.Len(t, c.Scheduler.Options(), 6)
	require.Len(t, c.EngineOptions(), 3)
}

func Test_Parse_Invalid(t *testing.T) {
	tests := []struct {
		name  string
		doc   string
		field string
	}{
		{
			name:  "missing processes",
			doc:   "log:\n  level: info\n",
			field: "Config.Processes",
		},
		{
			name:  "unknown backend",
			doc:   "processes: p\nbackend:\n  type: cassandra\n",
			field: "Config.Backend.Type",
		},
		{
			name:  "unknown log level",
			doc:   "processes: p\nlog:\n  level: verbose\n",
			field: "Config.Log.Level",
		},
		{
			name:  "zero pollers",
			doc:   "processes: p\nscheduler:\n  pollers: 0\n",
			field: "Config.Scheduler.Pollers",
		},
		{
			name:  "redis address",
			doc:   "processes: p\nlock:\n  type: redis\n  addr: redis\n",
			field: "Config.Lock.Addr",
		},
		{
			name:  "expiration below timeout",
			doc:   "processes: p\nlock:\n  timeout: 5m\n",
			field: "Config.Lock.Expiration",
		},
		{
			name:  "retry interval",
			doc:   "processes: p\nscheduler:\n  retryInitialInterval: 2m\n",
			field: "Config.Scheduler.RetryMaxInterval",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(strings.NewReader(tt.doc))
			require.Error(t, err)
			require.Contains(t, err.Error(), "field '"+tt.field+"'")
		})
	}
}

func Test_Parse_UnknownField(t *testing.T) {
	_, err := Parse(strings.NewReader("processes: p\nbackends:\n  type: memory\n"))
	require.ErrorContains(t, err, "decoding config")
}

func Test_Parse_Empty(t *testing.T) {
	_, err := Parse(strings.NewReader(""))
	require.ErrorContains(t, err, "Config.Processes")
}
