package sync

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func init() {
	Init(Ripple2REDCap)
}

type mapEnv map[string]string

func (m mapEnv) LookupEnv(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func testEnv() mapEnv {
	return mapEnv{
		"RIPPLE_HOST":               "http://ripple.test",
		"RIPPLE_TOKEN":              "ripple-token",
		"REDCAP_HOST":               "http://redcap.test/api/",
		"RIPPLE_STUDY_HBN_MAIN":     "study-main",
		"RIPPLE_STUDY_HBN_WAITLIST": "study-waitlist",
		"REDCAP_TOKEN_HBN_MAIN":     "token-main",
		"REDCAP_TOKEN_HBN_WAITLIST": "token-waitlist",
	}
}

// testConfig loads the embedded config with env, and fast retries.
func testConfig(t *testing.T, env mapEnv) Config {
	t.Helper()
	config, err := LoadConfigFromEnvironment(DefaultEmbeddedConfig, ConfigWithEnv(env), ConfigWithFile(""))
	require.NoError(t, err)
	config.Run.Retry = RetrySettings{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond}
	config.Run.CallTimeout = 5 * time.Second
	config.Lock.Path = t.TempDir() + "/hbnsync.lock"
	return config
}

// testLogger returns a logger writing JSON lines into buf.
func testLogger(buf *bytes.Buffer) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
