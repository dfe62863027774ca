package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "localhost", cfg.Hostname)
	assert.Equal(t, "did:web:localhost", cfg.ServiceDID())
	assert.Equal(t, 3000, cfg.Port)
	assert.Equal(t, "members", cfg.FeedName)
	assert.Equal(t, 100, cfg.BatchSize)
	assert.Equal(t, 3, cfg.StoreRetries)
	assert.Equal(t, 100, cfg.MaxLimit)
	assert.Equal(t, time.Second, cfg.ReconnectDelay)
	assert.Equal(t, 7*24*time.Hour, cfg.RetentionMaxAge)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Empty(t, cfg.RetentionCron)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")
	t.Setenv("FEEDGEN_HOSTNAME", "feed.example.com")
	t.Setenv("PORT", "8080")
	t.Setenv("FEEDGEN_MEMBERS", "did:plc:alice, did:plc:bob,,")
	t.Setenv("FEEDGEN_FLUSH_INTERVAL", "250ms")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, cfg.Members)
	assert.Equal(t, 250*time.Millisecond, cfg.FlushInterval)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestLoad_ZeroStoreRetriesDisablesRetry(t *testing.T) {
	t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")
	t.Setenv("FEEDGEN_STORE_RETRIES", "0")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 0, cfg.StoreRetries)
}

func TestLoad_Errors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"missing publisher", map[string]string{"FEEDGEN_PUBLISHER_DID": ""}},
		{"bad port", map[string]string{"PORT": "http"}},
		{"bad duration", map[string]string{"FEEDGEN_RECONNECT_DELAY": "soon"}},
		{"zero max limit", map[string]string{"FEEDGEN_MAX_LIMIT": "0"}},
		{"negative store retries", map[string]string{"FEEDGEN_STORE_RETRIES": "-1"}},
		{"bad log level", map[string]string{"LOG_LEVEL": "loud"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("FEEDGEN_PUBLISHER_DID", "did:plc:publisher")
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadMembers(t *testing.T) {
	path := filepath.Join(t.TempDir(), "members.yaml")
	require.NoError(t, os.WriteFile(path, []byte("members:\n  - did:plc:bob\n  - did:plc:alice\n"), 0o600))

	cfg := &Config{Members: []string{"did:plc:alice"}, MembersFile: path}
	f, err := cfg.LoadMembers()
	require.NoError(t, err)
	assert.Equal(t, []string{"did:plc:alice", "did:plc:bob"}, f.Members())
}

func TestLoadMembers_Errors(t *testing.T) {
	dir := t.TempDir()
	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("members: [unclosed"), 0o600))
	notDID := filepath.Join(dir, "handles.yaml")
	require.NoError(t, os.WriteFile(notDID, []byte("members:\n  - alice.bsky.social\n"), 0o600))

	for _, path := range []string{bad, notDID, filepath.Join(dir, "missing.yaml")} {
		_, err := (&Config{MembersFile: path}).LoadMembers()
		assert.Error(t, err, path)
	}
}

func TestLoadMembers_InlineOnly(t *testing.T) {
	f, err := (&Config{}).LoadMembers()
	require.NoError(t, err)
	assert.Equal(t, 0, f.Len())
}
