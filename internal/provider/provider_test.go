package provider

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/common/logger"
	v1 "github.com/cmux/cmux/pkg/api/v1"
	"github.com/cmux/cmux/pkg/chat"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "text", OutputPath: "stderr"})
	require.NoError(t, err)
	return log
}

func TestParseModelString(t *testing.T) {
	providerName, model, err := ParseModelString("anthropic:claude-sonnet-4-5")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", providerName)
	assert.Equal(t, "claude-sonnet-4-5", model)

	// Only the first colon splits; model ids may carry more.
	_, model, err = ParseModelString("openai:ft:gpt-4o:org")
	require.NoError(t, err)
	assert.Equal(t, "ft:gpt-4o:org", model)

	for _, bad := range []string{"", "gpt-4o", ":gpt-4o", "openai:"} {
		_, _, err := ParseModelString(bad)
		require.Error(t, err, bad)
		assert.Equal(t, cmuxerrors.KindInvalidModelString, cmuxerrors.KindOf(err), bad)
	}
}

func TestThinkingPolicy_Fixed(t *testing.T) {
	p := FixedThinking(v1.ThinkingHigh)
	for _, in := range []v1.ThinkingLevel{v1.ThinkingOff, v1.ThinkingLow, v1.ThinkingMedium, v1.ThinkingHigh} {
		assert.Equal(t, v1.ThinkingHigh, p.Enforce(in), string(in))
	}
	level, fixed := p.Fixed()
	assert.True(t, fixed)
	assert.Equal(t, v1.ThinkingHigh, level)
}

func TestThinkingPolicy_Selectable(t *testing.T) {
	p := SelectableThinking(v1.ThinkingMedium, v1.ThinkingLow, v1.ThinkingHigh)

	// Off always passes through; allowed levels pass; the rest clamp
	// to the default.
	assert.Equal(t, v1.ThinkingOff, p.Enforce(v1.ThinkingOff))
	assert.Equal(t, v1.ThinkingLow, p.Enforce(v1.ThinkingLow))
	assert.Equal(t, v1.ThinkingHigh, p.Enforce(v1.ThinkingHigh))
	assert.Equal(t, v1.ThinkingMedium, p.Enforce(v1.ThinkingMedium))
	assert.Equal(t, v1.ThinkingMedium, p.Enforce(v1.ThinkingLevel("extreme")))
}

func TestClassifyStatus(t *testing.T) {
	assert.Equal(t, StreamErrAuthentication, ClassifyStatus(401))
	assert.Equal(t, StreamErrAuthentication, ClassifyStatus(403))
	assert.Equal(t, StreamErrQuota, ClassifyStatus(429))
	assert.Equal(t, StreamErrModelNotFound, ClassifyStatus(404))
	assert.Equal(t, StreamErrContextExceeded, ClassifyStatus(413))
	assert.Equal(t, StreamErrNetwork, ClassifyStatus(502))
	assert.Equal(t, StreamErrUnknown, ClassifyStatus(400))
}

func TestClassifyStreamError(t *testing.T) {
	assert.Equal(t, StreamErrAborted, ClassifyStreamError(context.Canceled))
	assert.Equal(t, StreamErrAborted, ClassifyStreamError(fmt.Errorf("wrapped: %w", context.Canceled)))
	assert.Equal(t, StreamErrNetwork, ClassifyStreamError(&net.DNSError{Err: "no such host"}))
	assert.Equal(t, StreamErrQuota, ClassifyStreamError(NewStreamError(StreamErrQuota, errors.New("429"))))
	assert.Equal(t, StreamErrUnknown, ClassifyStreamError(errors.New("mystery")))
}

func TestAutoRetryable(t *testing.T) {
	for _, terminal := range []StreamErrorType{
		StreamErrAuthentication, StreamErrQuota, StreamErrModelNotFound,
		StreamErrContextExceeded, StreamErrAborted,
	} {
		assert.False(t, AutoRetryable(terminal), string(terminal))
	}
	assert.True(t, AutoRetryable(StreamErrNetwork))
	assert.True(t, AutoRetryable(StreamErrUnknown))
}

func TestRetryEligible(t *testing.T) {
	now := time.Now()
	ms := func(t time.Time) int64 { return t.UnixMilli() }

	partial := chat.Message{Role: chat.RoleAssistant}
	partial.Metadata.Partial = true
	assert.True(t, RetryEligible([]chat.Message{partial}, now))

	complete := chat.Message{Role: chat.RoleAssistant}
	assert.False(t, RetryEligible([]chat.Message{complete}, now))

	staleUser := chat.NewUserMessage("u1", "hello")
	staleUser.Metadata.Timestamp = ms(now.Add(-5 * time.Second))
	assert.True(t, RetryEligible([]chat.Message{staleUser}, now))

	freshUser := chat.NewUserMessage("u2", "hello")
	freshUser.Metadata.Timestamp = ms(now.Add(-time.Second))
	assert.False(t, RetryEligible([]chat.Message{freshUser}, now))

	assert.False(t, RetryEligible(nil, now))
}

func TestSecrets_FileWinsOverEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.toml")
	s := NewSecrets(path, newTestLogger(t))

	t.Setenv("ANTHROPIC_API_KEY", "env-key")
	assert.Equal(t, "env-key", s.APIKey("anthropic"))

	require.NoError(t, s.SetAPIKey("anthropic", "file-key"))
	assert.Equal(t, "file-key", s.APIKey("anthropic"))

	// Permissions are tightened since the file holds credentials.
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	require.NoError(t, s.SetAPIKey("anthropic", ""))
	assert.Equal(t, "env-key", s.APIKey("anthropic"))
}

func TestSecrets_UnknownProviderEnvConvention(t *testing.T) {
	s := NewSecrets(filepath.Join(t.TempDir(), "secrets.toml"), newTestLogger(t))
	t.Setenv("GROQ_API_KEY", "gk")
	assert.Equal(t, "gk", s.APIKey("groq"))
	assert.Equal(t, "", s.APIKey("nonexistent"))
}
