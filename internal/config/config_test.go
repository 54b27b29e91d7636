package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "sk-test")
}

func TestLoadDefaults(t *testing.T) {
	setRequiredEnv(t)
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.AppEnv)
	assert.Equal(t, "http://localhost:8080", cfg.BackendBaseURL)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.Equal(t, "apex:tasks:queue", cfg.TaskQueueKey)
	assert.Equal(t, "apex:tasks:results", cfg.ResultQueueKey)
	assert.Equal(t, "apex:workers:heartbeat", cfg.HeartbeatPrefix)
	assert.Equal(t, "gpt-4o-mini", cfg.DefaultModel)
	assert.Equal(t, 5, cfg.NumAgents)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, 300*time.Second, cfg.MaxTaskDuration)
	assert.Equal(t, 30*time.Second, cfg.GracefulShutdownTimeout)
	assert.False(t, cfg.RoutingEnabled)
	assert.InDelta(t, 0.7, cfg.ConfidenceThreshold, 1e-9)
	assert.Equal(t, 2, cfg.MaxEscalations)
	assert.Equal(t, 9090, cfg.MetricsPort)
}

func TestLoadEnvOverrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NUM_AGENTS", "10")
	t.Setenv("POLL_INTERVAL", "500ms")
	t.Setenv("ROUTING_ENABLED", "true")
	t.Setenv("ROUTING_CASCADE", "gpt-4o-mini,gpt-4o,claude-3-opus")
	t.Setenv("CNP_CAPABILITIES", "web_search,summarize")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 10, cfg.NumAgents)
	assert.Equal(t, 500*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, []string{"gpt-4o-mini", "gpt-4o", "claude-3-opus"}, cfg.RoutingCascade)
	assert.Equal(t, []string{"web_search", "summarize"}, cfg.CNPCapabilities)
}

func TestLoadRequiresLLMCredentials(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no LLM provider credentials")
}

func TestLoadAnthropicOnlyIsEnough(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-test")
	_, err := Load()
	assert.NoError(t, err)
}

func TestValidateNumAgentsRange(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("NUM_AGENTS", "101")
	_, err := Load()
	assert.Error(t, err)

	t.Setenv("NUM_AGENTS", "0")
	_, err = Load()
	assert.Error(t, err)
}

func TestValidateDurationRanges(t *testing.T) {
	cases := []struct {
		name  string
		key   string
		value string
	}{
		{"poll interval too short", "POLL_INTERVAL", "50ms"},
		{"poll interval too long", "POLL_INTERVAL", "2m"},
		{"heartbeat interval too short", "HEARTBEAT_INTERVAL", "500ms"},
		{"task duration too short", "MAX_TASK_DURATION", "5s"},
		{"task duration too long", "MAX_TASK_DURATION", "2h"},
		{"shutdown timeout too short", "GRACEFUL_SHUTDOWN_TIMEOUT", "1s"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			setRequiredEnv(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.key)
		})
	}
}

func TestValidateRoutingNeedsCascade(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("ROUTING_ENABLED", "true")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty cascade")
}

func TestEnvPredicates(t *testing.T) {
	assert.True(t, Config{AppEnv: "dev"}.IsDev())
	assert.True(t, Config{AppEnv: "DEV"}.IsDev())
	assert.True(t, Config{AppEnv: "prod"}.IsProd())
	assert.True(t, Config{AppEnv: "test"}.IsTest())
	assert.False(t, Config{AppEnv: "prod"}.IsDev())
}

func TestBackoffConfigs(t *testing.T) {
	initial, max := Config{AppEnv: "test"}.GetLLMBackoffConfig()
	assert.Equal(t, 10*time.Millisecond, initial)
	assert.Equal(t, 100*time.Millisecond, max)

	initial, max = Config{AppEnv: "prod"}.GetLLMBackoffConfig()
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 10*time.Second, max)

	initial, max = Config{AppEnv: "prod"}.GetBackendBackoffConfig()
	assert.Equal(t, time.Second, initial)
	assert.Equal(t, 60*time.Second, max)
}
