package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "tutor-api", cfg.ServiceName)
	assert.Equal(t, ":8090", cfg.Addr())
	assert.Equal(t, ModerationFailOpen, cfg.ModerationFailMode)
	assert.Equal(t, 2, cfg.AssessmentMaxRetries)
	assert.Equal(t, time.Second, cfg.AssessmentInitialBackoff)
	assert.Equal(t, 30*time.Second, cfg.AssessmentAttemptTimeout)
	assert.Equal(t, 5*time.Minute, cfg.SafetyStaleWindow)
	assert.Equal(t, 10*time.Minute, cfg.InactivitySnapshotWindow)
	assert.Equal(t, cfg.DatabaseURL, cfg.VectorDBURL)
	require.NotNil(t, cfg.Policy)
	assert.Same(t, cfg, GetGlobal())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("MODERATION_FAIL_MODE", "CLOSED")
	t.Setenv("SLOW_REASONING_MODELS", " Deep-Think , o3-mini,,")
	t.Setenv("INACTIVITY_SNAPSHOT_WINDOW", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModerationFailClosed, cfg.ModerationFailMode)
	assert.Equal(t, []string{"deep-think", "o3-mini"}, cfg.SlowReasoningModels)
	assert.True(t, cfg.IsSlowReasoningModel("DEEP-THINK"))
	assert.False(t, cfg.IsSlowReasoningModel("jan-v1-4b"))
	assert.Equal(t, 90*time.Second, cfg.InactivitySnapshotWindow)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{name: "unknown fail mode", key: "MODERATION_FAIL_MODE", val: "sometimes"},
		{name: "empty trigger token", key: "ASSESSMENT_TRIGGER_TOKEN", val: " "},
		{name: "bad llm url", key: "LLM_API_URL", val: "not a url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadAuthRequiresIssuer(t *testing.T) {
	t.Setenv("AUTH_ENABLED", "true")
	_, err := Load()
	assert.ErrorContains(t, err, "AUTH_ISSUER")
}

func TestDefaultPolicy(t *testing.T) {
	policy, err := LoadPolicy("")
	require.NoError(t, err)

	types := make([]string, 0, len(policy.Safety.Concerns))
	for _, c := range policy.Safety.Concerns {
		types = append(types, c.Type)
	}
	assert.Contains(t, types, "self-harm")
	assert.Contains(t, types, "abuse")
	assert.Contains(t, types, "bullying")

	assert.Equal(t, "988 Suicide & Crisis Lifeline", policy.HelplineFor("us").Name)
	assert.Equal(t, policy.Helplines[DefaultCountryCode], policy.HelplineFor("ZZ"))
	assert.NotEmpty(t, policy.Prompts.DefaultPersona)
}

func TestParsePolicyValidation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "no concerns",
			doc:     "helplines: {DEFAULT: {name: x}}\nprompts: {default_persona: p, safety_rules: s}",
			wantErr: "safety.concerns",
		},
		{
			name: "bad regex",
			doc: `safety: {concerns: [{type: a, phrases: [b]}]}
content_filter: {rules: [{name: r, category: pii, pattern: "("}]}
helplines: {DEFAULT: {name: x}}
prompts: {default_persona: p, safety_rules: s}`,
			wantErr: "content_filter.rules[0]",
		},
		{
			name: "missing default helpline",
			doc: `safety: {concerns: [{type: a, phrases: [b]}]}
helplines: {US: {name: x}}
prompts: {default_persona: p, safety_rules: s}`,
			wantErr: "helplines.DEFAULT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePolicy([]byte(tt.doc))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
