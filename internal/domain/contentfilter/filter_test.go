package contentfilter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/gate"
)

func newTestFilter(t *testing.T) *Filter {
	t.Helper()
	policy, err := config.LoadPolicy("")
	require.NoError(t, err)
	f, err := New(policy.ContentFilter)
	require.NoError(t, err)
	return f
}

func TestCheck(t *testing.T) {
	filter := newTestFilter(t)

	tests := []struct {
		name     string
		text     string
		isMinor  bool
		blocked  bool
		reason   string
		patterns []string
	}{
		{name: "clean question", text: "Can you explain fractions?", isMinor: true},
		{name: "minor shares email", text: "email me at kid@example.com", isMinor: true, blocked: true, reason: "pii", patterns: []string{"email"}},
		{name: "adult shares email", text: "email me at teacher@example.com", isMinor: false},
		{name: "minor shares phone", text: "call 555-123-4567 after school", isMinor: true, blocked: true, reason: "pii", patterns: []string{"phone"}},
		{name: "minor shares address", text: "I live at 42 Maple Street", isMinor: true, blocked: true, reason: "pii", patterns: []string{"street_address"}},
		{name: "ssn blocked for everyone", text: "my ssn is 123-45-6789", isMinor: false, blocked: true, reason: "pii", patterns: []string{"ssn"}},
		{name: "explicit", text: "send nudes", isMinor: false, blocked: true, reason: "explicit", patterns: []string{"explicit"}},
		{name: "age restricted for minors", text: "how do I buy alcohol", isMinor: true, blocked: true, reason: "age", patterns: []string{"age_restricted"}},
		{name: "age restricted allowed for adults", text: "how do I buy alcohol", isMinor: false},
		{name: "multiple patterns", text: "text 555-123-4567 or kid@example.com", isMinor: true, blocked: true, reason: "pii", patterns: []string{"email", "phone"}},
		{name: "empty", text: "", isMinor: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := filter.Check(tt.text, tt.isMinor)
			assert.Equal(t, tt.blocked, result.Blocked)
			assert.Equal(t, tt.reason, result.Reason)
			assert.Equal(t, tt.patterns, result.FlaggedPatterns)
			if tt.blocked {
				assert.NotEmpty(t, result.Message)
				assert.NotContains(t, result.Message, "blocked")
			}
		})
	}
}

func TestResultOutcome(t *testing.T) {
	filter := newTestFilter(t)

	assert.Equal(t, gate.Pass{}, filter.Check("hello", true).Outcome())

	outcome := filter.Check("my email is a@b.co", true).Outcome()
	blocked, ok := outcome.(gate.Blocked)
	require.True(t, ok)
	assert.Equal(t, gate.StageContentFilter, blocked.Stage)
	assert.Equal(t, "pii", blocked.Reason)
}

func TestRedirectForUnknownReason(t *testing.T) {
	filter := newTestFilter(t)
	assert.Equal(t, defaultRedirect, filter.RedirectFor("something-else"))
}

func TestNewRejectsBadPattern(t *testing.T) {
	_, err := New(config.ContentFilterPolicy{Rules: []config.FilterRule{{Name: "bad", Category: "pii", Pattern: "("}}})
	assert.Error(t, err)
}
