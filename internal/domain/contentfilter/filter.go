package contentfilter

import (
	"fmt"
	"regexp"
	"strings"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/gate"
)

const defaultRedirect = "Let's keep our conversation safe and focused on learning. Could you try asking that a different way?"

// Result is the content filter verdict.
type Result struct {
	Blocked         bool
	Reason          string
	FlaggedPatterns []string
	Message         string
}

// Outcome maps the result onto the gate outcome union.
func (r Result) Outcome() gate.Outcome {
	if !r.Blocked {
		return gate.Pass{}
	}
	return gate.Blocked{
		Stage:      gate.StageContentFilter,
		Reason:     r.Reason,
		Message:    r.Message,
		Categories: r.FlaggedPatterns,
	}
}

type rule struct {
	name       string
	category   string
	pattern    *regexp.Regexp
	minorsOnly bool
}

// Filter is a deterministic rule engine for PII and age-inappropriate content.
type Filter struct {
	rules     []rule
	redirects map[string]string
}

// New compiles the policy rules.
func New(policy config.ContentFilterPolicy) (*Filter, error) {
	rules := make([]rule, 0, len(policy.Rules))
	for _, r := range policy.Rules {
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile rule %s: %w", r.Name, err)
		}
		rules = append(rules, rule{
			name:       r.Name,
			category:   r.Category,
			pattern:    re,
			minorsOnly: r.MinorsOnly,
		})
	}
	redirects := make(map[string]string, len(policy.Redirects))
	for k, v := range policy.Redirects {
		redirects[k] = strings.TrimSpace(v)
	}
	return &Filter{rules: rules, redirects: redirects}, nil
}

// Check evaluates text against every applicable rule. The reason is the
// category of the first matching rule; all matching rule names are reported.
func (f *Filter) Check(text string, isMinor bool) Result {
	if strings.TrimSpace(text) == "" {
		return Result{}
	}

	var (
		reason  string
		flagged []string
	)
	for _, r := range f.rules {
		if r.minorsOnly && !isMinor {
			continue
		}
		if r.pattern.MatchString(text) {
			if reason == "" {
				reason = r.category
			}
			flagged = append(flagged, r.name)
		}
	}

	if reason == "" {
		return Result{}
	}
	return Result{
		Blocked:         true,
		Reason:          reason,
		FlaggedPatterns: flagged,
		Message:         f.RedirectFor(reason),
	}
}

// RedirectFor returns the supportive redirect shown for a block reason.
func (f *Filter) RedirectFor(reason string) string {
	if msg, ok := f.redirects[reason]; ok && msg != "" {
		return msg
	}
	return defaultRedirect
}
