package safety

import (
	"strings"
	"unicode"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/gate"
)

// Source identifies what produced a finding.
type Source string

const (
	SourceKeyword      Source = "keyword"
	SourceAIModeration Source = "ai-moderation"
)

// Finding is the classifier verdict for one message.
type Finding struct {
	Concern       bool
	ConcernType   string
	Source        Source
	Severity      string
	Categories    []string
	MatchedPhrase string
}

// Outcome maps the finding onto the gate outcome union.
func (f Finding) Outcome() gate.Outcome {
	if f.Concern {
		return gate.Concern{Type: f.ConcernType}
	}
	return gate.Pass{}
}

type concernRule struct {
	concernType string
	phrases     []string
	response    string
}

// Classifier is a deterministic phrase matcher for crisis-level concerns.
// Rules are evaluated in policy order; the first matching concern type wins.
type Classifier struct {
	rules []concernRule
}

// NewClassifier builds a classifier from the policy lexicon.
func NewClassifier(policy config.SafetyPolicy) *Classifier {
	rules := make([]concernRule, 0, len(policy.Concerns))
	for _, c := range policy.Concerns {
		phrases := make([]string, 0, len(c.Phrases))
		for _, p := range c.Phrases {
			if n := normalize(p); n != "" {
				phrases = append(phrases, n)
			}
		}
		rules = append(rules, concernRule{
			concernType: c.Type,
			phrases:     phrases,
			response:    strings.TrimSpace(c.Response),
		})
	}
	return &Classifier{rules: rules}
}

// Classify scans text for concern phrases. It never fails; no match yields Concern=false.
func (c *Classifier) Classify(text string) Finding {
	haystack := " " + normalize(text) + " "
	if strings.TrimSpace(haystack) == "" {
		return Finding{Source: SourceKeyword}
	}

	for _, rule := range c.rules {
		for _, phrase := range rule.phrases {
			if strings.Contains(haystack, " "+phrase+" ") {
				return Finding{
					Concern:       true,
					ConcernType:   rule.concernType,
					Source:        SourceKeyword,
					Severity:      "crisis",
					Categories:    []string{rule.concernType},
					MatchedPhrase: phrase,
				}
			}
		}
	}
	return Finding{Source: SourceKeyword}
}

// ResponseFor returns the configured fallback reply for a concern type.
func (c *Classifier) ResponseFor(concernType string) string {
	for _, rule := range c.rules {
		if rule.concernType == concernType {
			return rule.response
		}
	}
	return ""
}

// normalize lowercases text, drops apostrophes so "don't" and "dont" match, and
// collapses anything that is not a letter or digit into single spaces.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	space := true
	for _, r := range strings.ToLower(s) {
		switch {
		case r == '\'' || r == '’' || r == '‘' || r == '`':
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
			space = false
		default:
			if !space {
				b.WriteByte(' ')
				space = true
			}
		}
	}
	return strings.TrimSpace(b.String())
}
