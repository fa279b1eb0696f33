// Package telemetry keeps raw classroom content out of operational logs and traces.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
	"unicode/utf8"
)

// Level controls how much of a student's text reaches logs.
type Level string

const (
	// LevelRedacted drops content entirely.
	LevelRedacted Level = "redacted"
	// LevelMasked replaces personal identifiers with salted tags and truncates.
	LevelMasked Level = "masked"
	// LevelFull performs no sanitization. Development only.
	LevelFull Level = "full"
)

const defaultPreviewRunes = 160

type rule struct {
	tag     string
	hashed  bool
	pattern *regexp.Regexp
}

// Sanitizer masks PII in user-authored text.
type Sanitizer struct {
	level        Level
	salt         string
	previewRunes int
	rules        []rule
}

// NewSanitizer creates a sanitizer. Unknown levels fall back to LevelMasked.
func NewSanitizer(level Level, salt string) *Sanitizer {
	switch level {
	case LevelRedacted, LevelMasked, LevelFull:
	default:
		level = LevelMasked
	}
	return &Sanitizer{
		level:        level,
		salt:         salt,
		previewRunes: defaultPreviewRunes,
		// Order matters: card and government id numbers are matched before phone numbers.
		rules: []rule{
			{tag: "EMAIL", hashed: true, pattern: regexp.MustCompile(`[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`)},
			{tag: "URL", pattern: regexp.MustCompile(`https?://\S+`)},
			{tag: "CARD", pattern: regexp.MustCompile(`\b\d{4}[- ]?\d{4}[- ]?\d{4}[- ]?\d{4}\b`)},
			{tag: "SSN", pattern: regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)},
			{tag: "PHONE", hashed: true, pattern: regexp.MustCompile(`(?:\+\d{1,3}[-.\s]?)?\(?\b\d{3}\)?[-.\s]?\d{3}[-.\s]?\d{4}\b`)},
			{tag: "IP", hashed: true, pattern: regexp.MustCompile(`\b(?:\d{1,3}\.){3}\d{1,3}\b`)},
			{tag: "HANDLE", hashed: true, pattern: regexp.MustCompile(`(?:^|\s)@[A-Za-z0-9_.]{3,30}\b`)},
		},
	}
}

// Level returns the effective level.
func (s *Sanitizer) Level() Level {
	return s.level
}

// SanitizeContent returns a log-safe preview of text.
func (s *Sanitizer) SanitizeContent(text string) string {
	switch s.level {
	case LevelFull:
		return text
	case LevelRedacted:
		if text == "" {
			return ""
		}
		return "[REDACTED]"
	}

	out := text
	for _, r := range s.rules {
		out = r.pattern.ReplaceAllStringFunc(out, func(match string) string {
			lead := ""
			if r.tag == "HANDLE" {
				trimmed := strings.TrimLeft(match, " \t\n")
				lead = match[:len(match)-len(trimmed)]
				match = trimmed
			}
			if r.hashed {
				return lead + "[" + r.tag + ":" + s.hash(match) + "]"
			}
			return lead + "[" + r.tag + "]"
		})
	}
	return truncate(out, s.previewRunes)
}

// SanitizeUserID returns a stable pseudonym for userID.
func (s *Sanitizer) SanitizeUserID(userID string) string {
	if userID == "" {
		return ""
	}
	switch s.level {
	case LevelFull:
		return userID
	case LevelRedacted:
		return "[REDACTED]"
	default:
		return "user:" + s.hash(userID)
	}
}

// hash creates a SHA-256 hash with the salt, truncated for readability.
func (s *Sanitizer) hash(data string) string {
	h := sha256.New()
	h.Write([]byte(data + s.salt))
	return hex.EncodeToString(h.Sum(nil))[:8]
}

func truncate(s string, max int) string {
	if max <= 0 || utf8.RuneCountInString(s) <= max {
		return s
	}
	runes := []rune(s)
	return string(runes[:max]) + "…"
}
