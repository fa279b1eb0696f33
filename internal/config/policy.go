package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultCountryCode is used when no country can be resolved for a turn.
const DefaultCountryCode = "DEFAULT"

//go:embed default_policy.yml
var defaultPolicyYAML []byte

// Policy is the safety and prompt lexicon shared by the gate stages and the composer.
type Policy struct {
	Safety        SafetyPolicy        `yaml:"safety"`
	ContentFilter ContentFilterPolicy `yaml:"content_filter"`
	Moderation    ModerationPolicy    `yaml:"moderation"`
	Helplines     map[string]Helpline `yaml:"helplines"`
	Spelling      map[string]string   `yaml:"spelling"`
	Prompts       PromptPolicy        `yaml:"prompts"`
}

type SafetyPolicy struct {
	Concerns []ConcernRule `yaml:"concerns"`
}

// ConcernRule lists the phrases that signal one concern type and the reply sent when it fires.
type ConcernRule struct {
	Type     string   `yaml:"type"`
	Phrases  []string `yaml:"phrases"`
	Response string   `yaml:"response"`
}

type ContentFilterPolicy struct {
	Rules     []FilterRule      `yaml:"rules"`
	Redirects map[string]string `yaml:"redirects"`
}

type FilterRule struct {
	Name       string `yaml:"name"`
	Category   string `yaml:"category"`
	Pattern    string `yaml:"pattern"`
	MinorsOnly bool   `yaml:"minors_only"`
}

type ModerationPolicy struct {
	Redirects         map[string]string `yaml:"redirects"`
	JailbreakRedirect string            `yaml:"jailbreak_redirect"`
	FailClosedMessage string            `yaml:"fail_closed_message"`
}

type Helpline struct {
	Name    string `yaml:"name"`
	Contact string `yaml:"contact"`
}

type PromptPolicy struct {
	SafetyRules          string `yaml:"safety_rules"`
	ShortSafetyRules     string `yaml:"short_safety_rules"`
	MinorInstructions    string `yaml:"minor_instructions"`
	DefaultPersona       string `yaml:"default_persona"`
	GroundingInstruction string `yaml:"grounding_instruction"`
	AssessmentRubric     string `yaml:"assessment_rubric"`
	SafetyResponse       string `yaml:"safety_response"`
}

// LoadPolicy parses the yaml file at path, falling back to the embedded default when path is empty.
func LoadPolicy(path string) (*Policy, error) {
	data := defaultPolicyYAML
	if strings.TrimSpace(path) != "" {
		cleanPath := filepath.Clean(path)
		fileData, err := os.ReadFile(cleanPath)
		if err != nil {
			return nil, fmt.Errorf("read policy %q: %w", cleanPath, err)
		}
		data = fileData
	}
	return ParsePolicy(data)
}

// ParsePolicy decodes and validates a policy document.
func ParsePolicy(data []byte) (*Policy, error) {
	var policy Policy
	if err := yaml.Unmarshal(data, &policy); err != nil {
		return nil, fmt.Errorf("parse policy: %w", err)
	}
	if err := policy.validate(); err != nil {
		return nil, err
	}
	return &policy, nil
}

// HelplineFor returns the helpline for a country code, falling back to DEFAULT.
func (p *Policy) HelplineFor(countryCode string) Helpline {
	if h, ok := p.Helplines[strings.ToUpper(strings.TrimSpace(countryCode))]; ok {
		return h
	}
	return p.Helplines[DefaultCountryCode]
}

func (p *Policy) validate() error {
	if len(p.Safety.Concerns) == 0 {
		return errors.New("policy: safety.concerns must not be empty")
	}
	for i, c := range p.Safety.Concerns {
		if strings.TrimSpace(c.Type) == "" {
			return fmt.Errorf("policy: safety.concerns[%d].type is empty", i)
		}
		if len(c.Phrases) == 0 {
			return fmt.Errorf("policy: safety.concerns[%d] (%s) has no phrases", i, c.Type)
		}
	}
	for i, r := range p.ContentFilter.Rules {
		if _, err := regexp.Compile(r.Pattern); err != nil {
			return fmt.Errorf("policy: content_filter.rules[%d] (%s): %w", i, r.Name, err)
		}
		if r.Category == "" {
			return fmt.Errorf("policy: content_filter.rules[%d] (%s) has no category", i, r.Name)
		}
	}
	if _, ok := p.Helplines[DefaultCountryCode]; !ok {
		return fmt.Errorf("policy: helplines.%s is required", DefaultCountryCode)
	}
	if strings.TrimSpace(p.Prompts.DefaultPersona) == "" {
		return errors.New("policy: prompts.default_persona must not be empty")
	}
	if strings.TrimSpace(p.Prompts.SafetyRules) == "" {
		return errors.New("policy: prompts.safety_rules must not be empty")
	}
	return nil
}
