package prompt

import (
	"context"
	"fmt"
	"strings"

	"jan-server/services/tutor-api/internal/config"
)

const (
	shortPromptMaxPassages    = 2
	shortPromptMaxPassageRune = 600
)

// SafetyRulesModule emits the non-negotiable safety and academic integrity rules.
type SafetyRulesModule struct {
	full  string
	short string
}

func NewSafetyRulesModule(prompts config.PromptPolicy) *SafetyRulesModule {
	short := strings.TrimSpace(prompts.ShortSafetyRules)
	if short == "" {
		short = strings.TrimSpace(prompts.SafetyRules)
	}
	return &SafetyRulesModule{full: strings.TrimSpace(prompts.SafetyRules), short: short}
}

func (m *SafetyRulesModule) Name() string { return "safety_rules" }

func (m *SafetyRulesModule) ShouldApply(ctx context.Context, promptCtx *Context) bool { return true }

func (m *SafetyRulesModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	if promptCtx.ShortPrompt {
		return m.short, nil
	}
	return m.full, nil
}

// AgeTierModule adds age-appropriate guidance for minors.
type AgeTierModule struct {
	instructions string
}

func NewAgeTierModule(prompts config.PromptPolicy) *AgeTierModule {
	return &AgeTierModule{instructions: strings.TrimSpace(prompts.MinorInstructions)}
}

func (m *AgeTierModule) Name() string { return "age_tier" }

func (m *AgeTierModule) ShouldApply(ctx context.Context, promptCtx *Context) bool {
	return promptCtx.IsMinor && m.instructions != ""
}

func (m *AgeTierModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	return m.instructions, nil
}

// HelplineModule names the crisis helpline for the resolved country.
type HelplineModule struct {
	helplines map[string]config.Helpline
}

func NewHelplineModule(helplines map[string]config.Helpline) *HelplineModule {
	return &HelplineModule{helplines: helplines}
}

func (m *HelplineModule) Name() string { return "locale_helpline" }

func (m *HelplineModule) ShouldApply(ctx context.Context, promptCtx *Context) bool {
	code := strings.ToUpper(promptCtx.CountryCode)
	if code == "" || code == config.DefaultCountryCode {
		return false
	}
	_, ok := m.helplines[code]
	return ok
}

func (m *HelplineModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	h := m.helplines[strings.ToUpper(promptCtx.CountryCode)]
	return fmt.Sprintf("If the student mentions being in crisis or unsafe, point them to %s (%s) and to a trusted adult.", h.Name, h.Contact), nil
}

// MemoryModule injects the summary of earlier sessions.
type MemoryModule struct{}

func NewMemoryModule() *MemoryModule { return &MemoryModule{} }

func (m *MemoryModule) Name() string { return "memory" }

func (m *MemoryModule) ShouldApply(ctx context.Context, promptCtx *Context) bool {
	return !promptCtx.ShortPrompt && strings.TrimSpace(promptCtx.MemorySummary) != ""
}

func (m *MemoryModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	return "What you know from earlier sessions with this student (topics covered, current understanding):\n" +
		strings.TrimSpace(promptCtx.MemorySummary), nil
}

// SpellingModule pins the spelling variant to the student's locale.
type SpellingModule struct {
	variants map[string]string
}

func NewSpellingModule(variants map[string]string) *SpellingModule {
	return &SpellingModule{variants: variants}
}

func (m *SpellingModule) Name() string { return "spelling_locale" }

func (m *SpellingModule) ShouldApply(ctx context.Context, promptCtx *Context) bool {
	return m.variant(promptCtx.CountryCode) != ""
}

func (m *SpellingModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	return fmt.Sprintf("Use %s spelling and conventions.", m.variant(promptCtx.CountryCode)), nil
}

func (m *SpellingModule) variant(code string) string {
	if v, ok := m.variants[strings.ToUpper(code)]; ok {
		return v
	}
	return m.variants[config.DefaultCountryCode]
}

// PersonaModule emits the tutor persona plus any mode-specific augmentation.
// It always produces a non-empty persona.
type PersonaModule struct {
	defaultPersona   string
	assessmentRubric string
}

func NewPersonaModule(prompts config.PromptPolicy) *PersonaModule {
	return &PersonaModule{
		defaultPersona:   strings.TrimSpace(prompts.DefaultPersona),
		assessmentRubric: strings.TrimSpace(prompts.AssessmentRubric),
	}
}

func (m *PersonaModule) Name() string { return "persona" }

func (m *PersonaModule) ShouldApply(ctx context.Context, promptCtx *Context) bool { return true }

func (m *PersonaModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	persona := ""
	if promptCtx.Tutor != nil {
		persona = strings.TrimSpace(promptCtx.Tutor.SystemPrompt)
	}
	if persona == "" {
		persona = m.defaultPersona
	}

	if !promptCtx.Tutor.IsAssessment() || len(promptCtx.Tutor.AssessmentQuestions) == 0 {
		return persona, nil
	}

	var b strings.Builder
	b.WriteString(persona)
	b.WriteString("\n\n")
	b.WriteString(m.assessmentRubric)
	n := 0
	for _, q := range promptCtx.Tutor.AssessmentQuestions {
		q = strings.TrimSpace(q)
		if q == "" {
			continue
		}
		n++
		fmt.Fprintf(&b, "\n%d. %s", n, q)
	}
	return b.String(), nil
}

// GroundingModule adds retrieved passages and the instruction to ground answers in them.
type GroundingModule struct {
	instruction string
}

func NewGroundingModule(prompts config.PromptPolicy) *GroundingModule {
	return &GroundingModule{instruction: strings.TrimSpace(prompts.GroundingInstruction)}
}

func (m *GroundingModule) Name() string { return "grounding" }

func (m *GroundingModule) ShouldApply(ctx context.Context, promptCtx *Context) bool {
	return len(promptCtx.Passages) > 0
}

func (m *GroundingModule) Apply(ctx context.Context, promptCtx *Context) (string, error) {
	passages := promptCtx.Passages
	if promptCtx.ShortPrompt && len(passages) > shortPromptMaxPassages {
		passages = passages[:shortPromptMaxPassages]
	}

	var b strings.Builder
	b.WriteString(m.instruction)
	b.WriteString("\n\nReference material:")
	for _, p := range passages {
		text := strings.TrimSpace(p.Text)
		if promptCtx.ShortPrompt {
			text = truncateRunes(text, shortPromptMaxPassageRune)
		}
		b.WriteString("\n---\n")
		b.WriteString(text)
	}
	b.WriteString("\n---")
	return b.String(), nil
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
