package prompt

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"

	"jan-server/services/tutor-api/internal/config"
	"jan-server/services/tutor-api/internal/domain/message"
)

const sectionSeparator = "\n\n"

// Composition is the final prompt handed to the completion adapter.
type Composition struct {
	Messages       []openai.ChatCompletionMessage
	SystemPrompt   string
	AppliedModules []string
	DroppedHistory int
}

// Composer assembles the system prompt from modules registered in fixed precedence order.
type Composer struct {
	modules         []Module
	maxPromptTokens int
	log             zerolog.Logger
}

// NewComposer registers the built-in modules. Registration order is the precedence order:
// safety rules, age tier, helpline, memory, spelling, persona, grounding.
func NewComposer(policy *config.Policy, maxPromptTokens int, log zerolog.Logger) *Composer {
	c := &Composer{
		maxPromptTokens: maxPromptTokens,
		log:             log.With().Str("component", "prompt-composer").Logger(),
	}
	c.RegisterModule(NewSafetyRulesModule(policy.Prompts))
	c.RegisterModule(NewAgeTierModule(policy.Prompts))
	c.RegisterModule(NewHelplineModule(policy.Helplines))
	c.RegisterModule(NewMemoryModule())
	c.RegisterModule(NewSpellingModule(policy.Spelling))
	c.RegisterModule(NewPersonaModule(policy.Prompts))
	c.RegisterModule(NewGroundingModule(policy.Prompts))
	return c
}

// RegisterModule appends a module after all previously registered ones.
func (c *Composer) RegisterModule(module Module) {
	c.modules = append(c.modules, module)
}

// Compose builds the system prompt and the trimmed conversation for one turn.
func (c *Composer) Compose(ctx context.Context, promptCtx *Context) (*Composition, error) {
	if promptCtx == nil {
		promptCtx = &Context{}
	}

	sections := make([]string, 0, len(c.modules))
	applied := make([]string, 0, len(c.modules))
	for _, module := range c.modules {
		if !module.ShouldApply(ctx, promptCtx) {
			continue
		}
		section, err := module.Apply(ctx, promptCtx)
		if err != nil {
			c.log.Warn().Err(err).Str("module", module.Name()).Msg("prompt module failed, skipping")
			continue
		}
		section = strings.TrimSpace(section)
		if section == "" {
			continue
		}
		sections = append(sections, section)
		applied = append(applied, module.Name())
	}
	systemPrompt := strings.Join(sections, sectionSeparator)

	history := historyMessages(promptCtx.History)
	budget := c.maxPromptTokens - EstimateTokens(systemPrompt) - EstimateTokens(promptCtx.UserMessage) - 2*messageOverheadTokens
	trimmed, dropped := TrimHistory(history, budget)

	messages := make([]openai.ChatCompletionMessage, 0, len(trimmed)+2)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: systemPrompt})
	messages = append(messages, trimmed...)
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: promptCtx.UserMessage})

	c.log.Debug().
		Strs("applied_modules", applied).
		Bool("short_prompt", promptCtx.ShortPrompt).
		Int("history_kept", len(trimmed)).
		Int("history_dropped", dropped).
		Msg("prompt composed")

	return &Composition{
		Messages:       messages,
		SystemPrompt:   systemPrompt,
		AppliedModules: applied,
		DroppedHistory: dropped,
	}, nil
}

// historyMessages maps transcript rows to chat roles. System notices, thinking placeholders
// and rows still streaming are not part of the model-visible conversation.
func historyMessages(rows []*message.Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(rows))
	for _, row := range rows {
		if row == nil || strings.TrimSpace(row.Content) == "" {
			continue
		}
		if row.Metadata.Bool(message.MetaIsThinking) || row.Metadata.Bool(message.MetaIsStreaming) {
			continue
		}
		switch row.Role {
		case message.RoleUser:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: row.Content})
		case message.RoleAssistant:
			out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: row.Content})
		}
	}
	return out
}

// ResolveCountryCode picks the first non-empty code from request, author profile and room owner.
func ResolveCountryCode(request, author, roomOwner string) string {
	for _, code := range []string{request, author, roomOwner} {
		code = strings.ToUpper(strings.TrimSpace(code))
		if code != "" {
			return code
		}
	}
	return config.DefaultCountryCode
}

// SafetyResponseMessages builds the prompt for the supportive reply sent when a concern fires.
func SafetyResponseMessages(policy *config.Policy, concernType, countryCode, userText string) []openai.ChatCompletionMessage {
	helpline := policy.HelplineFor(countryCode)
	instruction := strings.NewReplacer(
		"{concern}", concernType,
		"{helpline_name}", helpline.Name,
		"{helpline_contact}", helpline.Contact,
	).Replace(policy.Prompts.SafetyResponse)

	return []openai.ChatCompletionMessage{
		{Role: openai.ChatMessageRoleSystem, Content: strings.TrimSpace(instruction)},
		{Role: openai.ChatMessageRoleUser, Content: userText},
	}
}
