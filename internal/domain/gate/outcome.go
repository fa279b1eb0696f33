// Package gate holds the closed outcome type shared by the safety, content
// filter and moderation stages.
package gate

// Stage names a gate stage.
type Stage string

const (
	StageSafety        Stage = "safety"
	StageContentFilter Stage = "content_filter"
	StageModeration    Stage = "moderation"
)

// Outcome is one of Pass, Blocked or Concern.
type Outcome interface {
	isOutcome()
}

// Pass lets the turn continue.
type Pass struct{}

// Blocked terminates the turn with a user-visible redirect.
type Blocked struct {
	Stage      Stage
	Reason     string
	Message    string
	Categories []string
	Severity   string
}

// Concern routes the turn to the safety-response flow.
type Concern struct {
	Type string
}

func (Pass) isOutcome()    {}
func (Blocked) isOutcome() {}
func (Concern) isOutcome() {}
