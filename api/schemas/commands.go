package schemas

// -- Command Schemas --

// CommandKind identifies one browser action type a normalized command maps to.
type CommandKind string

const (
	CommandNavigate   CommandKind = "NAVIGATE"
	CommandSearch     CommandKind = "SEARCH"
	CommandClick      CommandKind = "CLICK"
	CommandType       CommandKind = "TYPE"
	CommandExtract    CommandKind = "EXTRACT"
	CommandScroll     CommandKind = "SCROLL"
	CommandWait       CommandKind = "WAIT"
	CommandScreenshot CommandKind = "SCREENSHOT"
	CommandFilter     CommandKind = "FILTER"
	CommandFillForm   CommandKind = "FILL_FORM"
	CommandDownload   CommandKind = "DOWNLOAD"
	CommandUpload     CommandKind = "UPLOAD"
)

// KnownCommandKinds is the closed set of command kinds the normalizer accepts.
// Adding a new kind requires touching this map and the per-kind param schema,
// which keeps the variant set an explicit, reviewable surface.
var KnownCommandKinds = map[CommandKind]bool{
	CommandNavigate:   true,
	CommandSearch:     true,
	CommandClick:      true,
	CommandType:       true,
	CommandExtract:    true,
	CommandScroll:     true,
	CommandWait:       true,
	CommandScreenshot: true,
	CommandFilter:     true,
	CommandFillForm:   true,
	CommandUpload:     true,
	CommandDownload:   true,
}

// Command is one typed, validated browser action derived from a raw intent.
// Commands are immutable once the normalizer emits them; downstream stages
// copy rather than mutate.
type Command struct {
	Kind       CommandKind       `json:"kind"`
	Params     map[string]string `json:"params,omitempty"`
	Target     string            `json:"target,omitempty"`
	Confidence float64           `json:"confidence"`

	// LowConfidence marks commands below the configured confidence threshold.
	// They still execute; the caller decides whether to confirm first.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// MemoryWorthy reports whether results of this command should be promoted to
// the long-term memory layer. Mechanical interactions (clicks, scrolls) stay
// in the session context only.
func (c Command) MemoryWorthy() bool {
	switch c.Kind {
	case CommandExtract, CommandDownload, CommandSearch:
		return true
	default:
		return false
	}
}

// RawIntent is the upstream NLU output this core consumes. The speech and
// language-model plumbing that produces it is an external collaborator.
type RawIntent struct {
	Intent     string         `json:"intent"`
	Confidence float64        `json:"confidence"`
	Parameters map[string]any `json:"parameters,omitempty"`
	Context    string         `json:"context,omitempty"`
	FollowUp   []string       `json:"follow_up,omitempty"`

	// Steps carries the ordered sub-intents of a multi-action utterance
	// ("search X, then filter by Y"). When present, Intent/Parameters on the
	// top-level record are ignored.
	Steps []RawIntent `json:"steps,omitempty"`
}

// IntentSource supplies parsed intents from the host (voice pipeline, web UI,
// test harness). The core never calls a language model directly.
type IntentSource interface {
	Next() (RawIntent, error)
}
