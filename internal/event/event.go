// Package event defines the canonical stream event model shared by all
// provider adapters, the orchestrator, and the multiplexer.
package event

import (
	"encoding/json"
)

// Type identifies which variant of the canonical event is active.
type Type string

const (
	TypeChunk        Type = "chunk"
	TypeStatus       Type = "status"
	TypeReasoning    Type = "reasoning"
	TypeInteractive  Type = "interactive"
	TypeTool         Type = "tool"
	TypeDataset      Type = "dataset"
	TypeUsage        Type = "usage"
	TypeSessionBound Type = "session_bound"
	TypeEnd          Type = "end"
	TypeError        Type = "error"
)

// Phase is the coarse lifecycle phase reported by Status events.
type Phase string

const (
	PhaseRunning  Phase = "running"
	PhaseError    Phase = "error"
	PhaseComplete Phase = "complete"
)

// InteractiveKind is the kind of structured user decision a stream is
// paused on.
type InteractiveKind string

const (
	InteractiveUserSelect InteractiveKind = "userSelect"
	InteractiveUserInput  InteractiveKind = "userInput"
)

// Chunk is an incremental text fragment of the assistant reply.
type Chunk struct {
	Content string `json:"content"`
}

// Status is a coarse lifecycle signal.
type Status struct {
	Phase  Phase  `json:"phase"`
	Detail string `json:"detail,omitempty"`
}

// Reasoning is an incremental thinking fragment, ordered by StepIndex.
type Reasoning struct {
	StepIndex int    `json:"step_index"`
	Content   string `json:"content"`
}

// Choice describes one selectable option of an Interactive pause.
type Choice struct {
	Key   string `json:"key,omitempty"`
	Value string `json:"value"`
}

// Interactive signals the stream is paused awaiting a user decision.
// At most one Interactive event is outstanding per stream.
type Interactive struct {
	Kind    InteractiveKind `json:"kind"`
	Prompt  string          `json:"prompt"`
	Options []Choice        `json:"options,omitempty"`
}

// Tool records a tool or function invocation made by the upstream agent.
type Tool struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	Result    json.RawMessage `json:"result,omitempty"`
}

// Citation describes one retrieval reference.
type Citation struct {
	Source  string  `json:"source"`
	Title   string  `json:"title,omitempty"`
	Snippet string  `json:"snippet,omitempty"`
	Score   float64 `json:"score,omitempty"`
}

// Dataset carries retrieval/citation metadata.
type Dataset struct {
	References []Citation `json:"references"`
}

// Usage is token accounting, emitted at most once, always immediately
// before End.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// SessionBound signals the provider-side conversation identity has been
// captured or confirmed. When present it is the first event of the stream.
type SessionBound struct {
	ExternalSessionID string `json:"external_session_id"`
}

// Error is one of the two terminal variants.
type Error struct {
	Kind      ErrorKind `json:"kind"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
}

// Event is the canonical sum type. Exactly one payload pointer is non-nil,
// matching Type; End carries no payload.
type Event struct {
	Type         Type          `json:"type"`
	Chunk        *Chunk        `json:"chunk,omitempty"`
	Status       *Status       `json:"status,omitempty"`
	Reasoning    *Reasoning    `json:"reasoning,omitempty"`
	Interactive  *Interactive  `json:"interactive,omitempty"`
	Tool         *Tool         `json:"tool,omitempty"`
	Dataset      *Dataset      `json:"dataset,omitempty"`
	Usage        *Usage        `json:"usage,omitempty"`
	SessionBound *SessionBound `json:"session_bound,omitempty"`
	Error        *Error        `json:"error,omitempty"`
}

// Terminal reports whether this event closes the stream. Every stream
// carries exactly one terminal event, except a caller-cancelled stream
// which carries none.
func (e Event) Terminal() bool {
	return e.Type == TypeEnd || e.Type == TypeError
}

// Payload returns the active variant payload for wire encoding, or nil
// for End.
func (e Event) Payload() any {
	switch e.Type {
	case TypeChunk:
		return e.Chunk
	case TypeStatus:
		return e.Status
	case TypeReasoning:
		return e.Reasoning
	case TypeInteractive:
		return e.Interactive
	case TypeTool:
		return e.Tool
	case TypeDataset:
		return e.Dataset
	case TypeUsage:
		return e.Usage
	case TypeSessionBound:
		return e.SessionBound
	case TypeError:
		return e.Error
	default:
		return nil
	}
}

// NewChunk builds a chunk event.
func NewChunk(content string) Event {
	return Event{Type: TypeChunk, Chunk: &Chunk{Content: content}}
}

// NewStatus builds a status event.
func NewStatus(phase Phase, detail string) Event {
	return Event{Type: TypeStatus, Status: &Status{Phase: phase, Detail: detail}}
}

// NewReasoning builds a reasoning event.
func NewReasoning(step int, content string) Event {
	return Event{Type: TypeReasoning, Reasoning: &Reasoning{StepIndex: step, Content: content}}
}

// NewInteractive builds an interactive pause event.
func NewInteractive(kind InteractiveKind, prompt string, options []Choice) Event {
	return Event{Type: TypeInteractive, Interactive: &Interactive{Kind: kind, Prompt: prompt, Options: options}}
}

// NewTool builds a tool invocation event.
func NewTool(name string, args, result json.RawMessage) Event {
	return Event{Type: TypeTool, Tool: &Tool{Name: name, Arguments: args, Result: result}}
}

// NewDataset builds a citation event.
func NewDataset(refs []Citation) Event {
	return Event{Type: TypeDataset, Dataset: &Dataset{References: refs}}
}

// NewUsage builds a usage accounting event.
func NewUsage(prompt, completion, total int) Event {
	if total == 0 {
		total = prompt + completion
	}
	return Event{Type: TypeUsage, Usage: &Usage{PromptTokens: prompt, CompletionTokens: completion, TotalTokens: total}}
}

// NewSessionBound builds a session identity event.
func NewSessionBound(externalID string) Event {
	return Event{Type: TypeSessionBound, SessionBound: &SessionBound{ExternalSessionID: externalID}}
}

// NewEnd builds the successful terminal event.
func NewEnd() Event {
	return Event{Type: TypeEnd}
}

// NewError builds the failure terminal event.
func NewError(kind ErrorKind, message string, retryable bool) Event {
	return Event{Type: TypeError, Error: &Error{Kind: kind, Message: message, Retryable: retryable}}
}
