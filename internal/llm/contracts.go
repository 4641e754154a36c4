package llm

import (
	"context"
	"encoding/json"

	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// Role is the author of a chat message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// FinishLength is the finish reason reported when output hit the token limit.
const FinishLength = "length"

// ContentPart is one element of a multi-modal message.
type ContentPart struct {
	Type     string `json:"type"` // "text" | "image_url"
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// Message is one chat turn. When Parts is non-empty it replaces Content.
type Message struct {
	Role    Role          `json:"role"`
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`
}

// TextPart builds a text content part.
func TextPart(s string) ContentPart { return ContentPart{Type: "text", Text: s} }

// ImagePart builds an image content part from a fetchable or data URL.
func ImagePart(url string) ContentPart { return ContentPart{Type: "image_url", ImageURL: url} }

func System(content string) Message { return Message{Role: RoleSystem, Content: content} }

func User(content string) Message { return Message{Role: RoleUser, Content: content} }

func Assistant(content string) Message { return Message{Role: RoleAssistant, Content: content} }

// ChatRequest is what a Completer sends to the model.
type ChatRequest struct {
	Messages  []Message
	MaxTokens int
	JSONMode  bool
}

// Completion is the full text of one model reply.
type Completion struct {
	Text         string
	FinishReason string
}

// Completer is the vendor boundary: send one chat request, blocking or
// streamed. Stream calls onDelta for each received text fragment and returns
// the accumulated completion. Both must abort promptly when ctx is done.
type Completer interface {
	Complete(ctx context.Context, req ChatRequest) (Completion, error)
	Stream(ctx context.Context, req ChatRequest, onDelta func(string)) (Completion, error)
}

// Image is an input photo: a remote/data URL or a local path, plus the
// filename annotations are keyed by.
type Image struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
}

// Request is one schema-validated generation.
type Request struct {
	Name       string // short label for logs, e.g. "violation"
	Messages   []Message
	Schema     map[string]any
	MaxTokens  int
	OnProgress entity.ProgressFunc // non-nil switches attempts to streaming
}

// Generator is satisfied by *Client; extraction functions depend on it.
type Generator interface {
	Generate(ctx context.Context, req Request) (json.RawMessage, error)
}
