package extract

import (
	"context"
	"fmt"
	"strings"

	"github.com/joseph-ayodele/casewatch/internal/entity"
	"github.com/joseph-ayodele/casewatch/internal/llm"
)

// EmailRequest describes the report to draft. Case should be the merged view.
type EmailRequest struct {
	Case       *entity.Case `json:"-"`
	Lang       string       `json:"lang"`
	Recipient  string       `json:"recipient"`
	SenderName string       `json:"senderName"`
}

// EmailDraft is a ready-to-send report. Delivery happens elsewhere.
type EmailDraft struct {
	Subject string `json:"subject"`
	Body    string `json:"body"`
}

const emailMaxTokens = 1024

// DraftEmail writes a report email for a case.
func (a *Analyzer) DraftEmail(ctx context.Context, req EmailRequest) (*EmailDraft, error) {
	if req.Case == nil {
		return nil, fmt.Errorf("draft email: nil case")
	}
	if strings.TrimSpace(req.Lang) == "" {
		req.Lang = a.defaultLang
	}
	schema := EmailSchema()
	draft, err := llm.GenerateInto[EmailDraft](ctx, a.gen, llm.Request{
		Name: "email",
		Messages: []llm.Message{
			llm.System(buildEmailSystemPrompt(req.Lang)),
			llm.User(buildEmailUserPrompt(req, schema)),
		},
		Schema:    schema,
		MaxTokens: emailMaxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &draft, nil
}
