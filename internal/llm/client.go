package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/joseph-ayodele/casewatch/constants"
	"github.com/joseph-ayodele/casewatch/internal/common"
	"github.com/joseph-ayodele/casewatch/internal/entity"
)

// approximate tokens per character of streamed output
const charsPerToken = 4

// Client runs schema-validated generations with corrective retries on top of
// a Completer.
type Client struct {
	completer Completer
	logger    *slog.Logger
	maxTokens int
}

// NewClient wraps completer. defaultMaxTokens applies when a Request leaves MaxTokens zero.
func NewClient(completer Completer, defaultMaxTokens int, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultMaxTokens <= 0 {
		defaultMaxTokens = 4096
	}
	return &Client{completer: completer, logger: logger, maxTokens: defaultMaxTokens}
}

type attemptResult struct {
	value   json.RawMessage
	failure *attemptFailure
	err     error // transport or cancellation; ends the loop
}

// Generate sends req up to MaxExtractionAttempts times and returns the first
// response that parses and validates against req.Schema. Model-output
// failures are retried with a corrective follow-up; after the last attempt
// they surface as *ExtractionError. Transport errors and cancellation are
// returned immediately.
func (c *Client) Generate(ctx context.Context, req Request) (json.RawMessage, error) {
	rid := uuid.New().String()
	start := time.Now()
	log := c.logger
	if caseID := common.CaseIDFromContext(ctx); caseID != "" {
		log = log.With("case_id", caseID)
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.maxTokens
	}

	schema, err := CompileSchema(req.Schema)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", req.Name, err)
	}

	log.Info("llm.generate.start",
		"req_id", rid,
		"name", req.Name,
		"messages", len(req.Messages),
		"max_tokens", req.MaxTokens,
		"streaming", req.OnProgress != nil,
	)

	conv := newConversation(req.Messages)
	for attempt := 1; attempt <= constants.MaxExtractionAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			log.Warn("llm.generate.canceled", "req_id", rid, "attempt", attempt)
			return nil, fmt.Errorf("%s: %w", req.Name, err)
		}

		res := c.attempt(ctx, schema, conv.Messages(), req)
		if res.err != nil {
			if ctx.Err() != nil {
				log.Warn("llm.generate.canceled", "req_id", rid, "attempt", attempt, "error", res.err)
				return nil, fmt.Errorf("%s: %w", req.Name, ctx.Err())
			}
			log.Error("llm.generate.transport_error",
				"req_id", rid, "attempt", attempt, "error", res.err,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, fmt.Errorf("%s: %w", req.Name, res.err)
		}
		if res.failure == nil {
			log.Info("llm.generate.ok",
				"req_id", rid, "name", req.Name, "attempt", attempt,
				"bytes", len(res.value),
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return res.value, nil
		}

		f := res.failure
		log.Warn("llm.generate.bad_response",
			"req_id", rid,
			"attempt", attempt,
			"reason", f.Kind,
			"error", f.Err,
			"content", clip(f.Text, 2000),
		)
		if attempt == constants.MaxExtractionAttempts {
			log.Error("llm.generate.failed",
				"req_id", rid, "name", req.Name, "reason", f.Kind,
				"elapsed_ms", time.Since(start).Milliseconds(),
			)
			return nil, &ExtractionError{Kind: f.Kind, Attempts: attempt, Err: f.Err}
		}
		emit(req.OnProgress, entity.RetryProgress(attempt, f.Kind))
		conv = conv.withCorrection(*f)
	}
	// unreachable: the loop returns on its last iteration
	return nil, fmt.Errorf("%s: retry loop exhausted", req.Name)
}

// attempt performs one request/validate cycle against msgs.
func (c *Client) attempt(ctx context.Context, schema *jsonschema.Schema, msgs []Message, req Request) attemptResult {
	creq := ChatRequest{Messages: msgs, MaxTokens: req.MaxTokens, JSONMode: true}

	var (
		comp Completion
		err  error
	)
	if req.OnProgress != nil {
		comp, err = c.stream(ctx, creq, req.OnProgress)
	} else {
		comp, err = c.completer.Complete(ctx, creq)
	}
	if err != nil {
		return attemptResult{err: err}
	}

	if comp.FinishReason == FinishLength {
		return attemptResult{failure: &attemptFailure{
			Kind: constants.FailureTruncated,
			Text: comp.Text,
			Err:  fmt.Errorf("response truncated at %d tokens", req.MaxTokens),
		}}
	}

	text := cleanResponseText(comp.Text)
	v, raw, err := decodeResponse(text)
	if err != nil {
		return attemptResult{failure: &attemptFailure{Kind: constants.FailureParse, Text: text, Err: err}}
	}
	if err := schema.Validate(v); err != nil {
		return attemptResult{failure: &attemptFailure{Kind: constants.FailureSchema, Text: text, Err: err}}
	}
	return attemptResult{value: raw}
}

// stream runs a streamed completion, reporting an approximate token count
// that only ever increases, then a single done event.
func (c *Client) stream(ctx context.Context, req ChatRequest, onProgress entity.ProgressFunc) (Completion, error) {
	chars, reported := 0, 0
	comp, err := c.completer.Stream(ctx, req, func(delta string) {
		chars += utf8.RuneCountInString(delta)
		if tokens := chars / charsPerToken; tokens > reported {
			reported = tokens
			onProgress(entity.StreamProgress(reported, req.MaxTokens, false))
		}
	})
	if err != nil {
		return comp, err
	}
	onProgress(entity.StreamProgress(reported, req.MaxTokens, true))
	return comp, nil
}

// GenerateInto runs g.Generate and decodes the validated JSON into T.
func GenerateInto[T any](ctx context.Context, g Generator, req Request) (T, error) {
	var out T
	raw, err := g.Generate(ctx, req)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, fmt.Errorf("%s: decode validated response: %w", req.Name, err)
	}
	return out, nil
}

func emit(fn entity.ProgressFunc, p entity.Progress) {
	if fn != nil {
		fn(p)
	}
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
