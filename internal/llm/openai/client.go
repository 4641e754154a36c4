package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/casewatch/internal/llm"
)

var _ llm.Completer = (*Client)(nil)

// StatusError is a non-2xx reply from the API.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("openai status %d: %s", e.StatusCode, e.Body)
}

type wireMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type wirePart struct {
	Type     string        `json:"type"`
	Text     string        `json:"text,omitempty"`
	ImageURL *wireImageURL `json:"image_url,omitempty"`
}

type wireImageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
}

// Complete implements llm.Completer with a blocking chat/completions call.
func (c *Client) Complete(ctx context.Context, req llm.ChatRequest) (llm.Completion, error) {
	rid := uuid.New().String()
	start := time.Now()

	resp, err := c.post(ctx, rid, c.buildBody(req, false))
	if err != nil {
		return llm.Completion{}, err
	}
	defer c.closeBody(rid, resp.Body)

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return llm.Completion{}, fmt.Errorf("read openai response: %w", err)
	}
	var cc chatResponse
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.http.decode_error", "req_id", rid, "error", err, "raw_bytes", len(raw))
		return llm.Completion{}, fmt.Errorf("decode openai response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.http.no_choices", "req_id", rid, "raw", string(raw))
		return llm.Completion{}, fmt.Errorf("no choices in openai response")
	}

	c.log.Info("llm.http.response",
		"req_id", rid,
		"bytes", len(raw),
		"finish_reason", cc.Choices[0].FinishReason,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return llm.Completion{
		Text:         cc.Choices[0].Message.Content,
		FinishReason: cc.Choices[0].FinishReason,
	}, nil
}

// Stream implements llm.Completer over server-sent events.
func (c *Client) Stream(ctx context.Context, req llm.ChatRequest, onDelta func(string)) (llm.Completion, error) {
	rid := uuid.New().String()
	start := time.Now()

	resp, err := c.post(ctx, rid, c.buildBody(req, true))
	if err != nil {
		return llm.Completion{}, err
	}
	defer c.closeBody(rid, resp.Body)

	var (
		text   strings.Builder
		finish string
	)
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			c.log.Warn("llm.http.bad_chunk", "req_id", rid, "error", err)
			continue
		}
		for _, ch := range chunk.Choices {
			if ch.Delta.Content != "" {
				text.WriteString(ch.Delta.Content)
				if onDelta != nil {
					onDelta(ch.Delta.Content)
				}
			}
			if ch.FinishReason != nil && *ch.FinishReason != "" {
				finish = *ch.FinishReason
			}
		}
	}
	if err := sc.Err(); err != nil {
		if ctx.Err() != nil {
			return llm.Completion{Text: text.String()}, ctx.Err()
		}
		return llm.Completion{Text: text.String()}, fmt.Errorf("read openai stream: %w", err)
	}
	if ctx.Err() != nil {
		return llm.Completion{Text: text.String()}, ctx.Err()
	}

	c.log.Info("llm.http.stream_done",
		"req_id", rid,
		"chars", text.Len(),
		"finish_reason", finish,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return llm.Completion{Text: text.String(), FinishReason: finish}, nil
}

func (c *Client) buildBody(req llm.ChatRequest, stream bool) map[string]any {
	msgs := make([]wireMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		if len(m.Parts) == 0 {
			msgs = append(msgs, wireMessage{Role: string(m.Role), Content: m.Content})
			continue
		}
		parts := make([]wirePart, 0, len(m.Parts))
		for _, p := range m.Parts {
			switch p.Type {
			case "image_url":
				parts = append(parts, wirePart{Type: "image_url", ImageURL: &wireImageURL{URL: p.ImageURL, Detail: c.cfg.ImageDetail}})
			default:
				parts = append(parts, wirePart{Type: "text", Text: p.Text})
			}
		}
		msgs = append(msgs, wireMessage{Role: string(m.Role), Content: parts})
	}

	body := map[string]any{
		"model":       c.cfg.Model,
		"temperature": c.cfg.Temperature,
		"messages":    msgs,
	}
	if req.MaxTokens > 0 {
		body["max_tokens"] = req.MaxTokens
	}
	if req.JSONMode {
		body["response_format"] = map[string]any{"type": "json_object"}
	}
	if stream {
		body["stream"] = true
	}
	return body
}

func (c *Client) post(ctx context.Context, rid string, body map[string]any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		c.log.Error("llm.http.encode_error", "req_id", rid, "error", err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")
	if body["stream"] == true {
		req.Header.Set("Accept", "text/event-stream")
	}

	c.log.Info("llm.http.request",
		"req_id", rid,
		"model", c.cfg.Model,
		"content_length", len(b),
		"stream", body["stream"] == true,
	)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		c.log.Error("llm.http.send_error", "req_id", rid, "error", err)
		return nil, fmt.Errorf("openai http error: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		buf := new(bytes.Buffer)
		_, _ = buf.ReadFrom(io.LimitReader(resp.Body, 8*1024))
		c.closeBody(rid, resp.Body)
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: buf.String()}
	}
	return resp, nil
}

func (c *Client) closeBody(rid string, body io.ReadCloser) {
	if err := body.Close(); err != nil {
		c.log.Warn("llm.http.response_body_close_error", "req_id", rid, "error", err)
	}
}
