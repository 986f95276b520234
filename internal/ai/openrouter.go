package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const triageSystemPrompt = `You are the triage stage of an async personal assistant.
You receive a batch of chat messages plus the chat's active jobs, scheduled tasks and recent history.
Answer with a single JSON object and nothing else. Exactly one of these shapes:
{"kind":"reply","reply":"<direct answer>"}
{"kind":"create_jobs","tasks":[{"prompt":"<task>","source_ids":["<message id>", ...]}]}
{"kind":"create_cron","cron":{"name":"<unique>","schedule":"<cron expr>","timezone":"<IANA tz>","prompt":"<task>"}}
{"kind":"cancel_job","job_id":"<active job id>"}
{"kind":"cancel_cron","cron_name":"<name>"}
{"kind":"resume_job","job_id":"<paused job id>","resume_answer":"<answer>"}
{"kind":"set_subscription","subscribe":true}
{"kind":"noop"}
Rules: quick questions get "reply". Work that takes tools or time becomes "create_jobs" with one task per independent request, each listing the ids of the messages that motivated it. If a paused job asked a question and the batch answers it, use "resume_job".`

const enrichSystemPrompt = `You expand a task prompt for an autonomous agent.
Fold in the relevant facts from the conversation history and retrieved context.
Return only the expanded prompt text, no preamble.`

const rewriteSystemPrompt = `You rewrite raw agent output into a short chat message.
Keep the substance, drop process narration and tool chatter.
Separate independent messages with a line containing only ---.`

// OpenRouter implements Service against an OpenRouter-compatible API.
type OpenRouter struct {
	apiKey         string
	apiBase        string
	model          string
	embeddingModel string
	client         *http.Client
}

// NewOpenRouter builds the production AI client.
func NewOpenRouter(apiKey, apiBase, model, embeddingModel string, timeout time.Duration) *OpenRouter {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &OpenRouter{
		apiKey:         apiKey,
		apiBase:        strings.TrimRight(apiBase, "/"),
		model:          model,
		embeddingModel: embeddingModel,
		client:         &http.Client{Timeout: timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string        `json:"model"`
	Messages       []chatMessage `json:"messages"`
	ResponseFormat *struct {
		Type string `json:"type"`
	} `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// TriageBatch classifies the batch via one JSON-mode completion.
func (o *OpenRouter) TriageBatch(ctx context.Context, in TriageInput) (Decision, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return Decision{}, Permanent(fmt.Errorf("encode triage input: %w", err))
	}
	raw, err := o.chat(ctx, triageSystemPrompt, string(payload), true)
	if err != nil {
		return Decision{}, err
	}
	return ParseDecision([]byte(raw))
}

// EnrichJob produces the enriched prompt for a draft job.
func (o *OpenRouter) EnrichJob(ctx context.Context, prompt string, history, retrieved []string) (string, error) {
	var b strings.Builder
	b.WriteString("Task:\n")
	b.WriteString(prompt)
	if len(history) > 0 {
		b.WriteString("\n\nRecent conversation:\n")
		b.WriteString(strings.Join(history, "\n"))
	}
	if len(retrieved) > 0 {
		b.WriteString("\n\nRetrieved context:\n")
		b.WriteString(strings.Join(retrieved, "\n"))
	}
	out, err := o.chat(ctx, enrichSystemPrompt, b.String(), false)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return "", Permanentf("empty enrichment output")
	}
	return strings.TrimSpace(out), nil
}

// RewriteReply adapts raw agent output for chat delivery.
func (o *OpenRouter) RewriteReply(ctx context.Context, draft string) (string, error) {
	out, err := o.chat(ctx, rewriteSystemPrompt, draft, false)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(out) == "" {
		return draft, nil
	}
	return strings.TrimSpace(out), nil
}

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// EmbedText returns one embedding vector.
func (o *OpenRouter) EmbedText(ctx context.Context, text string) ([]float32, error) {
	body, _ := json.Marshal(embeddingRequest{Model: o.embeddingModel, Input: []string{text}})
	raw, err := o.post(ctx, "/embeddings", body)
	if err != nil {
		return nil, err
	}
	var resp embeddingResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, Permanent(fmt.Errorf("decode embedding response: %w", err))
	}
	if len(resp.Data) == 0 || len(resp.Data[0].Embedding) == 0 {
		return nil, Permanentf("embedding response has no vectors")
	}
	return resp.Data[0].Embedding, nil
}

func (o *OpenRouter) chat(ctx context.Context, system, user string, jsonMode bool) (string, error) {
	req := chatRequest{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	if jsonMode {
		req.ResponseFormat = &struct {
			Type string `json:"type"`
		}{Type: "json_object"}
	}
	body, _ := json.Marshal(req)
	raw, err := o.post(ctx, "/chat/completions", body)
	if err != nil {
		return "", err
	}
	var resp chatResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", Permanent(fmt.Errorf("decode chat response: %w", err))
	}
	if resp.Error != nil {
		return "", Permanentf("provider error: %s", resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return "", Permanentf("chat response has no choices")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenRouter) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.apiBase+path, bytes.NewReader(body))
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.apiKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, Retryable(fmt.Errorf("ai request: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, Retryable(fmt.Errorf("read ai response: %w", err))
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return raw, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, Retryable(fmt.Errorf("ai status %d: %s", resp.StatusCode, truncate(string(raw), 200)))
	default:
		return nil, Permanentf("ai status %d: %s", resp.StatusCode, truncate(string(raw), 200))
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
