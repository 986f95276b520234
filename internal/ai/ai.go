// Package ai abstracts the intent classifier, prompt enrichment, embedding
// and reply rewriting behind one capability interface. The production
// implementation talks to an OpenRouter-compatible API; tests substitute
// fakes.
package ai

import (
	"context"
	"errors"
	"fmt"
)

// Service is the AI capability consumed by the triage, context and reply
// loops.
type Service interface {
	// TriageBatch classifies a quiescent batch of inbound messages.
	TriageBatch(ctx context.Context, in TriageInput) (Decision, error)
	// EnrichJob folds history and retrieved context into the job prompt.
	EnrichJob(ctx context.Context, prompt string, history, retrieved []string) (string, error)
	// EmbedText returns the embedding vector for a text.
	EmbedText(ctx context.Context, text string) ([]float32, error)
	// RewriteReply adapts raw agent output for the chat medium.
	RewriteReply(ctx context.Context, draft string) (string, error)
}

// TriageMessage is one batch member presented to the classifier.
type TriageMessage struct {
	ID       string `json:"id"`
	Content  string `json:"content"`
	IsEdit   bool   `json:"is_edit,omitempty"`
	HasAudio bool   `json:"has_audio,omitempty"`
	HasImage bool   `json:"has_image,omitempty"`
}

// JobSummary describes an active job so the classifier can bind replies and
// cancellations to it.
type JobSummary struct {
	ID              string `json:"id"`
	Status          string `json:"status"`
	Prompt          string `json:"prompt"`
	QuestionPending string `json:"question_pending,omitempty"`
}

// CronSummary describes an existing scheduled task.
type CronSummary struct {
	Name     string `json:"name"`
	Schedule string `json:"schedule"`
	Prompt   string `json:"prompt"`
}

// TriageInput is everything the classifier sees for one batch.
type TriageInput struct {
	ChatID      string          `json:"chat_id"`
	Messages    []TriageMessage `json:"messages"`
	ActiveJobs  []JobSummary    `json:"active_jobs,omitempty"`
	ActiveCrons []CronSummary   `json:"active_crons,omitempty"`
	History     []string        `json:"history,omitempty"`
}

// serviceError wraps provider failures with a retryability class.
type serviceError struct {
	err       error
	retryable bool
}

func (e *serviceError) Error() string { return e.err.Error() }
func (e *serviceError) Unwrap() error { return e.err }

// Retryable marks an error as transient (timeouts, 5xx, rate limits).
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &serviceError{err: err, retryable: true}
}

// Permanent marks an error as non-retryable (malformed output, 4xx).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &serviceError{err: err, retryable: false}
}

// Permanentf is Permanent with formatting.
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsRetryable reports whether the error is worth retrying. Unclassified
// errors default to retryable so transport hiccups are not fatal.
func IsRetryable(err error) bool {
	var se *serviceError
	if errors.As(err, &se) {
		return se.retryable
	}
	return true
}
