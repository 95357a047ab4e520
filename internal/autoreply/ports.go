// Package autoreply decides whether, when, and how to auto-reply to an
// accepted inbound message. The pipeline is a short-circuiting state
// machine: admitted → evaluating → {skipped | escalated | replying} →
// {replied | failed}. External capabilities (generation, retrieval guard,
// human tasks) sit behind interfaces so the engine tolerates their failure.
package autoreply

import "context"

// GenerateRequest carries conversation context to the AI capability.
type GenerateRequest struct {
	ConversationID uint
	ContactID      string
	Channel        string
	InboundText    string
	Grounding      string // retrieval context when available; empty otherwise
	FirstContact   bool
}

// Generator is the AI text-generation capability. It is a black box that
// returns text or fails; the engine must tolerate failure without crashing.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (string, error)
}

// RetrievalResult reports whether sufficient trained context exists for a
// grounded reply.
type RetrievalResult struct {
	Found   bool
	Score   float64
	Context string
}

// RetrievalGuard checks free text against trained content.
type RetrievalGuard interface {
	Query(ctx context.Context, text string) (*RetrievalResult, error)
}

// TaskCreator creates a human-attention task on escalation or terminal
// failure.
type TaskCreator interface {
	Create(ctx context.Context, leadID *uint, conversationID uint, reason, detail string) (uint, error)
}
