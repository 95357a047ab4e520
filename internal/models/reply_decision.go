package models

import "time"

// Terminal and intermediate decisions for the auto-reply pipeline.
const (
	DecisionProcessing    = "processing"
	DecisionReplied       = "replied"
	DecisionSkipped       = "skipped"
	DecisionNotifiedHuman = "notified_human"
	DecisionFailed        = "failed"
)

// ReplyDecision is the audit trail for the auto-reply policy engine: one row
// per evaluated inbound message, created at pipeline entry and finalized when
// a terminal decision is reached. It doubles as a secondary already-replied
// guard layered on top of the inbound receipt.
type ReplyDecision struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	LeadID            *uint  `gorm:"index"`
	ContactID         string `gorm:"size:64;index"`
	ConversationID    uint   `gorm:"not null;index"`
	ProviderMessageID string `gorm:"size:128;index"`
	InboundText       string `gorm:"size:512"` // truncated
	Decision          string `gorm:"size:24;default:processing;index"`
	Reason            string `gorm:"size:256"`
	UsedFallback      bool   `gorm:"default:false"`
	RetrievalFound    bool   `gorm:"default:false"`
	RetrievalScore    float64
	ReplyText         string `gorm:"size:512"` // truncated
	SendOutcome       string `gorm:"size:32"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
