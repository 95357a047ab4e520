package models

import "time"

// Outbound send lifecycle statuses. A row transitions pending→sent or
// pending→failed exactly once.
const (
	SendPending = "pending"
	SendSent    = "sent"
	SendFailed  = "failed"
)

// Reply classifications for outbound sends.
const (
	ReplyGreeting = "greeting"
	ReplyQuestion = "question"
	ReplyAnswer   = "answer"
	ReplyClosing  = "closing"
	ReplyManual   = "manual"
	ReplyFollowup = "followup"
	ReplyReminder = "reminder"
)

// OutboundSend is the at-most-once ledger for provider sends. The unique
// dedupe key is inserted with status pending before any network call; only
// one insert can ever succeed per key, so the send cannot race itself.
type OutboundSend struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	DedupeKey         string `gorm:"size:64;not null;uniqueIndex"`
	Provider          string `gorm:"size:32"`
	ConversationID    uint   `gorm:"not null;index"`
	ContactID         string `gorm:"size:64;index"`
	LeadID            *uint  `gorm:"index"`
	TriggerMessageID  string `gorm:"size:128;index"` // inbound provider message id that caused this reply
	ContentHash       string `gorm:"size:64"`
	Status            string `gorm:"size:16;default:pending;index"`
	ProviderMessageID string `gorm:"size:128"`
	ReplyType         string `gorm:"size:16"`
	QuestionKey       string `gorm:"size:64;index"`
	DayBucket         string `gorm:"size:10"`
	Error             string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
