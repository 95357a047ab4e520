package models

import "time"

// Inbound receipt processing statuses. A receipt never moves back to
// processing once finalized.
const (
	ReceiptProcessing = "processing"
	ReceiptCompleted  = "completed"
	ReceiptFailed     = "failed"
)

// InboundReceipt is the admission gate for webhook deliveries. Creation is
// the duplicate check: a second insert with the same (provider,
// provider_message_id) fails on the unique index, and that failure is the
// duplicate signal.
type InboundReceipt struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	Provider          string `gorm:"size:32;not null;uniqueIndex:ux_provider_message,priority:1"`
	ProviderMessageID string `gorm:"size:128;not null;uniqueIndex:ux_provider_message,priority:2"`
	ConversationID    *uint  `gorm:"index"`
	Status            string `gorm:"size:16;default:processing;index"`
	Error             string `gorm:"type:text"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
}
