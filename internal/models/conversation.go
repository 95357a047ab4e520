package models

import "time"

// Conversation statuses.
const (
	ConversationOpen   = "open"
	ConversationClosed = "closed"
)

// Conversation is one logical message thread with a contact on a channel.
// The composite unique index on (contact_id, channel) is the concurrency
// control for thread creation: concurrent resolves race on the index, not
// on application-level reads.
type Conversation struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	ContactID        string `gorm:"size:64;not null;uniqueIndex:ux_contact_channel,priority:1"`
	Channel          string `gorm:"size:16;not null;uniqueIndex:ux_contact_channel,priority:2"`
	ExternalThreadID string `gorm:"size:128;index"`
	LeadID           *uint  `gorm:"index"`
	Status           string `gorm:"size:16;default:open"`
	UnreadCount      int    `gorm:"default:0"`
	KnownFields      string `gorm:"type:text"` // JSON object, e.g. {"greeting_sent":true}
	LastMessageAt    *time.Time
	LastInboundAt    *time.Time
	LastOutboundAt   *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ConversationMessage is the human-readable message record for a thread.
// Written best-effort after sends and on accepted inbound messages; it is
// display history, not the dedupe source of truth.
type ConversationMessage struct {
	ID                uint   `gorm:"primaryKey;autoIncrement"`
	ConversationID    uint   `gorm:"not null;index"`
	Direction         string `gorm:"size:8;not null"` // in | out
	Body              string `gorm:"type:text"`
	ProviderMessageID string `gorm:"size:128"`
	CreatedAt         time.Time
}
