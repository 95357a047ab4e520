package models

import "time"

// Lead holds the per-lead policy surface consulted by the auto-reply engine.
// The broader lead data model lives outside this system.
type Lead struct {
	ID              uint   `gorm:"primaryKey;autoIncrement"`
	Name            string `gorm:"size:128"`
	AutoReplyOn     bool   `gorm:"default:true"`
	MutedUntil      *time.Time
	AllowAfterHours bool   `gorm:"default:false"`
	Timezone        string `gorm:"size:64"` // IANA name; empty means tenant default
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// HumanTask is a request for human attention, created on escalation or when
// the reply pipeline exhausts its fallbacks.
type HumanTask struct {
	ID             uint   `gorm:"primaryKey;autoIncrement"`
	LeadID         *uint  `gorm:"index"`
	ConversationID *uint  `gorm:"index"`
	Reason         string `gorm:"size:128;not null"`
	Detail         string `gorm:"type:text"`
	Status         string `gorm:"size:16;default:open;index"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
