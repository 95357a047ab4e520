package models

import "time"

// AutomationRun logs one execution of an automation rule against a target.
// The cooldown tracker reads the most recent completed run; there is no
// insert gate here because duplicate scheduled runs are idempotent business
// actions, unlike duplicate outbound sends.
type AutomationRun struct {
	ID        uint      `gorm:"primaryKey;autoIncrement"`
	RuleKey   string    `gorm:"size:64;not null;index:ix_rule_target_ran,priority:1"`
	TargetID  string    `gorm:"size:64;not null;index:ix_rule_target_ran,priority:2"`
	Status    string    `gorm:"size:16;default:completed"`
	RanAt     time.Time `gorm:"index:ix_rule_target_ran,priority:3"`
	CreatedAt time.Time
}

// QueuedJob backs the durable variant of the enqueue capability. The unique
// dedupe key makes enqueuing idempotent across webhook retries.
type QueuedJob struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	JobID     string `gorm:"size:36;not null;uniqueIndex"`
	Kind      string `gorm:"size:32;not null;index"`
	DedupeKey string `gorm:"size:64;uniqueIndex"`
	Payload   string `gorm:"type:text"`
	Status    string `gorm:"size:16;default:queued;index"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
