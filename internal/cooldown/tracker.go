// Package cooldown enforces per-(rule, target) minimum intervals between
// automation runs. It reads the same append-only-log shape as the outbound
// ledger but deliberately has no insert-as-gate step: a duplicate scheduled
// run re-executes an idempotent business action, a correctness nuisance,
// whereas a duplicate outbound send is user-visible and must be impossible.
package cooldown

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/leadrelay/internal/models"
	"gorm.io/gorm"
)

// Tracker reads and appends automation run logs.
type Tracker struct {
	db *gorm.DB
}

// NewTracker creates a Tracker.
func NewTracker(db *gorm.DB) (*Tracker, error) {
	if db == nil {
		return nil, fmt.Errorf("cooldown: tracker: db is required")
	}
	return &Tracker{db: db}, nil
}

// Result reports whether a rule may run against a target.
type Result struct {
	Allowed   bool
	Remaining time.Duration // zero when allowed
	LastRun   *time.Time    // nil when the rule has never run
}

// Check returns allowed when no successful run for (ruleKey, targetID) exists
// inside minInterval, else blocked with the remaining wait.
func (t *Tracker) Check(ctx context.Context, ruleKey, targetID string, minInterval time.Duration) (*Result, error) {
	if ruleKey == "" || targetID == "" {
		return nil, fmt.Errorf("cooldown: check: rule key and target id are required")
	}

	var last models.AutomationRun
	err := t.db.WithContext(ctx).
		Where("rule_key = ? AND target_id = ? AND status = ?", ruleKey, targetID, "completed").
		Order("ran_at DESC").
		First(&last).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Result{Allowed: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cooldown: check %s/%s: %w", ruleKey, targetID, err)
	}

	elapsed := time.Since(last.RanAt)
	if elapsed >= minInterval {
		return &Result{Allowed: true, LastRun: &last.RanAt}, nil
	}
	return &Result{Allowed: false, Remaining: minInterval - elapsed, LastRun: &last.RanAt}, nil
}

// Record appends a completed run log for (ruleKey, targetID).
func (t *Tracker) Record(ctx context.Context, ruleKey, targetID string) error {
	run := models.AutomationRun{
		RuleKey:  ruleKey,
		TargetID: targetID,
		Status:   "completed",
		RanAt:    time.Now(),
	}
	if err := t.db.WithContext(ctx).Create(&run).Error; err != nil {
		return fmt.Errorf("cooldown: record %s/%s: %w", ruleKey, targetID, err)
	}
	return nil
}
