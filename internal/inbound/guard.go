// Package inbound guards against re-processing of retried webhook
// deliveries. Admission is an atomic insert keyed by (provider, provider
// message id); the unique-index violation on a second insert is the
// duplicate signal, not a separate read-then-check.
package inbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/leadrelay/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// DefaultStaleAfter is how long a receipt may sit in processing before the
// maintenance sweep considers it wedged.
const DefaultStaleAfter = 15 * time.Minute

// Guard owns the inbound dedupe table.
type Guard struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewGuard creates a Guard.
func NewGuard(db *gorm.DB, log zerolog.Logger) (*Guard, error) {
	if db == nil {
		return nil, fmt.Errorf("inbound: guard: db is required")
	}
	return &Guard{db: db, log: log}, nil
}

// Admission is the result of an Admit call.
type Admission struct {
	ReceiptID uint
	Duplicate bool
}

// Admit attempts to claim processing of a webhook delivery. On success the
// caller owns the message and must call Finalize exactly once when done.
// When Duplicate is true the caller must stop immediately and acknowledge
// success to the provider so it stops retrying.
func (g *Guard) Admit(ctx context.Context, provider, providerMessageID string) (*Admission, error) {
	if provider == "" || providerMessageID == "" {
		return nil, fmt.Errorf("inbound: admit: provider and message id are required")
	}

	receipt := models.InboundReceipt{
		Provider:          provider,
		ProviderMessageID: providerMessageID,
		Status:            models.ReceiptProcessing,
	}
	err := g.db.WithContext(ctx).Create(&receipt).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		g.log.Debug().Str("provider", provider).Str("message", providerMessageID).
			Msg("duplicate webhook delivery rejected")
		return &Admission{Duplicate: true}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("inbound: admit %s/%s: %w", provider, providerMessageID, err)
	}
	return &Admission{ReceiptID: receipt.ID}, nil
}

// Bind associates an admitted receipt with the conversation it resolved to.
func (g *Guard) Bind(ctx context.Context, receiptID, conversationID uint) error {
	err := g.db.WithContext(ctx).Model(&models.InboundReceipt{}).
		Where("id = ?", receiptID).
		Update("conversation_id", conversationID).Error
	if err != nil {
		return fmt.Errorf("inbound: bind receipt %d: %w", receiptID, err)
	}
	return nil
}

// Finalize moves an admitted receipt to completed or failed. A receipt never
// returns to processing: the guard only updates rows still in that state, so
// a late or repeated Finalize cannot clobber a terminal status.
func (g *Guard) Finalize(ctx context.Context, receiptID uint, procErr error) error {
	status := models.ReceiptCompleted
	errText := ""
	if procErr != nil {
		status = models.ReceiptFailed
		errText = procErr.Error()
	}
	result := g.db.WithContext(ctx).Model(&models.InboundReceipt{}).
		Where("id = ? AND status = ?", receiptID, models.ReceiptProcessing).
		Updates(map[string]interface{}{"status": status, "error": errText})
	if result.Error != nil {
		return fmt.Errorf("inbound: finalize receipt %d: %w", receiptID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("inbound: finalize receipt %d: not found or already finalized", receiptID)
	}
	return nil
}

// SweepStale fails receipts wedged in processing for longer than olderThan,
// typically after a crash mid-processing. Returns the number of receipts
// reset. Scheduled explicitly by the serve command.
func (g *Guard) SweepStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	if olderThan <= 0 {
		olderThan = DefaultStaleAfter
	}
	cutoff := time.Now().Add(-olderThan)
	result := g.db.WithContext(ctx).Model(&models.InboundReceipt{}).
		Where("status = ? AND updated_at < ?", models.ReceiptProcessing, cutoff).
		Updates(map[string]interface{}{
			"status": models.ReceiptFailed,
			"error":  "stale: processing exceeded sweep deadline",
		})
	if result.Error != nil {
		return 0, fmt.Errorf("inbound: sweep stale: %w", result.Error)
	}
	if result.RowsAffected > 0 {
		g.log.Warn().Int64("reset", result.RowsAffected).Msg("reset stale processing receipts")
	}
	return result.RowsAffected, nil
}
