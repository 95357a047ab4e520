package outbound

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/leadrelay/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// Defaults for ledger construction.
const (
	DefaultSendTimeout    = 15 * time.Second
	DefaultQuestionWindow = 30 * time.Minute
)

// Recorder receives best-effort notifications after a successful send.
// Implemented by the thread registry; failures here are logged and must
// never contradict a sent status.
type Recorder interface {
	RecordOutbound(ctx context.Context, conversationID uint, body, providerMessageID string, at time.Time) error
}

// Ledger executes logical sends at most once via the insert-before-send
// protocol.
type Ledger struct {
	db             *gorm.DB
	provider       Provider
	sanitizer      *Sanitizer
	recorder       Recorder
	questionWindow time.Duration
	sendTimeout    time.Duration
	log            zerolog.Logger
}

// LedgerOpts holds parameters for creating a Ledger.
type LedgerOpts struct {
	DB             *gorm.DB
	Provider       Provider
	Sanitizer      *Sanitizer // optional; defaults to a pass-through sanitizer
	Recorder       Recorder   // optional; enables message records and thread touches
	QuestionWindow time.Duration
	SendTimeout    time.Duration
	Log            zerolog.Logger
}

// NewLedger creates a Ledger.
func NewLedger(opts LedgerOpts) (*Ledger, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("outbound: ledger: db is required")
	}
	sanitizer := opts.Sanitizer
	if sanitizer == nil {
		var err error
		sanitizer, err = NewSanitizer(nil, nil)
		if err != nil {
			return nil, fmt.Errorf("outbound: ledger: %w", err)
		}
	}
	window := opts.QuestionWindow
	if window <= 0 {
		window = DefaultQuestionWindow
	}
	timeout := opts.SendTimeout
	if timeout <= 0 {
		timeout = DefaultSendTimeout
	}
	return &Ledger{
		db:             opts.DB,
		provider:       opts.Provider,
		sanitizer:      sanitizer,
		recorder:       opts.Recorder,
		questionWindow: window,
		sendTimeout:    timeout,
		log:            opts.Log,
	}, nil
}

// SendOpts describes one logical send.
type SendOpts struct {
	ConversationID   uint
	ContactID        string
	LeadID           *uint
	Destination      string
	Content          string
	Channel          string
	TriggerMessageID string // inbound provider message id; set for auto-replies
	ReplyType        string // models.Reply* classification
	QuestionKey      string // normalized question key; enables duplicate-question suppression
}

// SendResult reports the outcome of a Send call.
type SendResult struct {
	SendID            uint
	WasDuplicate      bool
	Blocked           bool // duplicate-question suppression
	Reason            string
	ProviderMessageID string
}

// Send executes the at-most-once protocol, strictly in this order: sanitize
// content, compute the fingerprint from the final text, run the secondary
// idempotency check for triggered sends, atomically insert the pending
// ledger row (a unique-key violation means a concurrent or earlier attempt
// owns this send — no network call is made), and only then call the
// provider. The terminal status is written immediately after the call
// resolves; a timed-out or failed call is marked failed, never left pending.
func (l *Ledger) Send(ctx context.Context, opts SendOpts) (*SendResult, error) {
	if l.provider == nil {
		return nil, ErrNotConfigured
	}
	if opts.ConversationID == 0 || opts.Destination == "" {
		return nil, fmt.Errorf("outbound: send: conversation and destination are required")
	}

	text := l.sanitizer.Sanitize(opts.Content)
	if text == "" {
		return nil, fmt.Errorf("outbound: send: no sendable text after sanitization")
	}

	now := time.Now()
	contentHash := ContentHash(text)
	replyType := opts.ReplyType
	if replyType == "" {
		replyType = models.ReplyManual
	}

	var key string
	if opts.TriggerMessageID != "" {
		key = TriggeredKey(opts.ConversationID, opts.TriggerMessageID, opts.Channel)

		// Secondary idempotency check, sharing the content-free formula with
		// any upstream enqueue-time dedupe: if any earlier attempt for this
		// trigger already reached sent, short-circuit. Closes the race
		// between enqueue-time and send-time checks.
		var prior models.OutboundSend
		err := l.db.WithContext(ctx).
			Where("conversation_id = ? AND trigger_message_id = ? AND status = ?",
				opts.ConversationID, opts.TriggerMessageID, models.SendSent).
			First(&prior).Error
		if err == nil {
			return &SendResult{SendID: prior.ID, WasDuplicate: true, Reason: "trigger already answered",
				ProviderMessageID: prior.ProviderMessageID}, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("outbound: send: trigger check: %w", err)
		}
	} else {
		key = UntriggeredKey(opts.ConversationID, replyType, opts.QuestionKey, DayBucket(now), contentHash)
	}

	if opts.QuestionKey != "" {
		blocked, err := l.questionRecentlySent(ctx, opts.ConversationID, opts.QuestionKey, now)
		if err != nil {
			return nil, err
		}
		if blocked {
			return &SendResult{Blocked: true, Reason: "same question sent recently"}, nil
		}
	}

	row := models.OutboundSend{
		DedupeKey:        key,
		Provider:         l.provider.Name(),
		ConversationID:   opts.ConversationID,
		ContactID:        opts.ContactID,
		LeadID:           opts.LeadID,
		TriggerMessageID: opts.TriggerMessageID,
		ContentHash:      contentHash,
		Status:           models.SendPending,
		ReplyType:        replyType,
		QuestionKey:      opts.QuestionKey,
		DayBucket:        DayBucket(now),
	}
	err := l.db.WithContext(ctx).Create(&row).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		var existing models.OutboundSend
		if err := l.db.WithContext(ctx).Where("dedupe_key = ?", key).First(&existing).Error; err != nil {
			return nil, fmt.Errorf("outbound: send: fetch duplicate row: %w", err)
		}
		l.log.Debug().Uint("send", existing.ID).Str("status", existing.Status).
			Msg("duplicate send suppressed before network call")
		return &SendResult{SendID: existing.ID, WasDuplicate: true, Reason: "dedupe key exists",
			ProviderMessageID: existing.ProviderMessageID}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("outbound: send: insert ledger row: %w", err)
	}

	sendCtx, cancel := context.WithTimeout(ctx, l.sendTimeout)
	defer cancel()
	providerMessageID, sendErr := l.provider.Send(sendCtx, opts.Destination, text)

	// Terminal status writes must survive caller cancellation: a PENDING row
	// left behind blocks every future retry of this logical send as a
	// duplicate.
	writeCtx, writeCancel := context.WithTimeout(context.WithoutCancel(ctx), l.sendTimeout)
	defer writeCancel()

	if sendErr != nil {
		l.markFailed(writeCtx, row.ID, sendErr)
		return nil, fmt.Errorf("outbound: send %d: %w", row.ID, sendErr)
	}

	if err := l.db.WithContext(writeCtx).Model(&models.OutboundSend{}).
		Where("id = ? AND status = ?", row.ID, models.SendPending).
		Updates(map[string]interface{}{
			"status":              models.SendSent,
			"provider_message_id": providerMessageID,
		}).Error; err != nil {
		// The send already happened and cannot be reversed; report the
		// bookkeeping failure but do not pretend the send failed.
		l.log.Error().Err(err).Uint("send", row.ID).Msg("failed to mark ledger row sent")
	}

	// Best-effort thread bookkeeping. Never contradicts the sent status.
	if l.recorder != nil {
		if err := l.recorder.RecordOutbound(writeCtx, opts.ConversationID, text, providerMessageID, now); err != nil {
			l.log.Warn().Err(err).Uint("conversation", opts.ConversationID).
				Msg("post-send message record failed")
		}
	}

	return &SendResult{SendID: row.ID, ProviderMessageID: providerMessageID}, nil
}

// questionRecentlySent reports whether the same question key was sent on
// this conversation inside the trailing window. Semantically-duplicate but
// textually-different questions are blocked regardless of dedupe key.
func (l *Ledger) questionRecentlySent(ctx context.Context, conversationID uint, questionKey string, now time.Time) (bool, error) {
	var n int64
	err := l.db.WithContext(ctx).Model(&models.OutboundSend{}).
		Where("conversation_id = ? AND question_key = ? AND status = ? AND updated_at > ?",
			conversationID, questionKey, models.SendSent, now.Add(-l.questionWindow)).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("outbound: send: question window check: %w", err)
	}
	return n > 0, nil
}

// markFailed writes the terminal failed status. Guarded on pending so a slow
// failure can never clobber a sent row.
func (l *Ledger) markFailed(ctx context.Context, sendID uint, sendErr error) {
	if err := l.db.WithContext(ctx).Model(&models.OutboundSend{}).
		Where("id = ? AND status = ?", sendID, models.SendPending).
		Updates(map[string]interface{}{
			"status": models.SendFailed,
			"error":  sendErr.Error(),
		}).Error; err != nil {
		l.log.Error().Err(err).Uint("send", sendID).Msg("failed to mark ledger row failed")
	}
}
