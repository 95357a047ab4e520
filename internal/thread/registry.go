// Package thread owns the mapping from (contact, channel, external thread id)
// to a conversation. Thread identity is enforced by the unique index on
// (contact_id, channel); every resolve is a single atomic upsert, never a
// read followed by a write.
package thread

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/leadrelay/internal/models"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Channels recognized by the registry.
const (
	ChannelWhatsApp  = "whatsapp"
	ChannelEmail     = "email"
	ChannelInstagram = "instagram"
	ChannelFacebook  = "facebook"
	ChannelWebchat   = "webchat"
)

// channelAliases maps raw provider channel names onto the normalized vocabulary.
var channelAliases = map[string]string{
	"whatsapp":  ChannelWhatsApp,
	"wa":        ChannelWhatsApp,
	"email":     ChannelEmail,
	"mail":      ChannelEmail,
	"instagram": ChannelInstagram,
	"ig":        ChannelInstagram,
	"facebook":  ChannelFacebook,
	"fb":        ChannelFacebook,
	"messenger": ChannelFacebook,
	"webchat":   ChannelWebchat,
	"web":       ChannelWebchat,
	"chat":      ChannelWebchat,
}

// NormalizeChannel lowercases and maps a raw channel name onto the fixed
// vocabulary. Returns an error for unrecognized channels.
func NormalizeChannel(raw string) (string, error) {
	ch, ok := channelAliases[strings.ToLower(strings.TrimSpace(raw))]
	if !ok {
		return "", fmt.Errorf("thread: unknown channel %q", raw)
	}
	return ch, nil
}

// Registry resolves and mutates conversations.
type Registry struct {
	db  *gorm.DB
	log zerolog.Logger
}

// NewRegistry creates a Registry.
func NewRegistry(db *gorm.DB, log zerolog.Logger) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("thread: registry: db is required")
	}
	return &Registry{db: db, log: log}, nil
}

// ResolveOpts holds parameters for ResolveOrCreate.
type ResolveOpts struct {
	ContactID        string
	Channel          string // raw; normalized before any lookup
	ExternalThreadID string // optional provider thread/session id
	LeadID           *uint  // optional; set on the row only if not already known
	Status           string // optional; defaults to open
	At               time.Time
}

// ResolveOrCreate returns the id of the single conversation for the given
// contact and channel, creating it if absent. When an external thread id is
// supplied, a matching (contact, channel, external id) row is preferred and
// its mutable fields refreshed. Otherwise the call is one atomic upsert on
// (contact_id, channel): concurrent calls with the same key race on the
// unique index and exactly one row exists afterward.
//
// The stored channel is rewritten to its normalized form even on update,
// self-healing historical rows.
func (r *Registry) ResolveOrCreate(ctx context.Context, opts ResolveOpts) (uint, error) {
	if opts.ContactID == "" {
		return 0, fmt.Errorf("thread: resolve: contact id is required")
	}
	channel, err := NormalizeChannel(opts.Channel)
	if err != nil {
		return 0, fmt.Errorf("thread: resolve: %w", err)
	}
	status := opts.Status
	if status == "" {
		status = models.ConversationOpen
	}
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}

	if opts.ExternalThreadID != "" {
		var existing models.Conversation
		err := r.db.WithContext(ctx).
			Where("contact_id = ? AND channel = ? AND external_thread_id = ?",
				opts.ContactID, channel, opts.ExternalThreadID).
			First(&existing).Error
		if err == nil {
			updates := map[string]interface{}{
				"channel":         channel,
				"status":          status,
				"last_message_at": at,
			}
			if opts.LeadID != nil {
				updates["lead_id"] = gorm.Expr("COALESCE(lead_id, ?)", *opts.LeadID)
			}
			if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
				Where("id = ?", existing.ID).Updates(updates).Error; err != nil {
				return 0, fmt.Errorf("thread: resolve: refresh %d: %w", existing.ID, err)
			}
			return existing.ID, nil
		}
		if err != gorm.ErrRecordNotFound {
			return 0, fmt.Errorf("thread: resolve: external lookup: %w", err)
		}
	}

	conv := models.Conversation{
		ContactID:        opts.ContactID,
		Channel:          channel,
		ExternalThreadID: opts.ExternalThreadID,
		LeadID:           opts.LeadID,
		Status:           status,
		LastMessageAt:    &at,
	}
	assignments := map[string]interface{}{
		"channel":         channel,
		"status":          status,
		"last_message_at": at,
	}
	if opts.ExternalThreadID != "" {
		assignments["external_thread_id"] = opts.ExternalThreadID
	}
	if opts.LeadID != nil {
		assignments["lead_id"] = gorm.Expr("COALESCE(lead_id, ?)", *opts.LeadID)
	}
	err = r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "contact_id"}, {Name: "channel"}},
		DoUpdates: clause.Assignments(assignments),
	}).Create(&conv).Error
	if err != nil {
		return 0, fmt.Errorf("thread: resolve: upsert: %w", err)
	}

	// The conflict-update path does not reliably report the surviving row's
	// id across drivers, so read it back by the unique key.
	var row models.Conversation
	if err := r.db.WithContext(ctx).Select("id").
		Where("contact_id = ? AND channel = ?", opts.ContactID, channel).
		First(&row).Error; err != nil {
		return 0, fmt.Errorf("thread: resolve: read back: %w", err)
	}
	return row.ID, nil
}

// Get fetches a conversation by id.
func (r *Registry) Get(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	if err := r.db.WithContext(ctx).First(&conv, id).Error; err != nil {
		return nil, fmt.Errorf("thread: get %d: %w", id, err)
	}
	return &conv, nil
}

// TouchInbound records an accepted inbound message: bumps last-inbound and
// last-message timestamps and the unread counter.
func (r *Registry) TouchInbound(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_inbound_at": at,
			"last_message_at": at,
			"unread_count":    gorm.Expr("unread_count + 1"),
		}).Error
	if err != nil {
		return fmt.Errorf("thread: touch inbound %d: %w", id, err)
	}
	return nil
}

// TouchOutbound records a successful outbound send on the thread.
func (r *Registry) TouchOutbound(ctx context.Context, id uint, at time.Time) error {
	err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"last_outbound_at": at,
			"last_message_at":  at,
		}).Error
	if err != nil {
		return fmt.Errorf("thread: touch outbound %d: %w", id, err)
	}
	return nil
}

// RecordInbound appends a human-readable inbound message to the thread and
// touches its timestamps.
func (r *Registry) RecordInbound(ctx context.Context, conversationID uint, body, providerMessageID string, at time.Time) error {
	msg := models.ConversationMessage{
		ConversationID:    conversationID,
		Direction:         "in",
		Body:              body,
		ProviderMessageID: providerMessageID,
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("thread: record inbound: %w", err)
	}
	return r.TouchInbound(ctx, conversationID, at)
}

// RecordOutbound appends a human-readable outbound message to the thread and
// touches its timestamps. Called best-effort by the outbound ledger after a
// send has succeeded.
func (r *Registry) RecordOutbound(ctx context.Context, conversationID uint, body, providerMessageID string, at time.Time) error {
	msg := models.ConversationMessage{
		ConversationID:    conversationID,
		Direction:         "out",
		Body:              body,
		ProviderMessageID: providerMessageID,
	}
	if err := r.db.WithContext(ctx).Create(&msg).Error; err != nil {
		return fmt.Errorf("thread: record outbound: %w", err)
	}
	return r.TouchOutbound(ctx, conversationID, at)
}

// InboundCount returns the number of recorded inbound messages on a thread.
// Used by the policy engine to detect first contact.
func (r *Registry) InboundCount(ctx context.Context, conversationID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.ConversationMessage{}).
		Where("conversation_id = ? AND direction = ?", conversationID, "in").
		Count(&n).Error
	if err != nil {
		return 0, fmt.Errorf("thread: inbound count: %w", err)
	}
	return n, nil
}

// KnownField reads one key from the conversation's known-fields blob.
func (r *Registry) KnownField(ctx context.Context, conversationID uint, key string) (interface{}, bool, error) {
	conv, err := r.Get(ctx, conversationID)
	if err != nil {
		return nil, false, err
	}
	if conv.KnownFields == "" {
		return nil, false, nil
	}
	fields := map[string]interface{}{}
	if err := json.Unmarshal([]byte(conv.KnownFields), &fields); err != nil {
		return nil, false, fmt.Errorf("thread: known fields %d: %w", conversationID, err)
	}
	v, ok := fields[key]
	return v, ok, nil
}

// SetKnownField writes one key into the conversation's known-fields blob.
// The read-modify-write runs inside a transaction.
func (r *Registry) SetKnownField(ctx context.Context, conversationID uint, key string, value interface{}) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		if err := tx.First(&conv, conversationID).Error; err != nil {
			return err
		}
		fields := map[string]interface{}{}
		if conv.KnownFields != "" {
			if err := json.Unmarshal([]byte(conv.KnownFields), &fields); err != nil {
				// Corrupt blob: start fresh rather than wedging the thread.
				r.log.Warn().Uint("conversation", conversationID).Msg("resetting unreadable known fields")
				fields = map[string]interface{}{}
			}
		}
		fields[key] = value
		data, err := json.Marshal(fields)
		if err != nil {
			return err
		}
		return tx.Model(&models.Conversation{}).
			Where("id = ?", conversationID).
			Update("known_fields", string(data)).Error
	})
	if err != nil {
		return fmt.Errorf("thread: set known field %q on %d: %w", key, conversationID, err)
	}
	return nil
}
