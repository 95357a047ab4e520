package autoreply

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/fieldline/leadrelay/internal/models"
	"github.com/fieldline/leadrelay/internal/outbound"
	"github.com/fieldline/leadrelay/internal/thread"
	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
)

// State is the terminal state of one pipeline run.
type State string

const (
	StateSkipped   State = "skipped"
	StateEscalated State = "escalated"
	StateReplied   State = "replied"
	StateFailed    State = "failed"
)

// Lead policy snapshots are cached briefly; a mute or disable toggled
// mid-conversation takes effect within this window.
const (
	leadCacheTTL   = 2 * time.Minute
	leadCacheSweep = 10 * time.Minute
	auditTruncate  = 480
)

// Policy holds tenant-level auto-reply configuration.
type Policy struct {
	RateLimit        time.Duration // seconds-scale minimum interval between auto-replies per lead
	SkipPatterns     []string
	EscalatePatterns []string
	Hours            HoursPolicy
	EscalationAck    bool   // send a brief acknowledgment on escalation
	AckText          string // used when EscalationAck is on
}

// Engine runs the per-message decision pipeline.
type Engine struct {
	db        *gorm.DB
	registry  *thread.Registry
	ledger    *outbound.Ledger
	generator Generator
	retrieval RetrievalGuard
	tasks     TaskCreator
	policy    Policy
	leads     *cache.Cache
	now       func() time.Time
	log       zerolog.Logger
}

// EngineOpts holds parameters for creating an Engine.
type EngineOpts struct {
	DB        *gorm.DB
	Registry  *thread.Registry
	Ledger    *outbound.Ledger
	Generator Generator      // optional; without it every reply is a fallback
	Retrieval RetrievalGuard // optional
	Tasks     TaskCreator
	Policy    Policy
	Log       zerolog.Logger
	Now       func() time.Time // test hook
}

// NewEngine creates an Engine.
func NewEngine(opts EngineOpts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("autoreply: engine: db is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("autoreply: engine: registry is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("autoreply: engine: ledger is required")
	}
	if opts.Tasks == nil {
		return nil, fmt.Errorf("autoreply: engine: task creator is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Engine{
		db:        opts.DB,
		registry:  opts.Registry,
		ledger:    opts.Ledger,
		generator: opts.Generator,
		retrieval: opts.Retrieval,
		tasks:     opts.Tasks,
		policy:    opts.Policy,
		leads:     cache.New(leadCacheTTL, leadCacheSweep),
		now:       now,
		log:       opts.Log,
	}, nil
}

// InboundMessage is one admitted inbound message handed to the pipeline.
type InboundMessage struct {
	Provider          string
	ProviderMessageID string
	ContactID         string
	Channel           string // normalized
	Destination       string // reply address
	Text              string
	ConversationID    uint
	LeadID            *uint
}

// Outcome reports the terminal pipeline state for one inbound message.
type Outcome struct {
	State        State
	Reason       string
	ReplyText    string
	UsedFallback bool
	TaskID       uint
	DecisionID   uint
}

// Handle evaluates one inbound message and, on a reply decision, generates
// and sends the reply through the outbound ledger. An audit decision row is
// created at entry and finalized whatever happens; the pipeline never
// silently drops a message.
func (e *Engine) Handle(ctx context.Context, msg InboundMessage) (*Outcome, error) {
	decision := models.ReplyDecision{
		LeadID:            msg.LeadID,
		ContactID:         msg.ContactID,
		ConversationID:    msg.ConversationID,
		ProviderMessageID: msg.ProviderMessageID,
		InboundText:       truncate(msg.Text, auditTruncate),
		Decision:          models.DecisionProcessing,
	}
	if err := e.db.WithContext(ctx).Create(&decision).Error; err != nil {
		return nil, fmt.Errorf("autoreply: open decision: %w", err)
	}

	outcome := e.evaluate(ctx, msg, &decision)
	outcome.DecisionID = decision.ID
	e.finalize(ctx, &decision, outcome)

	e.log.Info().
		Str("message", msg.ProviderMessageID).
		Uint("conversation", msg.ConversationID).
		Str("state", string(outcome.State)).
		Str("reason", outcome.Reason).
		Bool("fallback", outcome.UsedFallback).
		Msg("auto-reply decision")
	return outcome, nil
}

// evaluate runs the ordered short-circuiting checks. First matching rule
// wins.
func (e *Engine) evaluate(ctx context.Context, msg InboundMessage, decision *models.ReplyDecision) *Outcome {
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		return &Outcome{State: StateSkipped, Reason: "empty text"}
	}

	already, err := e.alreadyReplied(ctx, msg.ProviderMessageID, decision.ID)
	if err != nil {
		e.log.Warn().Err(err).Msg("already-replied guard failed open")
	}
	if already {
		return &Outcome{State: StateSkipped, Reason: "already replied"}
	}

	lead := e.leadPolicy(ctx, msg.LeadID)
	if lead != nil && !lead.AutoReplyOn {
		return &Outcome{State: StateSkipped, Reason: "auto-reply disabled"}
	}
	if lead != nil && lead.MutedUntil != nil && lead.MutedUntil.After(e.now()) {
		return &Outcome{State: StateSkipped,
			Reason: fmt.Sprintf("muted until %s", lead.MutedUntil.Format(time.RFC3339))}
	}

	if p := MatchesAny(text, e.policy.SkipPatterns); p != "" {
		return &Outcome{State: StateSkipped, Reason: fmt.Sprintf("skip pattern %q", p)}
	}

	firstContact := e.isFirstContact(ctx, msg.ConversationID)

	// First contact bypasses rate limiting entirely.
	if !firstContact && e.policy.RateLimit > 0 {
		if limited, err := e.rateLimited(ctx, msg, decision.ID); err != nil {
			e.log.Warn().Err(err).Msg("rate-limit check failed open")
		} else if limited {
			return &Outcome{State: StateSkipped,
				Reason: fmt.Sprintf("rate limited: under %s since last auto-reply", e.policy.RateLimit)}
		}
	}

	// Escalation outranks the hours gate: a high-risk message must reach a
	// human no matter when it arrives.
	if p := MatchesAny(text, e.policy.EscalatePatterns); p != "" {
		return e.escalate(ctx, msg, fmt.Sprintf("escalate pattern %q", p))
	}
	if risky, why := HighRisk(text); risky {
		return e.escalate(ctx, msg, why)
	}

	// Business hours are advisory and never apply to first contact.
	if !firstContact {
		allowAfterHours := lead != nil && lead.AllowAfterHours
		leadTZ := ""
		if lead != nil {
			leadTZ = lead.Timezone
		}
		ok, err := e.policy.Hours.Allows(e.now(), leadTZ, allowAfterHours)
		if err != nil {
			e.log.Warn().Err(err).Msg("business-hours check failed open")
		} else if !ok {
			return &Outcome{State: StateSkipped, Reason: "outside business hours"}
		}
	}

	return e.reply(ctx, msg, decision, firstContact)
}

// escalate creates a human-attention task and, when policy allows, sends a
// brief acknowledgment. It never auto-replies with generated content.
func (e *Engine) escalate(ctx context.Context, msg InboundMessage, reason string) *Outcome {
	taskID, err := e.tasks.Create(ctx, msg.LeadID, msg.ConversationID, reason,
		truncate(msg.Text, auditTruncate))
	if err != nil {
		e.log.Error().Err(err).Uint("conversation", msg.ConversationID).
			Msg("human task creation failed during escalation")
	}

	if e.policy.EscalationAck && e.policy.AckText != "" {
		_, ackErr := e.ledger.Send(ctx, outbound.SendOpts{
			ConversationID:   msg.ConversationID,
			ContactID:        msg.ContactID,
			LeadID:           msg.LeadID,
			Destination:      msg.Destination,
			Content:          e.policy.AckText,
			Channel:          msg.Channel,
			TriggerMessageID: msg.ProviderMessageID,
			ReplyType:        models.ReplyManual,
		})
		if ackErr != nil {
			e.log.Warn().Err(ackErr).Msg("escalation acknowledgment send failed")
		}
	}

	return &Outcome{State: StateEscalated, Reason: reason, TaskID: taskID}
}

// reply runs the retrieval guard, generates (or falls back), and hands the
// result to the outbound ledger with the triggering inbound id attached.
func (e *Engine) reply(ctx context.Context, msg InboundMessage, decision *models.ReplyDecision, firstContact bool) *Outcome {
	grounding := ""
	if e.retrieval != nil {
		if res, err := e.retrieval.Query(ctx, msg.Text); err != nil {
			e.log.Warn().Err(err).Msg("retrieval guard failed; replying ungrounded")
		} else if res != nil {
			decision.RetrievalFound = res.Found
			decision.RetrievalScore = res.Score
			if res.Found {
				grounding = res.Context
			}
		}
	}

	replyText, usedFallback := e.generate(ctx, msg, grounding, firstContact)

	replyType := models.ReplyAnswer
	if firstContact {
		replyType = models.ReplyGreeting
	}
	res, err := e.ledger.Send(ctx, outbound.SendOpts{
		ConversationID:   msg.ConversationID,
		ContactID:        msg.ContactID,
		LeadID:           msg.LeadID,
		Destination:      msg.Destination,
		Content:          replyText,
		Channel:          msg.Channel,
		TriggerMessageID: msg.ProviderMessageID,
		ReplyType:        replyType,
	})
	if err != nil {
		taskID, taskErr := e.tasks.Create(ctx, msg.LeadID, msg.ConversationID,
			"auto-reply send failed", err.Error())
		if taskErr != nil {
			e.log.Error().Err(taskErr).Msg("last-resort human task creation failed")
		}
		return &Outcome{State: StateFailed, Reason: fmt.Sprintf("send failed: %v", err),
			ReplyText: replyText, UsedFallback: usedFallback, TaskID: taskID}
	}
	if res.WasDuplicate {
		return &Outcome{State: StateReplied, Reason: "duplicate send suppressed",
			ReplyText: replyText, UsedFallback: usedFallback}
	}
	return &Outcome{State: StateReplied, ReplyText: replyText, UsedFallback: usedFallback}
}

// generate asks the AI capability for a reply, replacing failures and
// unusable output with a keyword-classified fallback. The returned text is
// never empty.
func (e *Engine) generate(ctx context.Context, msg InboundMessage, grounding string, firstContact bool) (string, bool) {
	if e.generator == nil {
		return FallbackReply(msg.Text), true
	}
	reply, err := e.generator.Generate(ctx, GenerateRequest{
		ConversationID: msg.ConversationID,
		ContactID:      msg.ContactID,
		Channel:        msg.Channel,
		InboundText:    msg.Text,
		Grounding:      grounding,
		FirstContact:   firstContact,
	})
	if err != nil {
		e.log.Warn().Err(err).Msg("generation failed; using fallback reply")
		return FallbackReply(msg.Text), true
	}
	if Unusable(reply) {
		e.log.Warn().Str("reply", truncate(reply, 120)).
			Msg("generated reply unusable; using fallback")
		return FallbackReply(msg.Text), true
	}
	return reply, false
}

// alreadyReplied reports whether this exact inbound message already reached
// a replied decision or a sent ledger row.
func (e *Engine) alreadyReplied(ctx context.Context, providerMessageID string, currentDecisionID uint) (bool, error) {
	var n int64
	err := e.db.WithContext(ctx).Model(&models.ReplyDecision{}).
		Where("provider_message_id = ? AND decision = ? AND id <> ?",
			providerMessageID, models.DecisionReplied, currentDecisionID).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("autoreply: already-replied check: %w", err)
	}
	if n > 0 {
		return true, nil
	}
	err = e.db.WithContext(ctx).Model(&models.OutboundSend{}).
		Where("trigger_message_id = ? AND status = ?", providerMessageID, models.SendSent).
		Count(&n).Error
	if err != nil {
		return false, fmt.Errorf("autoreply: already-sent check: %w", err)
	}
	return n > 0, nil
}

// rateLimited reports whether an auto-reply happened on this lead (or, for
// leadless threads, this conversation) inside the minimum interval.
func (e *Engine) rateLimited(ctx context.Context, msg InboundMessage, currentDecisionID uint) (bool, error) {
	cutoff := e.now().Add(-e.policy.RateLimit)
	q := e.db.WithContext(ctx).Model(&models.ReplyDecision{}).
		Where("decision = ? AND updated_at > ? AND id <> ?",
			models.DecisionReplied, cutoff, currentDecisionID)
	if msg.LeadID != nil {
		q = q.Where("lead_id = ?", *msg.LeadID)
	} else {
		q = q.Where("conversation_id = ?", msg.ConversationID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, fmt.Errorf("autoreply: rate-limit check: %w", err)
	}
	return n > 0, nil
}

// isFirstContact reports whether this is the first inbound message ever on
// this conversation. The caller records the inbound message before invoking
// the engine, so a count of one means first contact.
func (e *Engine) isFirstContact(ctx context.Context, conversationID uint) bool {
	n, err := e.registry.InboundCount(ctx, conversationID)
	if err != nil {
		e.log.Warn().Err(err).Msg("first-contact check failed; assuming follow-up")
		return false
	}
	return n <= 1
}

// leadPolicy fetches the lead's policy snapshot through a short-lived cache.
func (e *Engine) leadPolicy(ctx context.Context, leadID *uint) *models.Lead {
	if leadID == nil {
		return nil
	}
	key := fmt.Sprintf("lead:%d", *leadID)
	if cached, ok := e.leads.Get(key); ok {
		return cached.(*models.Lead)
	}
	var lead models.Lead
	if err := e.db.WithContext(ctx).First(&lead, *leadID).Error; err != nil {
		e.log.Warn().Err(err).Uint("lead", *leadID).Msg("lead policy lookup failed")
		return nil
	}
	e.leads.Set(key, &lead, cache.DefaultExpiration)
	return &lead
}

// finalize writes the terminal decision back to the audit row.
func (e *Engine) finalize(ctx context.Context, decision *models.ReplyDecision, outcome *Outcome) {
	final := models.DecisionSkipped
	outcomeText := ""
	switch outcome.State {
	case StateReplied:
		final = models.DecisionReplied
		outcomeText = "sent"
	case StateEscalated:
		final = models.DecisionNotifiedHuman
	case StateFailed:
		final = models.DecisionFailed
		outcomeText = "failed"
	}
	updates := map[string]interface{}{
		"decision":        final,
		"reason":          truncate(outcome.Reason, 256),
		"used_fallback":   outcome.UsedFallback,
		"retrieval_found": decision.RetrievalFound,
		"retrieval_score": decision.RetrievalScore,
		"reply_text":      truncate(outcome.ReplyText, auditTruncate),
		"send_outcome":    outcomeText,
	}
	if err := e.db.WithContext(ctx).Model(&models.ReplyDecision{}).
		Where("id = ?", decision.ID).Updates(updates).Error; err != nil {
		e.log.Error().Err(err).Uint("decision", decision.ID).Msg("failed to finalize decision audit row")
	}
}

// truncate clips s to at most max runes. The byte-length check is a fast
// path: a string of max bytes or fewer can never exceed max runes.
func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
