// Package webhook receives message deliveries from the provider and drives
// them through admission, threading, and the auto-reply pipeline. The
// handler's contract with the provider is simple: any delivery we have seen
// before gets an immediate success acknowledgment so retries stop.
package webhook

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/fieldline/leadrelay/internal/autoreply"
	"github.com/fieldline/leadrelay/internal/inbound"
	"github.com/fieldline/leadrelay/internal/queue"
	"github.com/fieldline/leadrelay/internal/thread"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Decider evaluates one admitted inbound message. Implemented by
// autoreply.Engine.
type Decider interface {
	Handle(ctx context.Context, msg autoreply.InboundMessage) (*autoreply.Outcome, error)
}

// ServerOpts holds configuration for the webhook server.
type ServerOpts struct {
	Guard    *inbound.Guard
	Registry *thread.Registry
	Engine   Decider
	Queue    queue.Enqueuer // optional; CRM sync jobs are skipped without it
	Port     int
	Log      zerolog.Logger
}

// Server is the provider-facing HTTP surface.
type Server struct {
	guard    *inbound.Guard
	registry *thread.Registry
	engine   Decider
	queue    queue.Enqueuer
	port     int
	log      zerolog.Logger
}

// NewServer creates a Server.
func NewServer(opts ServerOpts) (*Server, error) {
	if opts.Guard == nil {
		return nil, fmt.Errorf("webhook: guard is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("webhook: registry is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("webhook: engine is required")
	}
	if opts.Port <= 0 {
		opts.Port = 8080
	}
	return &Server{
		guard:    opts.Guard,
		registry: opts.Registry,
		engine:   opts.Engine,
		queue:    opts.Queue,
		port:     opts.Port,
		log:      opts.Log,
	}, nil
}

// Router builds the gin router. Exposed for handler tests.
func (s *Server) Router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.POST("/webhook/:provider", s.handleDelivery)
	return router
}

// Start launches the HTTP server. It blocks until ctx is cancelled, then
// shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: s.Router(),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()
	s.log.Info().Int("port", s.port).Msg("webhook server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("webhook: %w", err)
	}
	return nil
}

// deliveryPayload is the provider's webhook body.
type deliveryPayload struct {
	MessageID        string `json:"message_id" binding:"required"`
	ContactID        string `json:"contact_id" binding:"required"`
	Channel          string `json:"channel"`
	Text             string `json:"text"`
	From             string `json:"from"` // reply address
	ExternalThreadID string `json:"external_thread_id"`
	LeadID           *uint  `json:"lead_id"`
}

// handleDelivery runs the full inbound path: admit, resolve the thread,
// record the message, and let the engine decide. Duplicates short-circuit
// before any of that with a success acknowledgment.
func (s *Server) handleDelivery(c *gin.Context) {
	providerName := c.Param("provider")

	var payload deliveryPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("invalid payload: %v", err)})
		return
	}

	ctx := c.Request.Context()
	admission, err := s.guard.Admit(ctx, providerName, payload.MessageID)
	if err != nil {
		s.log.Error().Err(err).Str("message", payload.MessageID).Msg("admission failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "admission failed"})
		return
	}
	if admission.Duplicate {
		c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		return
	}

	outcome, procErr := s.process(ctx, providerName, admission.ReceiptID, payload)
	if finErr := s.guard.Finalize(ctx, admission.ReceiptID, procErr); finErr != nil {
		s.log.Error().Err(finErr).Uint("receipt", admission.ReceiptID).Msg("finalize failed")
	}
	if procErr != nil {
		s.log.Error().Err(procErr).Str("message", payload.MessageID).Msg("delivery processing failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          "processed",
		"conversation_id": outcome.ConversationID,
		"decision":        string(outcome.State),
		"reason":          outcome.Reason,
	})
}

// deliveryOutcome is what a successfully processed delivery reports back.
type deliveryOutcome struct {
	ConversationID uint
	State          autoreply.State
	Reason         string
}

func (s *Server) process(ctx context.Context, providerName string, receiptID uint, payload deliveryPayload) (*deliveryOutcome, error) {
	raw := payload.Channel
	if raw == "" {
		raw = providerName
	}
	channel, err := thread.NormalizeChannel(raw)
	if err != nil {
		return nil, err
	}
	convID, err := s.registry.ResolveOrCreate(ctx, thread.ResolveOpts{
		ContactID:        payload.ContactID,
		Channel:          channel,
		ExternalThreadID: payload.ExternalThreadID,
		LeadID:           payload.LeadID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.guard.Bind(ctx, receiptID, convID); err != nil {
		return nil, err
	}
	if err := s.registry.RecordInbound(ctx, convID, payload.Text, payload.MessageID, time.Now()); err != nil {
		return nil, err
	}

	outcome, err := s.engine.Handle(ctx, autoreply.InboundMessage{
		Provider:          providerName,
		ProviderMessageID: payload.MessageID,
		ContactID:         payload.ContactID,
		Channel:           channel,
		Destination:       payload.From,
		Text:              payload.Text,
		ConversationID:    convID,
		LeadID:            payload.LeadID,
	})
	if err != nil {
		return nil, err
	}

	// CRM sync runs out of band; the dedupe key makes webhook retries a
	// no-op here too.
	if s.queue != nil {
		if _, qErr := s.queue.Enqueue(ctx, queue.Job{
			Kind:      "crm_sync",
			DedupeKey: fmt.Sprintf("crm:%s:%s", providerName, payload.MessageID),
			Payload: map[string]any{
				"conversation_id": convID,
				"contact_id":      payload.ContactID,
			},
		}); qErr != nil {
			s.log.Warn().Err(qErr).Uint("conversation", convID).Msg("crm sync enqueue failed")
		}
	}

	return &deliveryOutcome{ConversationID: convID, State: outcome.State, Reason: outcome.Reason}, nil
}
