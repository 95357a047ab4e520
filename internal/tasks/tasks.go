// Package tasks records requests for human attention and pings the team
// about them on Slack. Notification is best-effort: a Slack outage never
// blocks or fails the task record itself.
package tasks

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fieldline/leadrelay/internal/models"
	"github.com/rs/zerolog"
	slackapi "github.com/slack-go/slack"
	"gorm.io/gorm"
)

// maxNotifyRetries is the max number of retries for rate-limited Slack calls.
const maxNotifyRetries = 2

// slackClient abstracts the Slack API methods we use, enabling test mocks.
type slackClient interface {
	PostMessage(channelID string, options ...slackapi.MsgOption) (string, string, error)
}

// Service creates human tasks. It implements autoreply.TaskCreator.
type Service struct {
	db      *gorm.DB
	slack   slackClient
	channel string
	log     zerolog.Logger
}

// ServiceOpts holds parameters for creating a Service.
type ServiceOpts struct {
	DB        *gorm.DB
	BotToken  string // xoxb-... Slack bot token; empty disables notification
	ChannelID string // channel to post escalation notices to
	Log       zerolog.Logger
	// For testing: inject a mock client instead of the real Slack API.
	Client slackClient
}

// NewService creates a Service.
func NewService(opts ServiceOpts) (*Service, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("tasks: db is required")
	}
	s := &Service{db: opts.DB, channel: opts.ChannelID, log: opts.Log}
	switch {
	case opts.Client != nil:
		s.slack = opts.Client
	case opts.BotToken != "":
		s.slack = slackapi.New(opts.BotToken)
	}
	if s.slack != nil && s.channel == "" {
		return nil, fmt.Errorf("tasks: slack channel is required when notification is enabled")
	}
	return s, nil
}

// Create records a human task and notifies the team. The task id is returned
// even when notification fails.
func (s *Service) Create(ctx context.Context, leadID *uint, conversationID uint, reason, detail string) (uint, error) {
	task := models.HumanTask{
		LeadID: leadID,
		Reason: reason,
		Detail: detail,
		Status: "open",
	}
	if conversationID != 0 {
		task.ConversationID = &conversationID
	}
	if err := s.db.WithContext(ctx).Create(&task).Error; err != nil {
		return 0, fmt.Errorf("tasks: create: %w", err)
	}

	if s.slack != nil {
		if err := s.notify(ctx, &task); err != nil {
			s.log.Warn().Err(err).Uint("task", task.ID).
				Msg("slack notification failed; task is recorded")
		}
	}
	return task.ID, nil
}

// notify posts an attachment-formatted notice to the configured channel.
func (s *Service) notify(ctx context.Context, task *models.HumanTask) error {
	att := slackapi.Attachment{
		Title:    fmt.Sprintf("Human attention needed (task #%d)", task.ID),
		Text:     task.Detail,
		Color:    "#e01e5a",
		Fallback: task.Reason,
		Fields: []slackapi.AttachmentField{
			{Title: "Reason", Value: task.Reason, Short: true},
		},
	}
	if task.ConversationID != nil {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: "Conversation", Value: fmt.Sprintf("#%d", *task.ConversationID), Short: true,
		})
	}
	if task.LeadID != nil {
		att.Fields = append(att.Fields, slackapi.AttachmentField{
			Title: "Lead", Value: fmt.Sprintf("#%d", *task.LeadID), Short: true,
		})
	}

	err := retryOnRateLimit(ctx, func() error {
		_, _, postErr := s.slack.PostMessage(s.channel, slackapi.MsgOptionAttachments(att))
		return postErr
	})
	if err != nil {
		return fmt.Errorf("tasks: post message: %w", err)
	}
	return nil
}

// retryOnRateLimit calls fn and retries on Slack rate limit errors,
// honoring the RetryAfter duration and context cancellation.
func retryOnRateLimit(ctx context.Context, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		var rle *slackapi.RateLimitedError
		if !errors.As(err, &rle) || attempt == maxNotifyRetries {
			return err
		}
		wait := rle.RetryAfter
		if wait <= 0 {
			wait = time.Second
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}
