// Package delivery executes the multi-channel send-with-retry protocol
// for a single notification and performs the post-delivery cleanup.
package delivery

import (
	"context"
	"strings"
	"time"

	wbfretry "github.com/wb-go/wbf/retry"
	"github.com/wb-go/wbf/zlog"

	"notify-scheduler/internal/model"
	"notify-scheduler/pkg/webapi"
)

type webSender interface {
	AddNotification(ctx context.Context, payload webapi.AddNotificationRequest) error
}

type whatsAppSender interface {
	Send(ctx context.Context, phoneNumber, text string) error
}

type emailSender interface {
	Send(to, subject, body string) error
}

type fanoutEmitter interface {
	EmitBroadcast(ctx context.Context, payload interface{}) error
	EmitToUser(ctx context.Context, userID string, payload interface{}) error
}

type relationalStore interface {
	DeleteJob(ctx context.Context, id string) error
}

type jobStore interface {
	Delete(ctx context.Context, id string) error
}

type timerRegistry interface {
	Cancel(id string)
}

type deadLetterPublisher interface {
	Publish(job model.Job, reason string, strategy wbfretry.Strategy) error
}

// Pipeline delivers one notification across its configured channels.
// Each channel is an independent state machine (pending -> sent |
// exhausted); the retry loop re-attempts only channels still pending,
// so a channel that succeeded once is never sent twice.
type Pipeline struct {
	web      webSender
	whatsApp whatsAppSender
	email    emailSender
	emitter  fanoutEmitter
	repo     relationalStore
	store    jobStore
	timers   timerRegistry
	dlq      deadLetterPublisher // optional

	baseDelay   time.Duration
	frontendURL string
	dlqStrategy wbfretry.Strategy
}

// NewPipeline wires the delivery pipeline. dlq may be nil, in which
// case exhausted deliveries are only logged.
func NewPipeline(
	web webSender,
	whatsApp whatsAppSender,
	email emailSender,
	emitter fanoutEmitter,
	repo relationalStore,
	store jobStore,
	timers timerRegistry,
	dlq deadLetterPublisher,
	baseDelay time.Duration,
	frontendURL string,
	dlqStrategy wbfretry.Strategy,
) *Pipeline {
	return &Pipeline{
		web:         web,
		whatsApp:    whatsApp,
		email:       email,
		emitter:     emitter,
		repo:        repo,
		store:       store,
		timers:      timers,
		dlq:         dlq,
		baseDelay:   baseDelay,
		frontendURL: frontendURL,
		dlqStrategy: dlqStrategy,
	}
}

// Deliver runs the retry loop for one job and cleans up afterwards.
// durable=false is the send-now path: the job was never persisted, so
// no store or timer state is touched.
//
// Cleanup is asymmetric on purpose: the relational delete is
// best-effort (a stale audit row is sweepable later), while the
// job-store entry and the timer handle are always removed so a fired
// delivery can never leave the job looking pending or cancellable.
func (p *Pipeline) Deliver(ctx context.Context, job model.Job, durable bool) {
	if durable {
		defer func() {
			p.timers.Cancel(job.ID)
			if err := p.store.Delete(ctx, job.ID); err != nil {
				zlog.Logger.Error().Err(err).Str("id", job.ID).Msg("failed to clean up job store entry")
			}
		}()
	}

	zlog.Logger.Info().Str("id", job.ID).Msg("delivering notification")

	primarySent := false
	whatsAppSent := job.WhatsApp == nil // not required counts as done
	emailSent := job.Email == nil

	attempt := job.RetryCount

	for attempt <= job.MaxRetries {
		if !primarySent {
			if err := p.sendPrimary(ctx, job); err != nil {
				zlog.Logger.Warn().Err(err).Str("id", job.ID).Int("attempt", attempt).Msg("primary channel send failed")
			} else {
				primarySent = true
				// Fan out as soon as the backend accepted the
				// notification; connected clients should not wait for
				// the secondary channels.
				p.emit(ctx, job)
			}
		}

		if !whatsAppSent {
			text := FormatMessage(job, p.frontendURL)
			if err := p.whatsApp.Send(ctx, *job.WhatsApp, text); err != nil {
				zlog.Logger.Warn().Err(err).Str("id", job.ID).Int("attempt", attempt).Msg("whatsapp send failed")
			} else {
				whatsAppSent = true
			}
		}

		if !emailSent {
			body := FormatMessage(job, p.frontendURL)
			if err := p.email.Send(*job.Email, job.Title, body); err != nil {
				zlog.Logger.Warn().Err(err).Str("id", job.ID).Int("attempt", attempt).Msg("email send failed")
			} else {
				emailSent = true
			}
		}

		if primarySent && whatsAppSent && emailSent {
			break
		}

		attempt++
		if attempt <= job.MaxRetries {
			delay := backoff(p.baseDelay, attempt)
			zlog.Logger.Info().Str("id", job.ID).Dur("delay", delay).Int("attempt", attempt).Msg("waiting before retry")
			time.Sleep(delay)
		}
	}

	if !(primarySent && whatsAppSent && emailSent) {
		reason := pendingChannels(primarySent, whatsAppSent, emailSent)
		zlog.Logger.Error().Str("id", job.ID).Str("pending", reason).Int("maxRetries", job.MaxRetries).
			Msg("delivery exhausted retries, dropping notification")
		p.deadLetter(job, reason)
	}

	if durable {
		if err := p.repo.DeleteJob(ctx, job.ID); err != nil {
			zlog.Logger.Error().Err(err).Str("id", job.ID).Msg("failed to delete notification row after delivery")
		}
	}
}

func (p *Pipeline) sendPrimary(ctx context.Context, job model.Job) error {
	return p.web.AddNotification(ctx, webapi.AddNotificationRequest{
		ID:                  job.ID,
		UserID:              job.UserID,
		IsBroadcast:         job.IsBroadcast,
		Title:               job.Title,
		Content:             job.Content,
		Description:         job.Description,
		Type:                job.Type,
		Category:            job.Category,
		RelatedResourceID:   job.RelatedResourceID,
		RelatedResourceType: job.RelatedResourceType,
		ActionURL:           job.ActionURL,
		Metadata:            job.Metadata,
		IsSendingEmail:      job.Email != nil,
		IsSendingWhatsApp:   job.WhatsApp != nil,
	})
}

func (p *Pipeline) emit(ctx context.Context, job model.Job) {
	now := time.Now().UTC()
	payload := struct {
		model.Job
		IsRead     bool       `json:"isRead"`
		ReadAt     *time.Time `json:"readAt"`
		IsArchived bool       `json:"isArchived"`
		ArchivedAt *time.Time `json:"archivedAt"`
		SentAt     time.Time  `json:"sentAt"`
	}{Job: job, SentAt: now}

	var err error
	if job.IsBroadcast {
		err = p.emitter.EmitBroadcast(ctx, payload)
	} else {
		err = p.emitter.EmitToUser(ctx, *job.UserID, payload)
	}
	if err != nil {
		zlog.Logger.Error().Err(err).Str("id", job.ID).Msg("failed to emit fanout event")
	}
}

func (p *Pipeline) deadLetter(job model.Job, reason string) {
	if p.dlq == nil {
		return
	}

	now := time.Now().UTC()
	job.FailedAt = &now
	job.FailureReason = &reason

	if err := p.dlq.Publish(job, reason, p.dlqStrategy); err != nil {
		zlog.Logger.Error().Err(err).Str("id", job.ID).Msg("failed to publish dead letter")
	}
}

// backoff doubles the base delay per attempt. The exponent is clamped
// on both sides: a negative attempt counter on a persisted job must
// not panic the timer goroutine, and a huge retry ceiling must not
// overflow the duration into a zero sleep.
func backoff(base time.Duration, attempt int) time.Duration {
	shift := attempt - 1
	if shift < 0 {
		shift = 0
	}
	if shift > 20 {
		shift = 20
	}

	return base * (1 << shift)
}

func pendingChannels(primary, whatsApp, email bool) string {
	var pending []string
	if !primary {
		pending = append(pending, "primary")
	}
	if !whatsApp {
		pending = append(pending, "whatsapp")
	}
	if !email {
		pending = append(pending, "email")
	}

	return "unsent channels: " + strings.Join(pending, ", ")
}

// FormatMessage renders the secondary-channel text from the job's
// fields. A relative action URL is prefixed with the frontend base
// URL; an absolute one is used as is.
func FormatMessage(job model.Job, frontendURL string) string {
	var b strings.Builder

	b.WriteString("*" + job.Title + "*\n")
	b.WriteString("\n" + job.Content)

	if job.Description != nil {
		b.WriteString("\n\n_" + *job.Description + "_")
	}

	b.WriteString("\n\n---------------")
	b.WriteString("\nCategory: *" + job.Category + "*")
	b.WriteString("\nType: " + job.Type)

	if job.ActionURL != nil && len(*job.ActionURL) > 0 {
		switch {
		case strings.HasPrefix(*job.ActionURL, "/"):
			b.WriteString("\nOpen: " + frontendURL + *job.ActionURL)
		case strings.HasPrefix(*job.ActionURL, "http"):
			b.WriteString("\nOpen: " + *job.ActionURL)
		}
	}

	return b.String()
}
