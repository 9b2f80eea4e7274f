package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"mailflow/models"
	"mailflow/provider"
	"mailflow/utils"
)

// Outcome classifies the result of one enrollment transition.
type Outcome string

const (
	OutcomeAdvanced  Outcome = "advanced"
	OutcomeWaiting   Outcome = "waiting"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeSkipped   Outcome = "skipped"
)

// Result reports what Advance did for one enrollment.
type Result struct {
	Outcome    Outcome
	StepID     string // step that was executed
	StepKind   string
	NextStepID string
	WakeAt     *time.Time
	Reason     string
}

// Config bounds the engine's retry behavior.
type Config struct {
	SendAttempts    int           // provider call attempts within one Advance
	RetryBackoff    time.Duration // wake offset after exhausted transient failures
	MaxFailures     int           // consecutive failures before the enrollment fails
	CapacityBackoff time.Duration // wake offset when the sender is out of daily capacity
	TrackingBaseURL string        // public base URL for open/click tracking links
}

func defaultConfig() Config {
	return Config{
		SendAttempts:    3,
		RetryBackoff:    15 * time.Minute,
		MaxFailures:     5,
		CapacityBackoff: time.Hour,
	}
}

// Engine orchestrates single-enrollment step transitions. All collaborators
// are injected so tests can substitute in-memory fakes.
type Engine struct {
	store     Store
	adapter   provider.Adapter
	evaluator *ConditionEvaluator
	logger    *logrus.Logger
	cfg       Config
	now       func() time.Time
}

// Option customizes an Engine.
type Option func(*Engine)

// WithConfig overrides the default retry bounds.
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		if cfg.SendAttempts > 0 {
			e.cfg.SendAttempts = cfg.SendAttempts
		}
		if cfg.RetryBackoff > 0 {
			e.cfg.RetryBackoff = cfg.RetryBackoff
		}
		if cfg.MaxFailures > 0 {
			e.cfg.MaxFailures = cfg.MaxFailures
		}
		if cfg.CapacityBackoff > 0 {
			e.cfg.CapacityBackoff = cfg.CapacityBackoff
		}
		if cfg.TrackingBaseURL != "" {
			e.cfg.TrackingBaseURL = cfg.TrackingBaseURL
		}
	}
}

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

func New(store Store, adapter provider.Adapter, logger *logrus.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		adapter:   adapter,
		evaluator: NewConditionEvaluator(store),
		logger:    logger,
		cfg:       defaultConfig(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Advance executes exactly one step transition for the enrollment. It claims
// the enrollment first, so two overlapping invocations for the same ID cannot
// both run: the loser gets a skipped result.
func (e *Engine) Advance(ctx context.Context, enrollmentID uint) (*Result, error) {
	now := e.now()
	token := uuid.New().String()

	enr, err := e.store.ClaimEnrollment(ctx, enrollmentID, token, now)
	if errors.Is(err, ErrConcurrencyConflict) {
		return &Result{Outcome: OutcomeSkipped, Reason: "claimed by another worker"}, nil
	}
	if errors.Is(err, ErrNotEligible) {
		return &Result{Outcome: OutcomeSkipped, Reason: "not eligible"}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim enrollment %d: %w", enrollmentID, err)
	}

	res, err := e.advanceClaimed(ctx, enr, token, now)
	if err != nil {
		// No transition committed; free the claim for the next cycle.
		if relErr := e.store.ReleaseClaim(ctx, enr.ID, token); relErr != nil {
			e.logger.WithError(relErr).WithField("enrollment_id", enr.ID).Warn("failed to release claim")
		}
		return nil, err
	}
	return res, nil
}

func (e *Engine) advanceClaimed(ctx context.Context, enr *models.Enrollment, token string, now time.Time) (*Result, error) {
	seq, err := e.store.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return nil, fmt.Errorf("load sequence %d: %w", enr.SequenceID, err)
	}

	step, ok := seq.StepByID(enr.CurrentStepID)
	if !ok {
		derr := &DataIntegrityError{SequenceID: seq.ID, StepID: enr.CurrentStepID, Detail: "current step not in sequence"}
		return e.failEnrollment(ctx, enr, token, enr.CurrentStepID, "", derr.Error(), now)
	}

	log := e.logger.WithFields(logrus.Fields{
		"enrollment_id": enr.ID,
		"sequence_id":   seq.ID,
		"step_id":       step.ID,
		"step_kind":     step.Kind,
	})

	switch step.Kind {
	case models.StepKindDelay:
		return e.executeDelay(ctx, enr, seq, step, token, now, log)
	case models.StepKindCondition:
		return e.executeCondition(ctx, enr, seq, step, token, now, log)
	case models.StepKindEmail:
		return e.executeEmail(ctx, enr, seq, step, token, now, log)
	default:
		derr := &DataIntegrityError{SequenceID: seq.ID, StepID: step.ID, Detail: "unknown step kind " + step.Kind}
		return e.failEnrollment(ctx, enr, token, step.ID, step.Kind, derr.Error(), now)
	}
}

// executeDelay computes the wake time and moves the enrollment to the delay's
// unconditional successor. Waiting is modeled purely as data: the enrollment
// is simply not selectable until wake_at elapses.
func (e *Engine) executeDelay(ctx context.Context, enr *models.Enrollment, seq *models.Sequence, step *models.SequenceStep, token string, now time.Time, log *logrus.Entry) (*Result, error) {
	res := ResolveNext(seq, step.ID, nil)
	switch res.Kind {
	case ResolvedUnresolvable:
		derr := &DataIntegrityError{SequenceID: seq.ID, StepID: step.ID, Detail: res.Detail}
		return e.failEnrollment(ctx, enr, token, step.ID, step.Kind, derr.Error(), now)
	case ResolvedTerminal:
		return e.completeEnrollment(ctx, enr, token, step, now, log)
	}

	wake := now.Add(time.Duration(step.DelayMinutes) * time.Minute)
	enr.CurrentStepID = res.NextStepID
	enr.WakeAt = &wake
	exec, err := e.executionUnlessRecorded(ctx, enr.ID, step.ID, models.ExecutionWaiting, now)
	if err != nil {
		return nil, err
	}

	if err := e.store.CommitTransition(ctx, enr, token, exec, nil); err != nil {
		return nil, fmt.Errorf("commit delay transition: %w", err)
	}
	log.WithField("wake_at", wake).Info("enrollment waiting")
	return &Result{Outcome: OutcomeWaiting, StepID: step.ID, StepKind: step.Kind, NextStepID: res.NextStepID, WakeAt: &wake}, nil
}

// executeCondition evaluates the branch predicate and routes to the stored
// branch target. Condition steps consume no time: wake_at stays nil so the
// chain continues within the same cycle.
func (e *Engine) executeCondition(ctx context.Context, enr *models.Enrollment, seq *models.Sequence, step *models.SequenceStep, token string, now time.Time, log *logrus.Entry) (*Result, error) {
	branch, err := e.evaluator.Evaluate(ctx, step.PredicateKind, enr, step.ReferenceStepID, now)
	if err != nil {
		if errors.Is(err, ErrMissingAnchor) {
			return e.failEnrollment(ctx, enr, token, step.ID, step.Kind, err.Error(), now)
		}
		return nil, fmt.Errorf("evaluate condition %q: %w", step.ID, err)
	}

	res := ResolveNext(seq, step.ID, &branch)
	switch res.Kind {
	case ResolvedUnresolvable:
		derr := &DataIntegrityError{SequenceID: seq.ID, StepID: step.ID, Detail: res.Detail}
		return e.failEnrollment(ctx, enr, token, step.ID, step.Kind, derr.Error(), now)
	case ResolvedTerminal:
		return e.completeEnrollment(ctx, enr, token, step, now, log)
	}

	enr.CurrentStepID = res.NextStepID
	enr.WakeAt = nil
	exec, err := e.executionUnlessRecorded(ctx, enr.ID, step.ID, models.ExecutionAdvanced, now)
	if err != nil {
		return nil, err
	}

	if err := e.store.CommitTransition(ctx, enr, token, exec, nil); err != nil {
		return nil, fmt.Errorf("commit condition transition: %w", err)
	}
	log.WithFields(logrus.Fields{"predicate": step.PredicateKind, "outcome": branch, "next_step": res.NextStepID}).Info("condition evaluated")
	return &Result{Outcome: OutcomeAdvanced, StepID: step.ID, StepKind: step.Kind, NextStepID: res.NextStepID}, nil
}

// executeEmail dispatches the step's message and advances to the successor.
// The committed StepExecution for (enrollment, step) is checked first so a
// retried or concurrent invocation can never re-send.
func (e *Engine) executeEmail(ctx context.Context, enr *models.Enrollment, seq *models.Sequence, step *models.SequenceStep, token string, now time.Time, log *logrus.Entry) (*Result, error) {
	already, err := e.store.HasStepExecution(ctx, enr.ID, step.ID)
	if err != nil {
		return nil, fmt.Errorf("check step execution: %w", err)
	}
	if already {
		log.Warn("step already executed, skipping send")
		return e.advancePastEmail(ctx, enr, seq, step, token, nil, nil, now, log)
	}

	contact, err := e.store.GetContact(ctx, enr.ContactID)
	if err != nil {
		return nil, fmt.Errorf("load contact %d: %w", enr.ContactID, err)
	}
	sender, err := e.store.GetSender(ctx, seq.SenderID)
	if err != nil {
		return nil, fmt.Errorf("load sender %d: %w", seq.SenderID, err)
	}

	if sender.SentToday >= sender.DailyLimit {
		wake := now.Add(e.cfg.CapacityBackoff)
		enr.WakeAt = &wake
		if err := e.store.CommitTransition(ctx, enr, token, nil, nil); err != nil {
			return nil, fmt.Errorf("commit capacity backoff: %w", err)
		}
		log.WithField("sender_id", sender.ID).Warn("sender daily limit reached, deferring")
		return &Result{Outcome: OutcomeWaiting, StepID: step.ID, StepKind: step.Kind, WakeAt: &wake, Reason: "sender capacity"}, nil
	}

	subject := utils.RenderTemplate(step.Subject, contact)
	body := utils.RenderTemplate(step.BodyTemplate, contact)

	trackingToken := ""
	if step.TrackingEnabled && e.cfg.TrackingBaseURL != "" {
		trackingToken = utils.GenerateTrackingToken()
		body = utils.InjectTracking(body, e.cfg.TrackingBaseURL, trackingToken)
	}

	msg := provider.OutgoingMessage{
		SenderID: sender.ID,
		From:     provider.Address{Name: sender.FromName, Email: sender.FromEmail},
		To:       provider.Address{Name: contact.DisplayName(), Email: contact.Email},
		Subject:  subject,
		BodyHTML: body,
	}

	degraded := false
	degradedReason := ""
	if step.ReplyToThread && enr.ThreadID != "" {
		msg.ThreadID = enr.ThreadID
		msg.InReplyTo = enr.LastMessageIDHeader
		msg.References = enr.LastMessageIDHeader
		msg.Subject = ReplySubject(subject)

		history, histErr := e.fetchHistoryWithRetry(ctx, sender.ID, enr.ThreadID)
		if histErr != nil {
			// Send proceeds without quoted history, but the degradation is
			// recorded on the execution and the event. Never swallowed.
			degraded = true
			degradedReason = histErr.Error()
			log.WithError(histErr).Warn("thread history fetch failed, sending without quoted history")
		} else if len(history) > 0 {
			last := history[len(history)-1]
			msg.BodyHTML = BuildReplyBody(msg.BodyHTML, &last)
		}
	}

	sendRes, sendErr := e.sendWithRetry(ctx, msg)
	if sendErr != nil {
		return e.handleSendFailure(ctx, enr, step, token, sendErr, now, log)
	}

	headers, hdrErr := e.adapter.GetMessageHeaders(ctx, sender.ID, sendRes.MessageID)
	messageIDHeader := ""
	if hdrErr != nil {
		// Threading for the next follow-up degrades to thread-ID-only; the
		// miss is recorded rather than dropped.
		degraded = true
		if degradedReason != "" {
			degradedReason += "; "
		}
		degradedReason += "message-id capture failed: " + hdrErr.Error()
		log.WithError(hdrErr).Warn("failed to capture Message-ID header")
	} else {
		messageIDHeader = headers.MessageIDHeader
	}

	enr.ThreadID = sendRes.ThreadID
	enr.LastMessageIDHeader = messageIDHeader
	enr.LastEmailSentAt = &now
	enr.WakeAt = nil
	enr.FailureCount = 0
	enr.LastError = nil

	exec := e.newExecution(enr.ID, step.ID, models.ExecutionSent, now)
	exec.Degraded = degraded
	exec.FailureReason = degradedReason

	eventData, _ := json.Marshal(map[string]interface{}{
		"thread_id":         sendRes.ThreadID,
		"message_id_header": messageIDHeader,
		"degraded":          degraded,
		"degraded_reason":   degradedReason,
	})
	event := models.EmailEvent{
		ContactID:     enr.ContactID,
		SequenceID:    enr.SequenceID,
		EnrollmentID:  enr.ID,
		Kind:          models.EventSent,
		RelatedStepID: step.ID,
		MessageID:     sendRes.MessageID,
		TrackingToken: trackingToken,
		EventData:     string(eventData),
	}
	event.CreatedAt = now

	res, err := e.advancePastEmail(ctx, enr, seq, step, token, exec, []models.EmailEvent{event}, now, log)
	if err != nil {
		return nil, err
	}

	if err := e.store.IncrementSenderUsage(ctx, sender.ID); err != nil {
		log.WithError(err).Warn("failed to increment sender usage")
	}
	log.WithFields(logrus.Fields{"message_id": sendRes.MessageID, "thread_id": sendRes.ThreadID, "degraded": degraded}).Info("email sent")
	return res, nil
}

// advancePastEmail resolves and persists the email step's successor. Called on
// the success path and on the idempotent re-entry path (exec and events nil).
func (e *Engine) advancePastEmail(ctx context.Context, enr *models.Enrollment, seq *models.Sequence, step *models.SequenceStep, token string, exec *models.StepExecution, events []models.EmailEvent, now time.Time, log *logrus.Entry) (*Result, error) {
	res := ResolveNext(seq, step.ID, nil)
	switch res.Kind {
	case ResolvedUnresolvable:
		derr := &DataIntegrityError{SequenceID: seq.ID, StepID: step.ID, Detail: res.Detail}
		enr.Status = models.EnrollmentFailed
		enr.LastError = utils.Pointer(derr.Error())
		enr.WakeAt = nil
		if err := e.store.CommitTransition(ctx, enr, token, exec, events); err != nil {
			return nil, fmt.Errorf("commit failed transition: %w", err)
		}
		log.WithField("reason", derr.Error()).Error("enrollment failed")
		return &Result{Outcome: OutcomeFailed, StepID: step.ID, StepKind: step.Kind, Reason: derr.Error()}, nil
	case ResolvedTerminal:
		enr.Status = models.EnrollmentCompleted
		enr.WakeAt = nil
		if err := e.store.CommitTransition(ctx, enr, token, exec, events); err != nil {
			return nil, fmt.Errorf("commit completion: %w", err)
		}
		log.Info("enrollment completed")
		return &Result{Outcome: OutcomeCompleted, StepID: step.ID, StepKind: step.Kind}, nil
	}

	enr.CurrentStepID = res.NextStepID
	if err := e.store.CommitTransition(ctx, enr, token, exec, events); err != nil {
		return nil, fmt.Errorf("commit email transition: %w", err)
	}
	return &Result{Outcome: OutcomeAdvanced, StepID: step.ID, StepKind: step.Kind, NextStepID: res.NextStepID}, nil
}

// handleSendFailure translates a classified provider error into enrollment
// state: transient errors back off and stay active until the consecutive
// failure cap, permanent errors fail immediately.
func (e *Engine) handleSendFailure(ctx context.Context, enr *models.Enrollment, step *models.SequenceStep, token string, sendErr error, now time.Time, log *logrus.Entry) (*Result, error) {
	if provider.IsTransient(sendErr) {
		enr.FailureCount++
		if enr.FailureCount < e.cfg.MaxFailures {
			wake := now.Add(e.cfg.RetryBackoff)
			enr.WakeAt = &wake
			enr.LastError = utils.Pointer(sendErr.Error())
			if err := e.store.CommitTransition(ctx, enr, token, nil, nil); err != nil {
				return nil, fmt.Errorf("commit retry backoff: %w", err)
			}
			log.WithError(sendErr).WithField("failure_count", enr.FailureCount).Warn("transient send failure, will retry")
			return &Result{Outcome: OutcomeWaiting, StepID: step.ID, StepKind: step.Kind, WakeAt: &wake, Reason: sendErr.Error()}, nil
		}
		reason := fmt.Sprintf("exhausted %d consecutive attempts: %v", enr.FailureCount, sendErr)
		return e.failEnrollment(ctx, enr, token, step.ID, step.Kind, reason, now)
	}
	return e.failEnrollment(ctx, enr, token, step.ID, step.Kind, sendErr.Error(), now)
}

func (e *Engine) completeEnrollment(ctx context.Context, enr *models.Enrollment, token string, step *models.SequenceStep, now time.Time, log *logrus.Entry) (*Result, error) {
	enr.Status = models.EnrollmentCompleted
	enr.WakeAt = nil
	exec, err := e.executionUnlessRecorded(ctx, enr.ID, step.ID, models.ExecutionAdvanced, now)
	if err != nil {
		return nil, err
	}
	if err := e.store.CommitTransition(ctx, enr, token, exec, nil); err != nil {
		return nil, fmt.Errorf("commit completion: %w", err)
	}
	log.Info("enrollment completed")
	return &Result{Outcome: OutcomeCompleted, StepID: step.ID, StepKind: step.Kind}, nil
}

func (e *Engine) failEnrollment(ctx context.Context, enr *models.Enrollment, token, stepID, stepKind, reason string, now time.Time) (*Result, error) {
	enr.Status = models.EnrollmentFailed
	enr.LastError = utils.Pointer(reason)
	enr.WakeAt = nil
	if err := e.store.CommitTransition(ctx, enr, token, nil, nil); err != nil {
		return nil, fmt.Errorf("commit failure: %w", err)
	}
	e.logger.WithFields(logrus.Fields{"enrollment_id": enr.ID, "step_id": stepID, "reason": reason}).Error("enrollment failed")
	return &Result{Outcome: OutcomeFailed, StepID: stepID, StepKind: stepKind, Reason: reason}, nil
}

// executionUnlessRecorded builds the execution record for a step, or nil when
// one already exists. Authored graphs may legitimately route back through a
// condition or delay; the append-only record stays one row per (enrollment,
// step) either way.
func (e *Engine) executionUnlessRecorded(ctx context.Context, enrollmentID uint, stepID, outcome string, now time.Time) (*models.StepExecution, error) {
	already, err := e.store.HasStepExecution(ctx, enrollmentID, stepID)
	if err != nil {
		return nil, fmt.Errorf("check step execution: %w", err)
	}
	if already {
		return nil, nil
	}
	return e.newExecution(enrollmentID, stepID, outcome, now), nil
}

func (e *Engine) newExecution(enrollmentID uint, stepID, outcome string, now time.Time) *models.StepExecution {
	return &models.StepExecution{
		EnrollmentID: enrollmentID,
		StepID:       stepID,
		Outcome:      outcome,
		AttemptToken: uuid.New().String(),
		ExecutedAt:   now,
	}
}

// sendWithRetry makes up to cfg.SendAttempts provider calls, backing off
// briefly between transient failures. Permanent errors abort immediately.
func (e *Engine) sendWithRetry(ctx context.Context, msg provider.OutgoingMessage) (*provider.SendResult, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.SendAttempts; attempt++ {
		res, err := e.adapter.Send(ctx, msg)
		if err == nil {
			return res, nil
		}
		lastErr = err
		if !provider.IsTransient(err) {
			return nil, err
		}
		if attempt < e.cfg.SendAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(time.Duration(attempt) * time.Second):
			}
		}
	}
	return nil, lastErr
}

// fetchHistoryWithRetry fetches the thread once and retries once on failure.
func (e *Engine) fetchHistoryWithRetry(ctx context.Context, senderID uint, threadID string) ([]provider.ThreadMessage, error) {
	history, err := e.adapter.GetThreadHistory(ctx, senderID, threadID)
	if err == nil {
		return history, nil
	}
	return e.adapter.GetThreadHistory(ctx, senderID, threadID)
}

// EnrollContacts creates enrollments at the sequence's entry step. Contacts
// already enrolled, unsubscribed, bounced or marked do-not-contact are skipped.
func (e *Engine) EnrollContacts(ctx context.Context, sequenceID uint, contactIDs []uint) (created, skipped int, err error) {
	seq, err := e.store.GetSequence(ctx, sequenceID)
	if err != nil {
		return 0, 0, fmt.Errorf("load sequence %d: %w", sequenceID, err)
	}
	if _, ok := seq.StepByID(seq.EntryStepID); !ok {
		return 0, 0, &DataIntegrityError{SequenceID: seq.ID, StepID: seq.EntryStepID, Detail: "entry step not in sequence"}
	}

	for _, contactID := range contactIDs {
		contact, err := e.store.GetContact(ctx, contactID)
		if err != nil {
			return created, skipped, fmt.Errorf("load contact %d: %w", contactID, err)
		}
		if contact.IsUnsubscribed || contact.IsBounced || contact.IsDoNotContact {
			skipped++
			continue
		}

		enr := &models.Enrollment{
			SequenceID:    seq.ID,
			ContactID:     contact.ID,
			UserID:        seq.UserID,
			CurrentStepID: seq.EntryStepID,
			Status:        models.EnrollmentActive,
		}
		ok, err := e.store.CreateEnrollment(ctx, enr)
		if err != nil {
			return created, skipped, fmt.Errorf("enroll contact %d: %w", contactID, err)
		}
		if ok {
			created++
		} else {
			skipped++
		}
	}
	return created, skipped, nil
}
