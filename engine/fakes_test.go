package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"mailflow/models"
	"mailflow/provider"
)

// fakeStore is an in-memory Store with the same claim and commit semantics as
// the production implementation.
type fakeStore struct {
	mu          sync.Mutex
	enrollments map[uint]*models.Enrollment
	sequences   map[uint]*models.Sequence
	contacts    map[uint]*models.Contact
	senders     map[uint]*models.Sender
	executions  []models.StepExecution
	events      []models.EmailEvent
	nextID      uint
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		enrollments: map[uint]*models.Enrollment{},
		sequences:   map[uint]*models.Sequence{},
		contacts:    map[uint]*models.Contact{},
		senders:     map[uint]*models.Sender{},
		nextID:      1,
	}
}

func (s *fakeStore) addEnrollment(enr models.Enrollment) *models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	if enr.ID == 0 {
		enr.ID = s.nextID
		s.nextID++
	}
	s.enrollments[enr.ID] = &enr
	return &enr
}

func (s *fakeStore) enrollment(id uint) models.Enrollment {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.enrollments[id]
}

func (s *fakeStore) addEvent(ev models.EmailEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *fakeStore) addExecution(exec models.StepExecution) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions = append(s.executions, exec)
}

func (s *fakeStore) executionsFor(enrollmentID uint) []models.StepExecution {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.StepExecution
	for _, exec := range s.executions {
		if exec.EnrollmentID == enrollmentID {
			out = append(out, exec)
		}
	}
	return out
}

func (s *fakeStore) eventsOfKind(kind string) []models.EmailEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.EmailEvent
	for _, ev := range s.events {
		if ev.Kind == kind {
			out = append(out, ev)
		}
	}
	return out
}

func (s *fakeStore) DueEnrollmentIDs(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []uint
	for id, enr := range s.enrollments {
		if enr.Status != models.EnrollmentActive {
			continue
		}
		if enr.WakeAt != nil && enr.WakeAt.After(now) {
			continue
		}
		ids = append(ids, id)
		if len(ids) == limit {
			break
		}
	}
	return ids, nil
}

func (s *fakeStore) ClaimEnrollment(ctx context.Context, id uint, token string, now time.Time) (*models.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[id]
	if !ok {
		return nil, fmt.Errorf("enrollment %d not found", id)
	}
	if enr.Status != models.EnrollmentActive || (enr.WakeAt != nil && enr.WakeAt.After(now)) {
		return nil, ErrNotEligible
	}
	if enr.ProcessingAt != nil {
		return nil, ErrConcurrencyConflict
	}
	enr.ProcessingAt = &now
	enr.ClaimToken = token
	copied := *enr
	return &copied, nil
}

func (s *fakeStore) ReleaseClaim(ctx context.Context, id uint, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	enr, ok := s.enrollments[id]
	if !ok || enr.ClaimToken != token {
		return nil
	}
	enr.ProcessingAt = nil
	enr.ClaimToken = ""
	return nil
}

func (s *fakeStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return nil, fmt.Errorf("sequence %d not found", id)
	}
	copied := *seq
	return &copied, nil
}

func (s *fakeStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	contact, ok := s.contacts[id]
	if !ok {
		return nil, fmt.Errorf("contact %d not found", id)
	}
	copied := *contact
	return &copied, nil
}

func (s *fakeStore) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sender, ok := s.senders[id]
	if !ok {
		return nil, fmt.Errorf("sender %d not found", id)
	}
	copied := *sender
	return &copied, nil
}

func (s *fakeStore) HasStepExecution(ctx context.Context, enrollmentID uint, stepID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, exec := range s.executions {
		if exec.EnrollmentID == enrollmentID && exec.StepID == stepID {
			return true, nil
		}
	}
	return false, nil
}

func (s *fakeStore) SentEventFor(ctx context.Context, enrollmentID uint, stepID string) (*models.EmailEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.EnrollmentID == enrollmentID && ev.RelatedStepID == stepID && ev.Kind == models.EventSent {
			return &ev, nil
		}
	}
	return nil, nil
}

func (s *fakeStore) CountRepliesBetween(ctx context.Context, contactID, sequenceID uint, after, until time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, ev := range s.events {
		if ev.Kind != models.EventReplied || ev.ContactID != contactID || ev.SequenceID != sequenceID {
			continue
		}
		if ev.CreatedAt.After(after) && !ev.CreatedAt.After(until) {
			n++
		}
	}
	return n, nil
}

func (s *fakeStore) CommitTransition(ctx context.Context, enr *models.Enrollment, claimToken string, exec *models.StepExecution, events []models.EmailEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.enrollments[enr.ID]
	if !ok || current.ClaimToken != claimToken {
		return ErrConcurrencyConflict
	}
	committed := *enr
	committed.ProcessingAt = nil
	committed.ClaimToken = ""
	s.enrollments[enr.ID] = &committed
	if exec != nil {
		for _, existing := range s.executions {
			if existing.EnrollmentID == exec.EnrollmentID && existing.StepID == exec.StepID {
				return fmt.Errorf("duplicate step execution (%d, %s)", exec.EnrollmentID, exec.StepID)
			}
		}
		s.executions = append(s.executions, *exec)
	}
	s.events = append(s.events, events...)
	return nil
}

func (s *fakeStore) CreateEnrollment(ctx context.Context, enr *models.Enrollment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.enrollments {
		if existing.SequenceID == enr.SequenceID && existing.ContactID == enr.ContactID {
			return false, nil
		}
	}
	enr.ID = s.nextID
	s.nextID++
	copied := *enr
	s.enrollments[enr.ID] = &copied
	return true, nil
}

func (s *fakeStore) IncrementSenderUsage(ctx context.Context, senderID uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sender, ok := s.senders[senderID]; ok {
		sender.SentToday++
		sender.TotalSent++
	}
	return nil
}

// fakeAdapter records sends and replays scripted errors.
type fakeAdapter struct {
	mu         sync.Mutex
	sent       []provider.OutgoingMessage
	sendErrs   []error // consumed one per Send call, nil entries succeed
	history    []provider.ThreadMessage
	historyErr error
	headersErr error
	sendSeq    int
}

func (a *fakeAdapter) Send(ctx context.Context, msg provider.OutgoingMessage) (*provider.SendResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.sendErrs) > 0 {
		err := a.sendErrs[0]
		a.sendErrs = a.sendErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	a.sendSeq++
	a.sent = append(a.sent, msg)
	threadID := msg.ThreadID
	if threadID == "" {
		threadID = fmt.Sprintf("thread-%d", a.sendSeq)
	}
	return &provider.SendResult{
		MessageID: fmt.Sprintf("msg-%d", a.sendSeq),
		ThreadID:  threadID,
	}, nil
}

func (a *fakeAdapter) GetThreadHistory(ctx context.Context, senderID uint, threadID string) ([]provider.ThreadMessage, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.historyErr != nil {
		return nil, a.historyErr
	}
	return a.history, nil
}

func (a *fakeAdapter) GetMessageHeaders(ctx context.Context, senderID uint, messageID string) (*provider.MessageHeaders, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.headersErr != nil {
		return nil, a.headersErr
	}
	return &provider.MessageHeaders{MessageIDHeader: "<" + messageID + "@mail.example.com>"}, nil
}

func (a *fakeAdapter) sentMessages() []provider.OutgoingMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]provider.OutgoingMessage, len(a.sent))
	copy(out, a.sent)
	return out
}
