package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"mailflow/engine"
	"mailflow/models"
)

// A claim older than this is treated as abandoned by a crashed worker and may
// be taken over.
const staleClaimAfter = 10 * time.Minute

// GormStore implements engine.Store on GORM/Postgres.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

func (s *GormStore) DueEnrollmentIDs(ctx context.Context, now time.Time, limit int) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("status = ? AND (wake_at IS NULL OR wake_at <= ?)", models.EnrollmentActive, now).
		Order("id").
		Limit(limit).
		Pluck("id", &ids).Error
	return ids, err
}

// ClaimEnrollment flips the processing marker in one conditional UPDATE that
// re-checks status and due time, so a pause or a competing claim committed
// moments earlier wins. RowsAffected tells the losers apart from the
// ineligible.
func (s *GormStore) ClaimEnrollment(ctx context.Context, id uint, token string, now time.Time) (*models.Enrollment, error) {
	res := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND status = ? AND (wake_at IS NULL OR wake_at <= ?) AND (processing_at IS NULL OR processing_at < ?)",
			id, models.EnrollmentActive, now, now.Add(-staleClaimAfter)).
		Updates(map[string]interface{}{
			"processing_at": now,
			"claim_token":   token,
		})
	if res.Error != nil {
		return nil, res.Error
	}
	if res.RowsAffected == 0 {
		var enr models.Enrollment
		if err := s.db.WithContext(ctx).First(&enr, id).Error; err != nil {
			return nil, err
		}
		if enr.Status != models.EnrollmentActive || (enr.WakeAt != nil && enr.WakeAt.After(now)) {
			return nil, engine.ErrNotEligible
		}
		return nil, engine.ErrConcurrencyConflict
	}

	var enr models.Enrollment
	if err := s.db.WithContext(ctx).First(&enr, id).Error; err != nil {
		return nil, err
	}
	return &enr, nil
}

func (s *GormStore) ReleaseClaim(ctx context.Context, id uint, token string) error {
	return s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("id = ? AND claim_token = ?", id, token).
		Updates(map[string]interface{}{
			"processing_at": nil,
			"claim_token":   "",
		}).Error
}

func (s *GormStore) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	if err := s.db.WithContext(ctx).First(&seq, id).Error; err != nil {
		return nil, err
	}
	return &seq, nil
}

func (s *GormStore) GetContact(ctx context.Context, id uint) (*models.Contact, error) {
	var contact models.Contact
	if err := s.db.WithContext(ctx).First(&contact, id).Error; err != nil {
		return nil, err
	}
	return &contact, nil
}

func (s *GormStore) GetSender(ctx context.Context, id uint) (*models.Sender, error) {
	var sender models.Sender
	if err := s.db.WithContext(ctx).First(&sender, id).Error; err != nil {
		return nil, err
	}
	return &sender, nil
}

func (s *GormStore) HasStepExecution(ctx context.Context, enrollmentID uint, stepID string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.StepExecution{}).
		Where("enrollment_id = ? AND step_id = ?", enrollmentID, stepID).
		Count(&count).Error
	return count > 0, err
}

func (s *GormStore) SentEventFor(ctx context.Context, enrollmentID uint, stepID string) (*models.EmailEvent, error) {
	var event models.EmailEvent
	err := s.db.WithContext(ctx).
		Where("enrollment_id = ? AND related_step_id = ? AND kind = ?", enrollmentID, stepID, models.EventSent).
		Order("created_at ASC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &event, nil
}

func (s *GormStore) CountRepliesBetween(ctx context.Context, contactID, sequenceID uint, after, until time.Time) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).
		Model(&models.EmailEvent{}).
		Where("contact_id = ? AND sequence_id = ? AND kind = ? AND created_at > ? AND created_at <= ?",
			contactID, sequenceID, models.EventReplied, after, until).
		Count(&count).Error
	return count, err
}

// CommitTransition writes the enrollment mutation, the StepExecution and the
// events in one transaction, guarded by the claim token. A crash between any
// of these writes rolls back all of them.
func (s *GormStore) CommitTransition(ctx context.Context, enr *models.Enrollment, claimToken string, exec *models.StepExecution, events []models.EmailEvent) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&models.Enrollment{}).
			Where("id = ? AND claim_token = ?", enr.ID, claimToken).
			Updates(map[string]interface{}{
				"current_step_id":        enr.CurrentStepID,
				"status":                 enr.Status,
				"wake_at":                enr.WakeAt,
				"thread_id":              enr.ThreadID,
				"last_message_id_header": enr.LastMessageIDHeader,
				"last_email_sent_at":     enr.LastEmailSentAt,
				"failure_count":          enr.FailureCount,
				"last_error":             enr.LastError,
				"processing_at":          nil,
				"claim_token":            "",
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return engine.ErrConcurrencyConflict
		}

		if exec != nil {
			if err := tx.Create(exec).Error; err != nil {
				return err
			}
		}
		for i := range events {
			if err := tx.Create(&events[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *GormStore) CreateEnrollment(ctx context.Context, enr *models.Enrollment) (bool, error) {
	var existing int64
	err := s.db.WithContext(ctx).
		Model(&models.Enrollment{}).
		Where("sequence_id = ? AND contact_id = ?", enr.SequenceID, enr.ContactID).
		Count(&existing).Error
	if err != nil {
		return false, err
	}
	if existing > 0 {
		return false, nil
	}
	if err := s.db.WithContext(ctx).Create(enr).Error; err != nil {
		return false, err
	}
	return true, nil
}

func (s *GormStore) IncrementSenderUsage(ctx context.Context, senderID uint) error {
	return s.db.WithContext(ctx).
		Model(&models.Sender{}).
		Where("id = ?", senderID).
		Updates(map[string]interface{}{
			"sent_today": gorm.Expr("sent_today + 1"),
			"total_sent": gorm.Expr("total_sent + 1"),
		}).Error
}

// ResetDailySenderCounters zeroes sent_today for all senders, called at local
// midnight by the sequence worker.
func (s *GormStore) ResetDailySenderCounters(ctx context.Context) error {
	return s.db.WithContext(ctx).
		Model(&models.Sender{}).
		Where("sent_today > 0").
		Update("sent_today", 0).Error
}
