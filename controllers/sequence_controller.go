package controller

import (
	"github.com/badoux/checkmail"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailflow/engine"
	"mailflow/models"
	"mailflow/utils"
)

type SequenceController struct {
	DB     *gorm.DB
	Engine *engine.Engine
	Poller *engine.Poller
	Logger *logrus.Logger
}

func NewSequenceController(db *gorm.DB, eng *engine.Engine, poller *engine.Poller, logger *logrus.Logger) *SequenceController {
	return &SequenceController{
		DB:     db,
		Engine: eng,
		Poller: poller,
		Logger: logger,
	}
}

// EnrollContacts enrolls the given contacts at the sequence's entry step.
func (sc *SequenceController) EnrollContacts(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	sequenceID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence id",
		})
	}

	var input struct {
		ContactIDs []uint `json:"contact_ids" validate:"required,min=1"`
	}
	if err := c.BodyParser(&input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if err := utils.ValidateStruct(input); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	var sequence models.Sequence
	if err := sc.DB.Where("id = ? AND user_id = ?", sequenceID, user.ID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}
	if sequence.Status != "active" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Sequence is not active",
		})
	}

	// Drop contacts whose address doesn't even parse before they reach the
	// engine; bounced/unsubscribed flags are checked there.
	eligible := make([]uint, 0, len(input.ContactIDs))
	invalid := 0
	for _, contactID := range input.ContactIDs {
		var contact models.Contact
		if err := sc.DB.Where("id = ? AND user_id = ?", contactID, user.ID).First(&contact).Error; err != nil {
			invalid++
			continue
		}
		if err := checkmail.ValidateFormat(contact.Email); err != nil {
			sc.Logger.WithFields(logrus.Fields{"contact_id": contactID, "email": contact.Email}).Warn("skipping contact with invalid email")
			invalid++
			continue
		}
		eligible = append(eligible, contactID)
	}

	created, skipped, err := sc.Engine.EnrollContacts(c.UserContext(), sequence.ID, eligible)
	if err != nil {
		utils.LogError("enroll_contacts", err, map[string]interface{}{
			"sequence_id": sequence.ID,
			"user_id":     user.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to enroll contacts",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Contacts enrolled",
		"created": created,
		"skipped": skipped + invalid,
	})
}

// RunScheduler triggers one poller batch. Safe to call while a periodic run
// is in flight: claims serialize per enrollment.
func (sc *SequenceController) RunScheduler(c *fiber.Ctx) error {
	var input struct {
		BatchSize int `json:"batch_size"`
	}
	if err := c.BodyParser(&input); err != nil && len(c.Body()) > 0 {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}
	if input.BatchSize <= 0 {
		input.BatchSize = 100
	}

	counts, err := sc.Poller.ProcessDue(c.UserContext(), input.BatchSize)
	if err != nil {
		utils.LogError("scheduler_run", err, nil)
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Scheduler run failed",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Scheduler run completed",
		"counts":  counts,
	})
}

// AdvanceEnrollment advances a single enrollment outside batch selection,
// honoring the same claim and idempotency rules.
func (sc *SequenceController) AdvanceEnrollment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	enrollmentID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment id",
		})
	}

	var enrollment models.Enrollment
	if err := sc.DB.Where("id = ? AND user_id = ?", enrollmentID, user.ID).First(&enrollment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	}

	result, err := sc.Poller.ProcessSingle(c.UserContext(), enrollment.ID)
	if err != nil {
		utils.LogError("advance_enrollment", err, map[string]interface{}{
			"enrollment_id": enrollment.ID,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to advance enrollment",
		})
	}

	return c.JSON(fiber.Map{
		"outcome":      result.Outcome,
		"step_id":      result.StepID,
		"next_step_id": result.NextStepID,
		"wake_at":      result.WakeAt,
		"reason":       result.Reason,
	})
}

// PauseEnrollment suspends an active enrollment. The engine's claim re-checks
// status atomically, so a pause committed here takes effect before the next
// advance.
func (sc *SequenceController) PauseEnrollment(c *fiber.Ctx) error {
	return sc.setEnrollmentStatus(c, models.EnrollmentActive, models.EnrollmentPaused, "Enrollment paused")
}

// ResumeEnrollment reactivates a paused enrollment.
func (sc *SequenceController) ResumeEnrollment(c *fiber.Ctx) error {
	return sc.setEnrollmentStatus(c, models.EnrollmentPaused, models.EnrollmentActive, "Enrollment resumed")
}

func (sc *SequenceController) setEnrollmentStatus(c *fiber.Ctx, from, to, message string) error {
	user := c.Locals("user").(*models.User)
	enrollmentID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment id",
		})
	}

	res := sc.DB.Model(&models.Enrollment{}).
		Where("id = ? AND user_id = ? AND status = ?", enrollmentID, user.ID, from).
		Update("status", to)
	if res.Error != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update enrollment",
		})
	}
	if res.RowsAffected == 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Enrollment is not " + from,
		})
	}

	return c.JSON(fiber.Map{
		"message": message,
	})
}

// GetEnrollment returns an enrollment with its execution history and events.
func (sc *SequenceController) GetEnrollment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)
	enrollmentID, err := c.ParamsInt("id")
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment id",
		})
	}

	var enrollment models.Enrollment
	if err := sc.DB.Where("id = ? AND user_id = ?", enrollmentID, user.ID).First(&enrollment).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
	}

	var executions []models.StepExecution
	sc.DB.Where("enrollment_id = ?", enrollment.ID).Order("executed_at").Find(&executions)

	var events []models.EmailEvent
	sc.DB.Where("enrollment_id = ?", enrollment.ID).Order("created_at").Find(&events)

	return c.JSON(fiber.Map{
		"enrollment": enrollment,
		"executions": executions,
		"events":     events,
	})
}
