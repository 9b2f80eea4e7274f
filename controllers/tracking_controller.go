package controller

import (
	"encoding/base64"
	"encoding/json"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailflow/models"
	"mailflow/utils"
)

// 1x1 transparent gif.
var trackingPixel, _ = base64.StdEncoding.DecodeString("R0lGODlhAQABAIAAAAAAAP///yH5BAEAAAAALAAAAAABAAEAAAIBRAA7")

type TrackingController struct {
	DB     *gorm.DB
	Logger *logrus.Logger
}

func NewTrackingController(db *gorm.DB, logger *logrus.Logger) *TrackingController {
	return &TrackingController{DB: db, Logger: logger}
}

// TrackOpen serves the tracking pixel and appends an OPENED event keyed by
// the token embedded at send time. Unknown tokens still get the pixel so the
// recipient sees nothing odd.
func (tc *TrackingController) TrackOpen(c *fiber.Ctx) error {
	token := c.Params("token")
	if token != "" {
		tc.appendEvent(token, models.EventOpened, map[string]interface{}{
			"user_agent": c.Get("User-Agent"),
		})
	}

	c.Set("Content-Type", "image/gif")
	c.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	return c.Send(trackingPixel)
}

// TrackClick appends a CLICKED event and forwards to the original URL.
func (tc *TrackingController) TrackClick(c *fiber.Ctx) error {
	token := c.Params("token")
	target := c.Query("url")
	if target == "" {
		return c.Status(fiber.StatusBadRequest).SendString("missing url")
	}

	if token != "" {
		tc.appendEvent(token, models.EventClicked, map[string]interface{}{
			"url":        target,
			"user_agent": c.Get("User-Agent"),
		})
	}

	return c.Redirect(target, fiber.StatusFound)
}

// HandleEventWebhook ingests provider event notifications. Events are only
// ever appended; the engine reads them, nothing rewrites them.
func (tc *TrackingController) HandleEventWebhook(c *fiber.Ctx) error {
	var input struct {
		EventType string `json:"event_type" validate:"required,oneof=open click reply"`
		MessageID string `json:"message_id" validate:"required"`
		Timestamp int64  `json:"timestamp"`
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

	var sent models.EmailEvent
	if err := tc.DB.Where("kind = ? AND message_id = ?", models.EventSent, input.MessageID).
		First(&sent).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Unknown message",
		})
	}

	kind := models.EventOpened
	switch input.EventType {
	case "click":
		kind = models.EventClicked
	case "reply":
		kind = models.EventReplied
	}

	occurredAt := time.Now()
	if input.Timestamp > 0 {
		occurredAt = time.Unix(input.Timestamp, 0)
	}

	event := models.EmailEvent{
		ContactID:     sent.ContactID,
		SequenceID:    sent.SequenceID,
		EnrollmentID:  sent.EnrollmentID,
		Kind:          kind,
		RelatedStepID: sent.RelatedStepID,
		MessageID:     input.MessageID,
	}
	event.CreatedAt = occurredAt

	err := tc.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		if kind == models.EventReplied {
			return tx.Model(&models.Enrollment{}).
				Where("id = ?", sent.EnrollmentID).
				Updates(map[string]interface{}{
					"reply_count":     gorm.Expr("reply_count + 1"),
					"last_replied_at": occurredAt,
				}).Error
		}
		return nil
	})
	if err != nil {
		utils.LogError("event_webhook", err, map[string]interface{}{
			"message_id": input.MessageID,
			"event_type": input.EventType,
		})
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to record event",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Event recorded",
	})
}

func (tc *TrackingController) appendEvent(token, kind string, data map[string]interface{}) {
	var sent models.EmailEvent
	if err := tc.DB.Where("kind = ? AND tracking_token = ?", models.EventSent, token).
		First(&sent).Error; err != nil {
		tc.Logger.WithField("token", token).Debug("tracking token not found")
		return
	}

	event := models.EmailEvent{
		ContactID:     sent.ContactID,
		SequenceID:    sent.SequenceID,
		EnrollmentID:  sent.EnrollmentID,
		Kind:          kind,
		RelatedStepID: sent.RelatedStepID,
		MessageID:     sent.MessageID,
		TrackingToken: token,
	}
	event.CreatedAt = time.Now()
	if payload, err := json.Marshal(data); err == nil {
		event.EventData = string(payload)
	}

	if err := tc.DB.Create(&event).Error; err != nil {
		utils.LogError("tracking_append", err, map[string]interface{}{
			"token": token,
			"kind":  kind,
		})
	}
}
