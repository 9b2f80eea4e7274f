package controller

import (
	"time"

	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"mailflow/models"
)

type sequenceProgress struct {
	SequenceID uint           `json:"sequence_id"`
	Statuses   map[string]int `json:"statuses"`
	Sent       int64          `json:"sent"`
	Opened     int64          `json:"opened"`
	Clicked    int64          `json:"clicked"`
	Replied    int64          `json:"replied"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HandleSequenceProgressWS streams enrollment status and event counts for a
// sequence until the client disconnects. The first message from the client
// selects the sequence; after that the connection is push-only.
func HandleSequenceProgressWS(db *gorm.DB, logger *logrus.Logger) func(*websocket.Conn) {
	return func(c *websocket.Conn) {
		defer c.Close()

		var input struct {
			SequenceID uint `json:"sequence_id"`
		}
		if err := c.ReadJSON(&input); err != nil {
			logger.WithError(err).Debug("progress ws: bad subscribe message")
			return
		}
		if input.SequenceID == 0 {
			return
		}

		ticker := time.NewTicker(3 * time.Second)
		defer ticker.Stop()

		for {
			progress, err := collectProgress(db, input.SequenceID)
			if err != nil {
				logger.WithError(err).Warn("progress ws: query failed")
				return
			}
			if err := c.WriteJSON(progress); err != nil {
				return
			}
			<-ticker.C
		}
	}
}

func collectProgress(db *gorm.DB, sequenceID uint) (*sequenceProgress, error) {
	progress := &sequenceProgress{
		SequenceID: sequenceID,
		Statuses:   map[string]int{},
		UpdatedAt:  time.Now(),
	}

	var rows []struct {
		Status string
		Count  int
	}
	if err := db.Model(&models.Enrollment{}).
		Select("status, count(*) as count").
		Where("sequence_id = ?", sequenceID).
		Group("status").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		progress.Statuses[row.Status] = row.Count
	}

	counts := map[string]*int64{
		models.EventSent:    &progress.Sent,
		models.EventOpened:  &progress.Opened,
		models.EventClicked: &progress.Clicked,
		models.EventReplied: &progress.Replied,
	}
	for kind, dest := range counts {
		if err := db.Model(&models.EmailEvent{}).
			Where("sequence_id = ? AND kind = ?", sequenceID, kind).
			Count(dest).Error; err != nil {
			return nil, err
		}
	}

	return progress, nil
}
