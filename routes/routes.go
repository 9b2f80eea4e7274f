package routes

import (
	controller "mailflow/controllers"
	"mailflow/engine"
	"mailflow/middleware"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/websocket/v2"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// SetupRoutes wires the HTTP surface. The engine and poller are built in
// main so workers and handlers share the same instances.
func SetupRoutes(app *fiber.App, db *gorm.DB, eng *engine.Engine, poller *engine.Poller, log *logrus.Logger) {
	app.Get("/health", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	sequenceController := controller.NewSequenceController(db, eng, poller, log)
	trackingController := controller.NewTrackingController(db, log)

	// Public tracking endpoints. No auth: these are hit from recipient
	// mail clients.
	app.Get("/track/open/:token", trackingController.TrackOpen)
	app.Get("/track/click/:token", trackingController.TrackClick)
	app.Post("/webhooks/events", trackingController.HandleEventWebhook)

	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/:id/enroll", sequenceController.EnrollContacts)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Get("/:id", sequenceController.GetEnrollment)
	enrollment.Post("/:id/advance", sequenceController.AdvanceEnrollment)
	enrollment.Post("/:id/pause", sequenceController.PauseEnrollment)
	enrollment.Post("/:id/resume", sequenceController.ResumeEnrollment)

	// Manual scheduler trigger, rate limited per user
	api.Post("/scheduler/run", middleware.SchedulerRateLimiter(), sequenceController.RunScheduler)

	// WebSocket route for sequence progress
	app.Get("/api/v1/sequences/progress", websocket.New(controller.HandleSequenceProgressWS(db, log)))

	app.Use(func(c *fiber.Ctx) error {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error":   "Not Found",
			"message": "The requested resource was not found",
		})
	})

	log.Info("routes initialized")
}
