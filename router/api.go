package router

import (
	"database/sql"

	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"

	"github.com/quillhealth/chartminder/handlers"
	"github.com/quillhealth/chartminder/internal/config"
	"github.com/quillhealth/chartminder/services"
)

func NewGinRouter(pg *sql.DB, redis *redis.Client) *gin.Engine {
	r := gin.Default()

	r.Use(handlers.CORSMiddleware())

	// Initialize services
	policyService := services.NewPolicyService(pg, redis)
	documentService := services.NewDocumentService(pg)
	plannerService := services.NewReminderPlanner(pg, policyService)
	escalationManager := services.NewEscalationManager(pg)
	mailGateway := services.NewMailGatewayService()
	dispatcher := services.NewDeliveryDispatcher(pg, documentService, policyService,
		plannerService, escalationManager, mailGateway)
	jwtService := services.NewJWTService(config.App.JWTSecret)

	// Initialize handlers
	sweepHandler := handlers.NewSweepHandler(dispatcher)
	policyHandler := handlers.NewPolicyHandler(policyService)
	reminderHandler := handlers.NewReminderHandler(dispatcher)
	auth := handlers.NewAuthMiddleware(jwtService)

	// Health check
	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "ok"})
	})

	api := r.Group("/api")
	{
		// Sweep
		api.POST("/sweep", auth.RequireAuth(), sweepHandler.TriggerSweep)
		api.GET("/sweep/status", sweepHandler.SweepStatus)

		// Policies
		api.GET("/policies", policyHandler.ListPolicies)
		api.GET("/policies/effective", policyHandler.ResolvePolicy)
		api.GET("/policies/scope/:scope", policyHandler.GetPolicy)
		api.POST("/policies", auth.RequireAuth(), policyHandler.CreatePolicy)
		api.PUT("/policies/:id", auth.RequireAuth(), policyHandler.UpdatePolicy)
		api.DELETE("/policies/:id", auth.RequireAuth(), policyHandler.DeletePolicy)

		// Reminder instances (audit trail)
		api.GET("/reminders", reminderHandler.ListReminders)
		api.POST("/items/:id/cancel-reminders", auth.RequireAuth(), reminderHandler.CancelItemReminders)
	}

	return r
}
