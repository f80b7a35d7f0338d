package main

import (
	"database/sql"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/quillhealth/chartminder/internal/config"
	"github.com/quillhealth/chartminder/services"
	"github.com/quillhealth/chartminder/workers"
)

func main() {
	log.Println("Starting chartminder workers...")

	configPath := os.Getenv("CHARTMINDER_CONFIG_PATH")
	if err := config.LoadConfig(configPath); err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	if config.App.DatabaseURL == "" {
		log.Fatal("DATABASE_URL environment variable (or config) is required")
	}

	pg, err := sql.Open("postgres", config.App.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer pg.Close()

	if err := pg.Ping(); err != nil {
		log.Fatalf("Failed to ping database: %v", err)
	}

	// Set timezone to UTC for consistent time handling
	if _, err := pg.Exec("SET TIME ZONE 'UTC'"); err != nil {
		log.Printf("Failed to set timezone to UTC: %v", err)
	}

	log.Println("Connected to database successfully")

	var rdb *redis.Client
	if config.App.RedisURL != "" {
		opts, err := redis.ParseURL(config.App.RedisURL)
		if err != nil {
			log.Printf("Invalid REDIS_URL, running without policy cache: %v", err)
		} else {
			rdb = redis.NewClient(opts)
		}
	}

	loc, err := time.LoadLocation(config.App.Timezone)
	if err != nil {
		log.Printf("Invalid timezone %q, falling back to UTC: %v", config.App.Timezone, err)
		loc = time.UTC
	}

	// Initialize services
	policyService := services.NewPolicyService(pg, rdb)
	documentService := services.NewDocumentService(pg)
	plannerService := services.NewReminderPlanner(pg, policyService)
	escalationManager := services.NewEscalationManager(pg)
	mailGateway := services.NewMailGatewayService()
	dispatcher := services.NewDeliveryDispatcher(pg, documentService, policyService,
		plannerService, escalationManager, mailGateway)
	digestAggregator := services.NewDigestAggregator(documentService, config.App.DigestLookaheadHours)

	// Initialize workers
	sweepWorker := workers.NewSweepWorker(dispatcher,
		time.Duration(config.App.SweepIntervalSeconds)*time.Second)
	digestWorker := workers.NewDigestWorker(documentService, policyService, digestAggregator,
		mailGateway, loc, workers.ParseWeekday(config.App.LockoutWarningWeekday))

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		sweepWorker.StartSweepWorker()
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		digestWorker.StartDigestWorker()
	}()

	// Wait for interrupt signal
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)

	log.Println("Workers started successfully. Press Ctrl+C to stop.")
	<-c

	log.Println("Shutting down workers...")
}
