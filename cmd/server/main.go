package main

import (
	"database/sql"
	"log"
	"os"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"

	"github.com/quillhealth/chartminder/internal/config"
	"github.com/quillhealth/chartminder/router"
)

func main() {
	log.Println("Starting chartminder API server...")

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

	r := router.NewGinRouter(pg, rdb)

	addr := ":" + config.App.Port
	log.Printf("Listening on %s", addr)
	if err := r.Run(addr); err != nil {
		log.Fatalf("Server failed: %v", err)
	}
}
