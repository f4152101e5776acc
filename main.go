package main

import (
	"log"
	"os"
	"strings"
	"time"

	"glossa_back/authorization"
	"glossa_back/chat"
	"glossa_back/retrieval"
	"glossa_back/threads"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
)

func mustLoadEnv() {
	_ = godotenv.Load()
}

func corsConfig() cors.Config {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "X-Stream")
	cfg.MaxAge = 12 * time.Hour

	origins := strings.TrimSpace(os.Getenv("ALLOWED_ORIGINS"))
	if origins == "" {
		cfg.AllowAllOrigins = true
		return cfg
	}
	for _, origin := range strings.Split(origins, ",") {
		if trimmed := strings.TrimSpace(origin); trimmed != "" {
			cfg.AllowOrigins = append(cfg.AllowOrigins, trimmed)
		}
	}
	return cfg
}

func main() {
	mustLoadEnv()

	r := gin.Default()
	r.Use(cors.New(corsConfig()))

	auth, err := authorization.RegisterRoutes(r)
	if err != nil {
		log.Fatalf("register auth routes: %v", err)
	}

	threadModule, err := threads.RegisterRoutes(r, auth.Guard())
	if err != nil {
		log.Fatalf("register thread routes: %v", err)
	}

	retrievalModule, err := retrieval.RegisterRoutes(r, auth.Guard(), threadModule.Store())
	if err != nil {
		log.Fatalf("register retrieval routes: %v", err)
	}

	if _, err := chat.RegisterRoutes(r, auth.Guard(), retrievalModule.Pipeline()); err != nil {
		log.Fatalf("register chat routes: %v", err)
	}

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	if err := r.Run(":" + port); err != nil {
		log.Fatalf("start server: %v", err)
	}
}
