package main

import (
	"log"

	"umrah_chat_service/internal/stubserver"
	"umrah_chat_service/pkg/config"
	"umrah_chat_service/pkg/logger"
)

func main() {
	logger.Log = logger.Initialize("stub_server", config.EnvConfig.StubServerLogPath)
	cfg := config.LoadConfig[config.StubServer]("stub_server", config.EnvConfig.StubServerYAMLPath)

	hub := stubserver.NewHub(logger.Log)
	app := stubserver.NewApp(hub, []byte(cfg.JWTSecret))

	port := ":" + cfg.Port
	log.Printf("Stub chat backend listening on %s", port)
	if err := app.Listen(port); err != nil {
		log.Fatalf("Failed to start Fiber: %v", err)
	}
}
