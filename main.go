package main

import (
	"log"

	"fleetgate/config"
	"fleetgate/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	app := &server.App{}
	app.Initialize(cfg)
	if err := app.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
