// Package main runs the Sitcoin ledger service.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/R3E-Network/sitcoin/internal/app/runtime"
	"github.com/R3E-Network/sitcoin/internal/config"
)

func main() {
	configPath := flag.String("config", "", "Path to a YAML config file (overrides "+config.ConfigFileEnv+")")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := runtime.NewApplication(ctx, cfg)
	if err != nil {
		log.Fatalf("Failed to build application: %v", err)
	}

	runErr := app.Run(ctx)
	if runErr != nil {
		log.Printf("Server error: %v", runErr)
	}

	log.Println("Shutting down...")
	if err := app.Shutdown(context.Background()); err != nil {
		log.Printf("Shutdown error: %v", err)
		os.Exit(1)
	}
	if runErr != nil {
		os.Exit(1)
	}
}

// loadConfig layers the environment over the file named by -config.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		if err := os.Setenv(config.ConfigFileEnv, path); err != nil {
			return nil, err
		}
	}
	return config.Load()
}
