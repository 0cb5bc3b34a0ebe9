package main

import (
	"fmt"
	"os"

	"nutjar/internal/config"
	"nutjar/internal/logger"
	"nutjar/server"
	"nutjar/wallet/storage"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error loading config: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(cfg.LogFile)

	if err := os.MkdirAll(cfg.DBPath, 0700); err != nil {
		log.Error("error creating db directory: %v", err)
		os.Exit(1)
	}
	db, err := storage.InitBolt(cfg.DBPath)
	if err != nil {
		log.Error("error opening proof ledger: %v", err)
		os.Exit(1)
	}
	defer db.Close()

	srv := server.New(cfg, db, log)
	if err := srv.Start(); err != nil {
		log.Error("server stopped: %v", err)
		os.Exit(1)
	}
}
