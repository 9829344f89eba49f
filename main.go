package main

import (
	"io"
	"log"
	"net/http"

	"go.uber.org/zap"

	fsbackend "github.com/scanvault/scanvault/internal/backend/fs"
	sqlitebackend "github.com/scanvault/scanvault/internal/backend/sqlite"
	"github.com/scanvault/scanvault/internal/config"
	"github.com/scanvault/scanvault/internal/logging"
	"github.com/scanvault/scanvault/internal/registry"
	"github.com/scanvault/scanvault/internal/server"
)

func main() {
	cfg, err := config.Load(config.FindConfigFile())
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger, err := logging.New(cfg.LogDev)
	if err != nil {
		log.Fatalf("logger error: %v", err)
	}
	defer logger.Sync()

	var reg registry.Registry
	switch cfg.Backend {
	case "sqlite":
		reg, err = sqlitebackend.New(cfg.UploadsDir)
	case "fs", "":
		reg, err = fsbackend.New(cfg.UploadsDir)
	default:
		logger.Fatal("unknown backend", zap.String("backend", cfg.Backend))
	}
	if err != nil {
		logger.Fatal("registry backend error", zap.Error(err))
	}
	if c, ok := reg.(io.Closer); ok {
		defer c.Close()
	}

	srv := server.New(reg, server.Options{Logger: logger})

	logger.Info("scanvault starting",
		zap.String("addr", cfg.ListenAddr),
		zap.String("uploads_dir", cfg.UploadsDir),
		zap.String("backend", cfg.Backend),
	)
	if err := http.ListenAndServe(cfg.ListenAddr, srv); err != nil {
		logger.Fatal("server error", zap.Error(err))
	}
}
