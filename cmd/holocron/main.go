package main

import (
	"context"

	"github.com/joho/godotenv"

	"holocron/internal/app"
	"holocron/pkg/config"
	"holocron/pkg/logger"
	"holocron/pkg/shutdown"
)

// build metadata - set via ldflags during build/release
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	// .env first so HOLOCRON_* overrides apply to the config merge
	_ = godotenv.Load(".env")
	logger.Init()

	flags := config.ParseConfigFlags()
	eff, err := config.LoadEffective(flags)
	if err != nil {
		shutdown.Abort("failed to load config", err, flags.DB, 0)
	}

	a, err := app.New(eff, version, commit, buildDate)
	if err != nil {
		shutdown.Abort("startup failed", err, eff.DBPath, 0)
	}

	ctx, cancel := shutdown.SetupSignalHandler(context.Background())
	defer cancel()

	if err := a.Run(ctx); err != nil {
		shutdown.Abort("server exited", err, eff.DBPath)
	}
}
