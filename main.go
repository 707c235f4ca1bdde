package main

import (
	"context"
	"flag"
	"os"
	"strings"

	"github.com/joho/godotenv"

	"positionwatch/config"
	"positionwatch/internal/lifecycle"
	"positionwatch/logger"
)

func main() {
	log := logger.GetLogger()

	// Load environment variables from .env if present
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Warn("Error loading .env file")
	}

	configPath := flag.String("config", config.DefaultConfigPath, "Path to configuration file")
	accountsPath := flag.String("accounts", "", "Optional path to a separate accounts file")

	flag.Parse()

	cfg, err := config.LoadConfigWithAccounts(*configPath, *accountsPath)
	if err != nil {
		log.WithError(err).Error("Failed to load configuration")
		os.Exit(1)
	}

	if err := log.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output, cfg.Logging.MaxAge); err != nil {
		log.WithError(err).Error("Failed to configure logger")
		os.Exit(1)
	}

	log.WithFields(logger.Fields{
		"service":     cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": config.AppEnvironment(),
		"pid":         os.Getpid(),
	}).Info("starting positionwatch")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if strings.ToLower(cfg.Logging.Level) == "report" {
		logger.StartReport(ctx, log, cfg.Logging.ReportInterval)
	}

	if cw := cfg.Logging.CloudWatch; cw.Enabled {
		logger.InitCloudWatch(ctx, cw.Region, cw.Namespace, cw.Dashboard)
	}

	controller, err := lifecycle.NewController(cfg, lifecycle.Options{Signals: true})
	if err != nil {
		log.WithError(err).Error("Failed to create controller")
		os.Exit(1)
	}

	cmd, err := controller.Run(ctx)
	if err != nil {
		log.WithError(err).Error("monitor stopped with errors")
	}
	cancel()

	if cmd == lifecycle.CommandReload {
		log.Info("re-executing for reload")
		if err := lifecycle.Reexec(); err != nil {
			log.WithError(err).Error("reload failed")
			os.Exit(1)
		}
	}

	log.Info("positionwatch stopped")
	if err != nil {
		os.Exit(1)
	}
}
