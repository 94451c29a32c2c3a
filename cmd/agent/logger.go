package main

import (
	"github.com/facilityhub/meter-sync-agent/internal/config"
	"github.com/facilityhub/meter-sync-agent/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
