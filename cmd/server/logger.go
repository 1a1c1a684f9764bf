package main

import (
	"github.com/lumix/dmrv-engine/internal/config"
	"github.com/lumix/dmrv-engine/internal/logging"
	"go.uber.org/zap"
)

func newLogger(cfg *config.Config) (*zap.Logger, error) {
	return logging.NewLogger(cfg.ServiceName)
}
