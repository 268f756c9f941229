// Package logging provides structured logging for the device lease coordinator.
//
// It wraps log/slog so every component logs with the same handler, level
// filtering and default fields (service, version).
//
// Configuration (config.yaml):
//
//	logging:
//	  level: "info"      # debug, info, warn, error
//	  format: "json"     # json, text
//	  output: "stdout"   # stdout, stderr, discard
//
// Usage:
//
//	logger := logging.New(cfg.Logging, version)
//	logger.Info("lease acquired", "mac", mac, "holder", holder)
//
// Never log inventory tokens or JWT secrets.
package logging
