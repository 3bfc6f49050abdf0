// Package logger provides structured logging for the broker using zerolog.
//
// Usage:
//
//	logger.Initialize("info", false) // production: JSON output
//	logger.Initialize("debug", true) // development: pretty output
//
//	logger.Hub().Info().Str("account_id", acct).Msg("connected")
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Log is the global logger instance. Use the component helpers below for
// anything emitted from a specific subsystem.
var Log zerolog.Logger

// Initialize configures the global logger. Call once at startup before any
// other package logs anything.
func Initialize(level string, pretty bool) {
	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(logLevel)

	if pretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		})
	} else {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	}

	Log = log.With().
		Str("service", "fleethub-broker").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

// Hub returns a logger scoped to the pub/sub hub.
func Hub() *zerolog.Logger {
	l := Log.With().Str("component", "hub").Logger()
	return &l
}

// Session returns a logger scoped to a device session.
func Session() *zerolog.Logger {
	l := Log.With().Str("component", "session").Logger()
	return &l
}

// Webhook returns a logger scoped to the webhook publisher.
func Webhook() *zerolog.Logger {
	l := Log.With().Str("component", "webhook").Logger()
	return &l
}

// Store returns a logger scoped to the external store.
func Store() *zerolog.Logger {
	l := Log.With().Str("component", "store").Logger()
	return &l
}

// HTTP returns a logger scoped to the control-plane HTTP surface.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
