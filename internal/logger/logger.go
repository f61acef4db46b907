// Package logger configures the process-wide structured logger.
package logger

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

var Log zerolog.Logger

// Initialize sets up the global logger. Call once at process start.
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
		Str("service", "zajel-relay").
		Logger()

	Log.Info().
		Str("level", logLevel.String()).
		Bool("pretty", pretty).
		Msg("logger initialized")
}

func GetLogger() *zerolog.Logger {
	return &Log
}

// Session scopes logs to the session multiplexer.
func Session() *zerolog.Logger {
	l := Log.With().Str("component", "session").Logger()
	return &l
}

// Pairing scopes logs to the pairing registry.
func Pairing() *zerolog.Logger {
	l := Log.With().Str("component", "pairing").Logger()
	return &l
}

// Rendezvous scopes logs to the rendezvous registry.
func Rendezvous() *zerolog.Logger {
	l := Log.With().Str("component", "rendezvous").Logger()
	return &l
}

// ChunkRelay scopes logs to the chunk relay.
func ChunkRelay() *zerolog.Logger {
	l := Log.With().Str("component", "chunkrelay").Logger()
	return &l
}

// ChannelFanout scopes logs to channel/live-stream fan-out.
func ChannelFanout() *zerolog.Logger {
	l := Log.With().Str("component", "channelfanout").Logger()
	return &l
}

// Federation scopes logs to the hash ring and gossip layer.
func Federation() *zerolog.Logger {
	l := Log.With().Str("component", "federation").Logger()
	return &l
}

// Attestation scopes logs to the attestation gateway.
func Attestation() *zerolog.Logger {
	l := Log.With().Str("component", "attestation").Logger()
	return &l
}

// Storage scopes logs to the durable storage layer.
func Storage() *zerolog.Logger {
	l := Log.With().Str("component", "storage").Logger()
	return &l
}

// HTTP scopes logs to the admin/health HTTP surface.
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}
