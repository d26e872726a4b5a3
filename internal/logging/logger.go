package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger: human-readable console output
// in development, JSON lines elsewhere.
func Init(env string) {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	level := zerolog.InfoLevel
	if env == "development" || env == "dev" {
		level = zerolog.DebugLevel
		cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		log.Logger = zerolog.New(cw).Level(level).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", "chat-service").Logger()
}
