package logging

import (
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultPath = "/var/log/hvac-director.log"

// Init sets the global logger. Output goes to path and to stderr; when path
// cannot be opened the logger falls back to stderr alone.
func Init(level zerolog.Level, path string) io.Closer {
	writers := []io.Writer{zerolog.ConsoleWriter{Out: os.Stderr}}
	var closer io.Closer = nopCloser{}

	var openErr error
	if path != "" {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			openErr = fmt.Errorf("failed to open log file: %w", err)
		} else {
			writers = append(writers, f)
			closer = f
		}
	}

	multi := zerolog.MultiLevelWriter(writers...)
	log.Logger = zerolog.New(multi).Level(level).With().Timestamp().Logger()

	if openErr != nil {
		log.Warn().Err(openErr).Str("path", path).Msg("Logging to stderr only")
	}
	if level == zerolog.DebugLevel {
		log.Debug().Msg("Log level set to DEBUG")
	}
	return closer
}

// ParseLevel accepts zerolog level names; an empty string means info.
func ParseLevel(s string) (zerolog.Level, error) {
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	return zerolog.ParseLevel(s)
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
