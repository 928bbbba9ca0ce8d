// Package logging configures the global zerolog logger shared by every binary.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	FormatJSON    = "json"
	FormatConsole = "console"
)

// ParseLevel maps a case-insensitive level name onto a zerolog level. An empty name means info.
func ParseLevel(name string) (zerolog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(name)) {
	case "TRACE":
		return zerolog.TraceLevel, nil
	case "DEBUG":
		return zerolog.DebugLevel, nil
	case "", "INFO":
		return zerolog.InfoLevel, nil
	case "WARN", "WARNING":
		return zerolog.WarnLevel, nil
	case "ERROR":
		return zerolog.ErrorLevel, nil
	case "FATAL":
		return zerolog.FatalLevel, nil
	case "PANIC":
		return zerolog.PanicLevel, nil
	case "DISABLED", "OFF":
		return zerolog.Disabled, nil
	}

	return zerolog.NoLevel, fmt.Errorf("unknown log level %q", name)
}

// Init sets the global level and output format and tags every line with the service name.
func Init(service, level, format string) error {
	return initTo(os.Stdout, service, level, format)
}

func initTo(out io.Writer, service, level, format string) error {
	lvl, err := ParseLevel(level)
	if err != nil {
		return err
	}
	zerolog.SetGlobalLevel(lvl)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	switch strings.ToLower(format) {
	case "", FormatJSON:
	case FormatConsole:
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: "02-01-2006 15:04:05.000",
			FormatLevel: func(i interface{}) string {
				return strings.ToUpper(fmt.Sprintf("%-6s", i))
			},
		}
	default:
		return fmt.Errorf("unknown log format %q", format)
	}

	log.Logger = zerolog.New(out).With().Timestamp().Str("service", service).Logger()

	return nil
}
