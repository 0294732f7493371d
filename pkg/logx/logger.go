package logx

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Options controls logger initialisation.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // console or json
	Out    io.Writer
}

// DefaultOptions logs info and above to stderr in console format.
var DefaultOptions = Options{Level: "info", Format: "console"}

func safe(opts ...Options) Options {
	if len(opts) == 0 {
		return DefaultOptions
	}
	return opts[0]
}

// Init replaces the global logger.
func Init(opts ...Options) {
	o := safe(opts...)
	out := o.Out
	if out == nil {
		out = os.Stderr
	}

	var l zerolog.Logger
	if strings.EqualFold(o.Format, "json") {
		l = zerolog.New(out).With().Timestamp().Logger()
	} else {
		l = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}).With().Timestamp().Logger()
	}
	log.Logger = l.Level(ParseLevel(o.Level))
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

func Debug() *zerolog.Event {
	return log.Debug()
}

func Info() *zerolog.Event {
	return log.Info()
}

func Warn() *zerolog.Event {
	return log.Warn()
}

func Error() *zerolog.Event {
	return log.Error()
}
