// Package logging provides a shared logger and log utilities to be used in all internal packages.
package logging

import (
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
)

// L is the global logger for command line applications. Use the server logs
// from a request context where possible, so that log lines carry the
// request and organization fields.
var L = zerolog.New(os.Stderr).With().Timestamp().Logger()

func isTerminal() bool {
	return isatty.IsTerminal(os.Stderr.Fd())
}

// UseServerLogger changes L to a logger appropriate for long running daemons.
// Writes JSON to stderr unless stderr is a terminal.
func UseServerLogger() {
	if !isTerminal() {
		return
	}
	writer := zerolog.ConsoleWriter{
		Out:         os.Stderr,
		TimeFormat:  time.Kitchen,
		FormatLevel: consoleFormatLevel,
	}
	L = zerolog.New(writer).With().Timestamp().Logger()
}

// SetLevel parses levelName and sets the level of the global logger.
func SetLevel(levelName string) error {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		return err
	}
	L = L.Level(level)
	return nil
}

func Debugf(format string, args ...interface{}) {
	L.Debug().CallerSkipFrame(1).Msgf(format, args...)
}

func Infof(format string, args ...interface{}) {
	L.Info().CallerSkipFrame(1).Msgf(format, args...)
}

func Warnf(format string, args ...interface{}) {
	L.Warn().CallerSkipFrame(1).Msgf(format, args...)
}

func Errorf(format string, args ...interface{}) {
	L.Error().CallerSkipFrame(1).Msgf(format, args...)
}

// consoleFormatLevel is copied from zerolog/console.go to modify the
// names and colors used for levels.
func consoleFormatLevel(i interface{}) string {
	noColor := !isTerminal()
	l, ok := i.(string)
	if !ok {
		return fmt.Sprintf("%v", i)
	}

	switch l {
	case zerolog.LevelTraceValue:
		l = colorize("TRACE", colorMagenta, noColor)
	case zerolog.LevelDebugValue:
		l = colorize("DEBUG", colorYellow, noColor)
	case zerolog.LevelInfoValue:
		l = colorize("INFO ", colorGreen, noColor)
	case zerolog.LevelWarnValue:
		l = colorize("WARN ", colorRed, noColor)
	case zerolog.LevelErrorValue:
		l = colorize(colorize("ERROR", colorRed, noColor), colorBold, noColor)
	case zerolog.LevelFatalValue:
		l = colorize(colorize("FATAL", colorRed, noColor), colorBold, noColor)
	case zerolog.LevelPanicValue:
		l = colorize(colorize("PANIC", colorRed, noColor), colorBold, noColor)
	default:
		l = colorize("?????", colorBold, noColor)
	}
	return l
}

// nolint:unused,deadcode,varcheck
const (
	colorBlack = iota + 30
	colorRed
	colorGreen
	colorYellow
	colorBlue
	colorMagenta
	colorCyan
	colorWhite

	colorBold     = 1
	colorDarkGray = 90
)

// colorize returns the string s wrapped in ANSI code c, unless disabled is true.
// Copied from zerolog/console.go
func colorize(s interface{}, c int, disabled bool) string {
	if disabled {
		return fmt.Sprintf("%s", s)
	}
	return fmt.Sprintf("\x1b[%dm%v\x1b[0m", c, s)
}
