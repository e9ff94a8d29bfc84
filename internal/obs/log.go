package obs

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	mu     sync.RWMutex
	logger = newLogger(os.Stdout)
)

func newLogger(w io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.TimestampFieldName = "ts"
	return zerolog.New(w).Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// EnableDebug globally enables debug logs.
func EnableDebug(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if v {
		logger = logger.Level(zerolog.DebugLevel)
	} else {
		logger = logger.Level(zerolog.InfoLevel)
	}
}

// SetOutput redirects all log lines to w, keeping the current level.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	lvl := logger.GetLevel()
	logger = newLogger(w).Level(lvl)
}

type Fields map[string]any

func logWith(ev *zerolog.Event, msg string, f Fields) {
	if ev == nil {
		return
	}
	for k, v := range f {
		if err, ok := v.(error); ok {
			ev = ev.Str(k, err.Error())
			continue
		}
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}

func current() zerolog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return logger
}

func Info(msg string, f Fields) {
	l := current()
	logWith(l.Info(), msg, f)
}

func Warn(msg string, f Fields) {
	l := current()
	logWith(l.Warn(), msg, f)
}

func Error(msg string, f Fields) {
	l := current()
	logWith(l.Error(), msg, f)
}

func Debug(msg string, f Fields) {
	l := current()
	logWith(l.Debug(), msg, f)
}
