// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// go-kit logger that can be reconfigured at runtime.

package control

import (
	"io"
	"strings"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Logger implements log.Logger. ApplyConfig may swap the level or format
// while other goroutines are logging.
type Logger struct {
	mut sync.RWMutex
	l   log.Logger
	w   io.Writer
}

// NewLogger creates a logger writing to w using cfg's level and format.
func NewLogger(w io.Writer, cfg *Config) (*Logger, error) {
	l := &Logger{w: log.NewSyncWriter(w)}
	if err := l.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	return l, nil
}

// ApplyConfig rebuilds the underlying logger.
func (l *Logger) ApplyConfig(cfg *Config) error {
	nl, err := makeLogger(l.w, cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	l.mut.Lock()
	l.l = nl
	l.mut.Unlock()
	return nil
}

// Log logs a log line.
func (l *Logger) Log(kvps ...interface{}) error {
	l.mut.RLock()
	defer l.mut.RUnlock()
	return l.l.Log(kvps...)
}

func makeLogger(w io.Writer, lvl, format string) (log.Logger, error) {
	var l log.Logger
	switch format {
	case "json":
		l = log.NewJSONLogger(w)
	case "logfmt", "":
		l = log.NewLogfmtLogger(w)
	default:
		return nil, errors.Errorf("unknown log format %q", format)
	}
	opt, err := parseLevel(lvl)
	if err != nil {
		return nil, err
	}
	l = level.NewFilter(l, opt)

	// Logger.Log and the level wrapper add two frames over the default.
	return log.With(l, "ts", log.DefaultTimestampUTC, "caller", log.Caller(5)), nil
}

func parseLevel(lvl string) (level.Option, error) {
	switch strings.ToLower(lvl) {
	case "debug":
		return level.AllowDebug(), nil
	case "info", "":
		return level.AllowInfo(), nil
	case "warn":
		return level.AllowWarn(), nil
	case "error":
		return level.AllowError(), nil
	}
	return nil, errors.Errorf("unknown log level %q", lvl)
}
