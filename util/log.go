package util

import (
	"context"
	"io"
	"path/filepath"

	log "github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

type ctxKey string

const (
	// SessionKey tags a context with the installer session it serves
	SessionKey ctxKey = "session"
	// IdentifierKey tags a context with the release item a pipeline works on
	IdentifierKey ctxKey = "identifier"
)

// WithSession returns ctx tagged with an installer session id
func WithSession(ctx context.Context, session string) context.Context {
	return context.WithValue(ctx, SessionKey, session)
}

// WithIdentifier returns ctx tagged with a release item identifier
func WithIdentifier(ctx context.Context, identifier string) context.Context {
	return context.WithValue(ctx, IdentifierKey, identifier)
}

// InitLog parses and sets log-level input
func InitLog(logLevel string, logPath string) error {
	level, err := log.ParseLevel(logLevel)
	if err != nil {
		log.Errorf("Failed parsing log-level %s: %s", logLevel, err)
		return err
	}

	if logPath != "" && logPath != "console" {
		lumberjackLogger := &lumberjack.Logger{
			// Log file absolute path, os agnostic
			Filename:   filepath.ToSlash(logPath),
			MaxSize:    5, // MB
			MaxBackups: 10,
			MaxAge:     30, // days
			Compress:   true,
		}
		log.SetOutput(io.Writer(lumberjackLogger))
	}

	log.SetFormatter(&CustomFormatter{})
	log.SetLevel(level)
	return nil
}

// CustomFormatter adds the session and identifier carried by an entry's context
type CustomFormatter struct {
	log.TextFormatter
}

func (f *CustomFormatter) Format(entry *log.Entry) ([]byte, error) {
	if entry.Context == nil {
		return f.TextFormatter.Format(entry)
	}

	if session, ok := entry.Context.Value(SessionKey).(string); ok {
		entry.Data["session"] = session
	}
	if identifier, ok := entry.Context.Value(IdentifierKey).(string); ok {
		entry.Data["identifier"] = identifier
	}
	return f.TextFormatter.Format(entry)
}
