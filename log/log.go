// Package log provides structured logging with a fan-out subscriber bus so the
// debug dashboard and the log-streaming socket can tail process logs live.
package log

import (
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Entry is one structured log line, delivered to every active subscriber.
type Entry struct {
	Time    time.Time `json:"time"`
	Level   string    `json:"level"`
	Message string    `json:"message"`
}

// Logger wraps slog.Logger and fans every emitted line out to subscribers.
type Logger struct {
	logger *slog.Logger

	mu   sync.Mutex
	subs map[int]chan Entry
	next int
}

// Log is the global logger instance.
var Log = newLogger()

func newLogger() *Logger {
	return &Logger{
		logger: slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})),
		subs: make(map[int]chan Entry),
	}
}

// Subscribe registers a new listener and returns its channel plus an unsubscribe
// func. Entries are dropped (never blocked on) for a slow subscriber whose
// channel is full, so a stalled monitor client can never back-pressure the
// turn orchestrator.
func (l *Logger) Subscribe(buffer int) (<-chan Entry, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan Entry, buffer)

	l.mu.Lock()
	id := l.next
	l.next++
	l.subs[id] = ch
	l.mu.Unlock()

	unsub := func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		if c, ok := l.subs[id]; ok {
			delete(l.subs, id)
			close(c)
		}
	}
	return ch, unsub
}

func (l *Logger) publish(level, msg string) {
	entry := Entry{Time: time.Now(), Level: level, Message: msg}
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, ch := range l.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

// Infof logs an info level message with formatting.
func (l *Logger) Infof(format string, args ...any) {
	msg := sprintf(format, args...)
	l.logger.Info(msg)
	l.publish("INFO", msg)
}

// Warnf logs a warning level message with formatting.
func (l *Logger) Warnf(format string, args ...any) {
	msg := sprintf(format, args...)
	l.logger.Warn(msg)
	l.publish("WARN", msg)
}

// Errorf logs an error level message with formatting.
func (l *Logger) Errorf(format string, args ...any) {
	msg := sprintf(format, args...)
	l.logger.Error(msg)
	l.publish("ERROR", msg)
}

// Debugf logs a debug level message with formatting.
func (l *Logger) Debugf(format string, args ...any) {
	msg := sprintf(format, args...)
	l.logger.Debug(msg)
	l.publish("DEBUG", msg)
}

func sprintf(format string, args ...any) string {
	if len(args) == 0 {
		return format
	}
	return fmt.Sprintf(format, args...)
}
