package orchestrator

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

const defaultLogLimit = 1000

// execLog is the in-memory execution log. Every entry is mirrored to zap.
type execLog struct {
	mu     sync.Mutex
	items  []LogEntry
	limit  int
	logger *zap.Logger
}

func newExecLog(limit int, logger *zap.Logger) *execLog {
	return &execLog{limit: limit, logger: logger}
}

func (l *execLog) setLimit(n int) {
	if n <= 0 {
		n = defaultLogLimit
	}
	l.mu.Lock()
	l.limit = n
	l.trim()
	l.mu.Unlock()
}

func (l *execLog) add(level LogLevel, msg string, data map[string]interface{}) LogEntry {
	e := LogEntry{Level: level, Message: msg, Data: data, Timestamp: time.Now()}
	l.mu.Lock()
	l.items = append(l.items, e)
	l.trim()
	l.mu.Unlock()

	fields := make([]zap.Field, 0, len(data))
	for k, v := range data {
		fields = append(fields, zap.Any(k, v))
	}
	switch level {
	case LogDebug:
		l.logger.Debug(msg, fields...)
	case LogWarn:
		l.logger.Warn(msg, fields...)
	case LogError:
		l.logger.Error(msg, fields...)
	default:
		l.logger.Info(msg, fields...)
	}
	return e
}

// trim must be called with mu held.
func (l *execLog) trim() {
	if over := len(l.items) - l.limit; l.limit > 0 && over > 0 {
		l.items = append([]LogEntry(nil), l.items[over:]...)
	}
}

func (l *execLog) entries() []LogEntry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]LogEntry(nil), l.items...)
}

func (l *execLog) clear() {
	l.mu.Lock()
	l.items = nil
	l.mu.Unlock()
}

// runLog collects the entries emitted during one team or workflow run while
// forwarding them to the orchestrator log.
type runLog struct {
	mu       sync.Mutex
	parent   *execLog
	minLevel LogLevel
	entries  []LogEntry
}

func (o *Orchestrator) newRunLog(minLevel LogLevel) *runLog {
	return &runLog{parent: o.log, minLevel: minLevel}
}

var levelRank = map[LogLevel]int{LogDebug: 0, LogInfo: 1, LogWarn: 2, LogError: 3}

func (r *runLog) add(level LogLevel, msg string, data map[string]interface{}) {
	if r.minLevel != "" && levelRank[level] < levelRank[r.minLevel] {
		return
	}
	e := r.parent.add(level, msg, data)
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

func (r *runLog) list() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}
