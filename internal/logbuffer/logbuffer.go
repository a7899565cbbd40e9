// Package logbuffer keeps the most recent log lines in memory for /api/logs
package logbuffer

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Raw       string    `json:"raw"`
}

// Buffer is a thread-safe ring buffer of zerolog JSON lines. It implements
// io.Writer so it can sit next to stdout in an io.MultiWriter.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	size    int
	head    int
	count   int
	now     func() time.Time
}

// New creates a buffer holding up to size entries
func New(size int) *Buffer {
	if size <= 0 {
		size = 500
	}
	return &Buffer{
		entries: make([]Entry, size),
		size:    size,
		now:     time.Now,
	}
}

// Write captures one log line
func (b *Buffer) Write(p []byte) (int, error) {
	entry := parse(strings.TrimRight(string(p), "\n"))

	b.mu.Lock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = b.now()
	}
	b.entries[b.head] = entry
	b.head = (b.head + 1) % b.size
	if b.count < b.size {
		b.count++
	}
	b.mu.Unlock()

	return len(p), nil
}

// Entries returns up to limit of the newest entries at or above minLevel,
// oldest first. A limit of zero returns everything that matches.
func (b *Buffer) Entries(limit int, minLevel zerolog.Level) []Entry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	start := 0
	if b.count == b.size {
		start = b.head
	}

	out := make([]Entry, 0, b.count)
	for i := 0; i < b.count; i++ {
		e := b.entries[(start+i)%b.size]
		if lvl, err := zerolog.ParseLevel(e.Level); err == nil && lvl < minLevel {
			continue
		}
		out = append(out, e)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out
}

// Clear drops all entries
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head = 0
	b.count = 0
}

func parse(raw string) Entry {
	entry := Entry{Raw: raw, Level: zerolog.InfoLevel.String(), Message: raw}

	var fields struct {
		Level     string    `json:"level"`
		Time      time.Time `json:"time"`
		Component string    `json:"component"`
		Message   string    `json:"message"`
	}
	if err := json.Unmarshal([]byte(raw), &fields); err != nil {
		return entry
	}
	if fields.Level != "" {
		entry.Level = fields.Level
	}
	if fields.Message != "" {
		entry.Message = fields.Message
	}
	entry.Component = fields.Component
	entry.Timestamp = fields.Time
	return entry
}
