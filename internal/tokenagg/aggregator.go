// Package tokenagg implements the per-session streaming token batcher
// described in spec §4.7: a time/size/key-change-bounded aggregator that
// amortizes the cost of persisting and broadcasting model output tokens.
package tokenagg

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

// FlushFunc is invoked with the concatenated text for a messageId whenever
// the aggregator flushes. It must not block for long; the aggregator's
// internal lock is released while calling it, but a hung callback stalls
// the goroutine that triggered the flush (the Add/Flush/Destroy caller or
// the flush timer).
type FlushFunc func(messageID, content string)

// Config controls the two automatic flush triggers; key-change and manual
// flush are always active.
type Config struct {
	FlushInterval time.Duration
	FlushSize     int
}

// Aggregator batches token fragments keyed by messageId. It is safe for
// concurrent use.
type Aggregator struct {
	mu        sync.Mutex
	cfg       Config
	onFlush   FlushFunc
	logger    *slog.Logger
	messageID string
	buf       strings.Builder
	count     int
	timer     *time.Timer
	destroyed bool
}

// New creates an Aggregator that calls onFlush on each flush trigger.
func New(cfg Config, onFlush FlushFunc, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 50 * time.Millisecond
	}
	if cfg.FlushSize <= 0 {
		cfg.FlushSize = 100
	}
	return &Aggregator{cfg: cfg, onFlush: onFlush, logger: logger}
}

// Add appends a token fragment for messageID. A key change (a fragment for
// a different messageID than the one currently buffered) flushes the prior
// buffer first, preserving exact arrival-order concatenation per key.
func (a *Aggregator) Add(messageID, fragment string) {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}

	var flushMessageID, flushContent string
	shouldFlush := false

	if a.messageID != "" && a.messageID != messageID {
		flushMessageID, flushContent = a.messageID, a.buf.String()
		shouldFlush = flushContent != ""
		a.resetLocked()
	}

	if a.messageID == "" {
		a.messageID = messageID
		a.startTimerLocked()
	}
	a.buf.WriteString(fragment)
	a.count++

	sizeFlush := a.count >= a.cfg.FlushSize
	var sizeMessageID, sizeContent string
	if sizeFlush {
		sizeMessageID, sizeContent = a.messageID, a.buf.String()
		a.resetLocked()
	}
	a.mu.Unlock()

	if shouldFlush {
		a.emit(flushMessageID, flushContent)
	}
	if sizeFlush {
		a.emit(sizeMessageID, sizeContent)
	}
}

// Flush drains the current buffer immediately, regardless of trigger state.
// An empty buffer is a no-op (spec §4.7).
func (a *Aggregator) Flush() {
	a.mu.Lock()
	if a.buf.Len() == 0 {
		a.mu.Unlock()
		return
	}
	messageID, content := a.messageID, a.buf.String()
	a.resetLocked()
	a.mu.Unlock()
	a.emit(messageID, content)
}

// Destroy flushes any buffered content and detaches the callback; every Add
// after Destroy is a silent no-op, matching the teacher's shutdown idiom in
// AsyncDualWriter.Close.
func (a *Aggregator) Destroy() {
	a.mu.Lock()
	if a.destroyed {
		a.mu.Unlock()
		return
	}
	a.destroyed = true
	messageID, content := a.messageID, a.buf.String()
	a.resetLocked()
	a.mu.Unlock()

	if content != "" {
		a.emit(messageID, content)
	}
}

func (a *Aggregator) resetLocked() {
	a.messageID = ""
	a.buf.Reset()
	a.count = 0
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *Aggregator) startTimerLocked() {
	a.timer = time.AfterFunc(a.cfg.FlushInterval, a.onTimerFire)
}

func (a *Aggregator) onTimerFire() {
	a.mu.Lock()
	if a.destroyed || a.buf.Len() == 0 {
		a.mu.Unlock()
		return
	}
	messageID, content := a.messageID, a.buf.String()
	a.resetLocked()
	a.mu.Unlock()
	a.emit(messageID, content)
}

func (a *Aggregator) emit(messageID, content string) {
	if content == "" || a.onFlush == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("token aggregator flush callback panicked", "message_id", messageID, "panic", r)
		}
	}()
	a.onFlush(messageID, content)
}
