// ABOUTME: In-memory pub/sub bus for auth:expired and permission:denied signals
// ABOUTME: Fans out to subscribers by kind and drops repeated occurrences

package signals

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/2389/widget-console/internal/dedupe"
)

// Kind identifies a signal type.
type Kind string

const (
	AuthExpired      Kind = "auth:expired"
	PermissionDenied Kind = "permission:denied"
)

const (
	subscriberBufferSize = 16
	maxTrackedSignals    = 1024
)

// Signal is one interrupt raised by the transport.
type Signal struct {
	ID      string
	Kind    Kind
	Status  int
	Method  string
	Path    string
	Session string // Fingerprint of the bearer token the failing request carried
	At      time.Time
}

// occurrenceKey identifies what counts as "the same" signal.
func (s Signal) occurrenceKey() string {
	if s.Kind == PermissionDenied {
		return string(s.Kind) + "|" + s.Session + "|" + s.Path
	}
	return string(s.Kind) + "|" + s.Session
}

// Fingerprint returns a short stable identifier for a session token.
// It is empty for an empty token.
func Fingerprint(token string) string {
	if token == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:8])
}

type subscriber struct {
	ch    chan Signal
	kinds map[Kind]struct{}
}

// Bus delivers signals to subscribers.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]*subscriber
	seen        *dedupe.Cache
	closed      bool
	logger      *slog.Logger
}

// NewBus creates a bus that treats repeats within window as one occurrence.
// Pass nil logger for default.
func NewBus(window time.Duration, logger *slog.Logger) *Bus {
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		subscribers: make(map[string]*subscriber),
		seen:        dedupe.New(window, maxTrackedSignals),
		logger:      logger.With("component", "signals"),
	}
}

// Subscribe registers for the given kinds (all kinds when none are given).
// It returns the delivery channel and a subscription ID. The subscription is
// removed when ctx is cancelled.
func (b *Bus) Subscribe(ctx context.Context, kinds ...Kind) (<-chan Signal, string) {
	subID := uuid.New().String()
	sub := &subscriber{
		ch:    make(chan Signal, subscriberBufferSize),
		kinds: make(map[Kind]struct{}, len(kinds)),
	}
	for _, k := range kinds {
		sub.kinds[k] = struct{}{}
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(sub.ch)
		return sub.ch, subID
	}
	b.subscribers[subID] = sub
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID, "kinds", kinds)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return sub.ch, subID
}

// Publish delivers sig to every matching subscriber. It returns false when
// sig repeats an occurrence already published within the dedupe window.
// Delivery never blocks: a subscriber whose buffer is full misses the signal.
func (b *Bus) Publish(sig Signal) bool {
	if sig.ID == "" {
		sig.ID = uuid.New().String()
	}
	if sig.At.IsZero() {
		sig.At = time.Now()
	}

	if b.seen.CheckAndMark(sig.occurrenceKey()) {
		b.logger.Debug("duplicate signal ignored", "kind", sig.Kind, "path", sig.Path)
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, sub := range b.subscribers {
		if len(sub.kinds) > 0 {
			if _, ok := sub.kinds[sig.Kind]; !ok {
				continue
			}
		}
		select {
		case sub.ch <- sig:
		default:
			b.logger.Warn("dropped signal for slow subscriber", "kind", sig.Kind, "sub_id", id)
		}
	}
	return true
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Bus) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.subscribers[subID]
	if !ok {
		return
	}
	delete(b.subscribers, subID)
	close(sub.ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Close closes every subscription and stops the dedupe sweeper.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for id, sub := range b.subscribers {
		close(sub.ch)
		delete(b.subscribers, id)
	}
	b.seen.Close()
}
