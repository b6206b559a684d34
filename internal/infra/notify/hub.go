package notify

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"mcpfed/internal/domain"
)

const defaultEventBuffer = 8

// Hub fans registry events out to subscribers. Publishing is fire-and-forget:
// a full or abandoned subscriber channel drops the event instead of blocking
// the registry operation that produced it.
type Hub struct {
	logger *zap.Logger

	mu   sync.RWMutex
	subs map[chan domain.Event]struct{}
}

func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger: logger.Named("events"),
		subs:   make(map[chan domain.Event]struct{}),
	}
}

func (h *Hub) Publish(event domain.Event) {
	if h == nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for ch := range h.subs {
		select {
		case ch <- event:
		default:
			h.logger.Debug("subscriber lagging, event dropped",
				zap.String("kind", string(event.Kind)),
				zap.String("gateway", event.Name),
			)
		}
	}
}

// Subscribe registers a buffered channel that receives events until ctx is
// canceled.
func (h *Hub) Subscribe(ctx context.Context) <-chan domain.Event {
	ch := make(chan domain.Event, defaultEventBuffer)
	if h == nil {
		close(ch)
		return ch
	}

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

var _ domain.Notifier = (*Hub)(nil)
