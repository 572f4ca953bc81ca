package dispatcher

import (
	"context"
	"sync"

	"github.com/garyjia/quote-approval/internal/domain/event"
)

// Feed fans dispatched events out to per-quote watchers. Slow watchers miss
// events instead of blocking the dispatcher.
type Feed struct {
	mu       sync.Mutex
	watchers map[string]map[chan *event.Event]struct{}
	buffer   int
	logger   Logger
}

// NewFeed subscribes a feed to every event of d
func NewFeed(d Dispatcher, buffer int, logger Logger) *Feed {
	if buffer <= 0 {
		buffer = 16
	}
	f := &Feed{
		watchers: make(map[string]map[chan *event.Event]struct{}),
		buffer:   buffer,
		logger:   logger,
	}
	d.SubscribeNamed(AllEvents, "feed", f.publish)
	return f
}

// Watch returns a channel of events for one quote and a function that stops
// the watch and closes the channel.
func (f *Feed) Watch(quoteID string) (<-chan *event.Event, func()) {
	ch := make(chan *event.Event, f.buffer)

	f.mu.Lock()
	if f.watchers[quoteID] == nil {
		f.watchers[quoteID] = make(map[chan *event.Event]struct{})
	}
	f.watchers[quoteID][ch] = struct{}{}
	f.mu.Unlock()

	var once sync.Once
	stop := func() {
		once.Do(func() {
			f.mu.Lock()
			defer f.mu.Unlock()
			delete(f.watchers[quoteID], ch)
			if len(f.watchers[quoteID]) == 0 {
				delete(f.watchers, quoteID)
			}
			close(ch)
		})
	}
	return ch, stop
}

// Watchers returns the number of active watches for a quote
func (f *Feed) Watchers(quoteID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.watchers[quoteID])
}

func (f *Feed) publish(_ context.Context, evt *event.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for ch := range f.watchers[evt.QuoteID] {
		select {
		case ch <- evt:
		default:
			if f.logger != nil {
				f.logger.Error("Dropping event for slow watcher",
					"quote_id", evt.QuoteID,
					"event_type", evt.Type,
				)
			}
		}
	}
	return nil
}
