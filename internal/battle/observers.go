// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

package battle

import (
	"log/slog"
	"sync"

	"github.com/sourcegraph/conc/panics"
)

const subscriberBuffer = 100

// observers fans notifications out to subscriber channels and listener
// callbacks. A slow subscriber loses notifications instead of stalling a
// battle.
type observers struct {
	logger *slog.Logger

	mu        sync.RWMutex
	channels  map[string]chan Notification
	listeners []func(Notification)
}

func newObservers(logger *slog.Logger) *observers {
	return &observers{
		logger:   logger,
		channels: make(map[string]chan Notification),
	}
}

func (o *observers) subscribe(id string) <-chan Notification {
	o.mu.Lock()
	defer o.mu.Unlock()

	if old, ok := o.channels[id]; ok {
		close(old)
	}
	ch := make(chan Notification, subscriberBuffer)
	o.channels[id] = ch
	return ch
}

func (o *observers) unsubscribe(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if ch, ok := o.channels[id]; ok {
		close(ch)
		delete(o.channels, id)
	}
}

func (o *observers) listen(fn func(Notification)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *observers) notify(n Notification) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	for id, ch := range o.channels {
		select {
		case ch <- n:
		default:
			o.logger.Debug("subscriber lagging, notification dropped", "subscriber", id, "kind", n.Kind)
		}
	}

	for _, fn := range o.listeners {
		var pc panics.Catcher
		pc.Try(func() { fn(n) })
		if rec := pc.Recovered(); rec != nil {
			o.logger.Error("notification listener panicked", "kind", n.Kind, "battle_id", n.BattleID, "error", rec.AsError())
		}
	}
}

// close ends every subscription.
func (o *observers) close() {
	o.mu.Lock()
	defer o.mu.Unlock()
	for id, ch := range o.channels {
		close(ch)
		delete(o.channels, id)
	}
}
