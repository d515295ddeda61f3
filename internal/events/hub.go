// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package events provides the notification hub shared by the runner and
// editor controllers: a typed publish/subscribe registry mapping open string
// event names to ordered callback lists. Dispatch is synchronous on the
// goroutine that publishes; the hub performs no thread hand-off, so callbacks
// registered against run-goroutine events must be safe to execute there or
// marshal back to their own goroutine themselves.
package events

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/slicewise/slicewise/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetEventsLogger()
		log = &l
	})
	return log
}

// Event is the envelope handed to every callback.
type Event struct {
	Name    string
	Payload any
}

// Callback is an observer function. It runs on the publishing goroutine.
type Callback func(Event)

// Hub is an event-name → ordered-callback-list registry. Names are open
// string keys: subscribing to a name nobody publishes is legal and silently
// receives nothing. Registering the same callback twice for one name invokes
// it twice. Registration order is dispatch order.
type Hub struct {
	mu        sync.RWMutex
	callbacks map[string][]Callback
	all       []Callback
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{callbacks: make(map[string][]Callback)}
}

// Subscribe appends cb to the callback list for name. No de-duplication.
func (h *Hub) Subscribe(name string, cb Callback) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	h.callbacks[name] = append(h.callbacks[name], cb)
	h.mu.Unlock()
}

// SubscribeAll appends cb to a wildcard list invoked for every published
// event, after the name-specific callbacks. Used by infrastructure that fans
// events out (e.g. the WebSocket broadcaster).
func (h *Hub) SubscribeAll(cb Callback) {
	if cb == nil {
		return
	}
	h.mu.Lock()
	h.all = append(h.all, cb)
	h.mu.Unlock()
}

// Publish dispatches the event synchronously to every subscribed callback in
// registration order. A panicking callback is recovered and logged; it never
// crashes the publisher, and the remaining callbacks still run.
func (h *Hub) Publish(name string, payload any) {
	h.mu.RLock()
	named := h.callbacks[name]
	cbs := make([]Callback, 0, len(named)+len(h.all))
	cbs = append(cbs, named...)
	cbs = append(cbs, h.all...)
	h.mu.RUnlock()

	ev := Event{Name: name, Payload: payload}
	for _, cb := range cbs {
		h.invoke(name, cb, ev)
	}
}

func (h *Hub) invoke(name string, cb Callback, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			getLog().Error().Str("event", name).Interface("panic", r).Msg("Recovered panic in event callback")
		}
	}()
	cb(ev)
}

// SubscriberCount returns the number of callbacks registered for name,
// excluding wildcard subscribers.
func (h *Hub) SubscriberCount(name string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.callbacks[name])
}
