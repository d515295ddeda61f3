// Copyright (C) 2026 Slicewise
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package server provides the headless status API: REST endpoints over the
// runner and editor controllers plus a WebSocket stream of every hub event.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/slicewise/slicewise/internal/events"
	"github.com/slicewise/slicewise/internal/logger"
)

var (
	log     *zerolog.Logger
	logOnce sync.Once
)

func getLog() *zerolog.Logger {
	logOnce.Do(func() {
		l := logger.GetAPILogger()
		log = &l
	})
	return log
}

// EventBroadcaster bridges notification hubs to WebSocket clients. Hub
// dispatch happens on whatever goroutine raised the event — often the run
// goroutine — so the subscribed callback only enqueues; fan-out to clients
// happens on the broadcaster's own goroutine.
type EventBroadcaster struct {
	ch      chan events.Event
	clients *ClientRegistry
}

// NewEventBroadcaster creates a broadcaster fanning out to the registry.
func NewEventBroadcaster(clients *ClientRegistry) *EventBroadcaster {
	return &EventBroadcaster{
		ch:      make(chan events.Event, 256),
		clients: clients,
	}
}

// Attach subscribes the broadcaster to every event the hub publishes.
func (b *EventBroadcaster) Attach(hub *events.Hub) {
	hub.SubscribeAll(func(ev events.Event) {
		select {
		case b.ch <- ev:
		default:
			// Never block the publishing goroutine.
			getLog().Warn().Str("event", ev.Name).Msg("Broadcast queue full, dropping event")
		}
	})
}

// Run forwards queued events to clients until the context is cancelled.
func (b *EventBroadcaster) Run(ctx context.Context) {
	for {
		select {
		case ev := <-b.ch:
			b.clients.Broadcast(ev)
		case <-ctx.Done():
			getLog().Info().Msg("Event broadcaster stopped")
			return
		}
	}
}
