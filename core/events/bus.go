// Copyright 2024 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package events

import (
	"github.com/juju/pubsub/v2"
)

// Bus is a typed facade over a pubsub hub. Delivery is asynchronous and
// at-least-once from the publisher's perspective; subscribers must be
// idempotent.
type Bus struct {
	hub *pubsub.SimpleHub
}

// NewBus returns a bus backed by a fresh hub.
func NewBus() *Bus {
	return &Bus{hub: pubsub.NewSimpleHub(nil)}
}

// Publish sends the event to all subscribers of its kind. The returned
// channel is closed once every subscriber callback has completed.
func (b *Bus) Publish(ev Event) <-chan struct{} {
	wait := b.hub.Publish(string(ev.Kind()), ev)
	done := make(chan struct{})
	go func() {
		wait()
		close(done)
	}()
	return done
}

// Subscribe registers handler for all events of the given kind. The
// returned function unsubscribes.
func (b *Bus) Subscribe(kind Kind, handler func(Event)) func() {
	return b.hub.Subscribe(string(kind), func(_ string, data interface{}) {
		if ev, ok := data.(Event); ok {
			handler(ev)
		}
	})
}
