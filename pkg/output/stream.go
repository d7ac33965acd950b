// Copyright 2025 Lanscout Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");

package output

import "sync"

// OutputSubscriber receives events from an OutputEventStream. Implementations
// render events (human text, JSON lines, diagnostics) and cannot propagate
// errors back to the emitter.
type OutputSubscriber interface {
	// Name returns the subscriber identifier.
	Name() string

	// ShouldHandle decides if this subscriber cares about the event.
	ShouldHandle(event OutputEvent) bool

	// Handle processes an output event.
	Handle(event OutputEvent)
}

// OutputEventStream fans emitted events out to registered subscribers.
type OutputEventStream struct {
	mu          sync.RWMutex
	subscribers []OutputSubscriber
}

// NewOutputEventStream creates an event stream with no subscribers.
func NewOutputEventStream() *OutputEventStream {
	return &OutputEventStream{
		subscribers: make([]OutputSubscriber, 0),
	}
}

// Subscribe registers a subscriber. Subscribers receive every event emitted
// after registration, in registration order.
func (s *OutputEventStream) Subscribe(subscriber OutputSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, subscriber)
}

// SubscriberCount returns the number of registered subscribers.
func (s *OutputEventStream) SubscriberCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.subscribers)
}

// Emit delivers the event synchronously to every subscriber whose
// ShouldHandle accepts it. Safe for concurrent use; subscriber Handle
// implementations must do their own locking if they share a writer.
func (s *OutputEventStream) Emit(event OutputEvent) {
	s.mu.RLock()
	subs := make([]OutputSubscriber, len(s.subscribers))
	copy(subs, s.subscribers)
	s.mu.RUnlock()

	for _, sub := range subs {
		if sub.ShouldHandle(event) {
			sub.Handle(event)
		}
	}
}
