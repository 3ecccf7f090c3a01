// Copyright 2026 The ModelPilot Authors. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package events implements the fire-and-forget notification bus used for
// routing progress updates, escalation events, quality alerts, and tuning
// audit records. Publishing never blocks the request path: when the queue is
// full the event is dropped with a warning.
package events

import (
	"context"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
)

// Type identifies a class of routing event.
type Type string

const (
	RequestReceived  Type = "request.received"
	Progress         Type = "request.progress"
	CacheHit         Type = "cache.hit"
	TierEscalation   Type = "tier.escalation"
	TierResult       Type = "tier.result"
	RequestCompleted Type = "request.completed"
	AlertRaised      Type = "alert.raised"
	ParametersTuned  Type = "tuning.parameters"
)

// Event carries a routing event to subscribers.
type Event struct {
	Type      Type
	RequestID string
	Message   string
	Data      map[string]interface{}
	Timestamp time.Time
}

// Subscription is a handle for a registered subscriber.
type Subscription struct {
	ID          string
	Type        Type
	Callback    func(*Event)
	Unsubscribe func()
}

// Bus distributes events to subscribers.
type Bus struct {
	subscribers  map[Type][]*Subscription
	mu           sync.RWMutex
	queue        chan *Event
	ctx          context.Context
	cancel       context.CancelFunc
	shutdownOnce sync.Once
	shutdown     bool
}

// NewBus creates a bus and starts its async processor.
func NewBus() *Bus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &Bus{
		subscribers: make(map[Type][]*Subscription),
		queue:       make(chan *Event, 1000),
		ctx:         ctx,
		cancel:      cancel,
	}

	go bus.processQueue()

	return bus
}

// Subscribe registers a callback for a specific event type.
func (b *Bus) Subscribe(t Type, callback func(*Event)) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscription{
		ID:       fmt.Sprintf("%d", time.Now().UnixNano()),
		Type:     t,
		Callback: callback,
	}
	sub.Unsubscribe = func() {
		b.unsubscribe(sub)
	}

	b.subscribers[t] = append(b.subscribers[t], sub)
	return sub
}

func (b *Bus) unsubscribe(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subscribers[sub.Type]
	for i, s := range subs {
		if s.ID == sub.ID {
			b.subscribers[sub.Type] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
}

// Publish distributes an event to all subscribers synchronously.
func (b *Bus) Publish(ev *Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subscribers[ev.Type]
	// Copy slice to avoid holding lock during execution
	activeSubs := make([]*Subscription, len(subs))
	copy(activeSubs, subs)
	b.mu.RUnlock()

	for _, sub := range activeSubs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Errorf("Panic in event subscriber for %s: %v", ev.Type, r)
				}
			}()
			sub.Callback(ev)
		}()
	}
}

// PublishAsync distributes an event asynchronously via the queue.
func (b *Bus) PublishAsync(ev *Event) {
	b.mu.RLock()
	isShutdown := b.shutdown
	b.mu.RUnlock()

	if isShutdown {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	select {
	case <-b.ctx.Done():
		return
	case b.queue <- ev:
		// Queued
	default:
		log.Warnf("Event queue full, dropping event: %s", ev.Type)
	}
}

// NotifyProgress publishes a human-readable progress message for a request.
func (b *Bus) NotifyProgress(requestID, message string) {
	b.PublishAsync(&Event{
		Type:      Progress,
		RequestID: requestID,
		Message:   message,
	})
}

func (b *Bus) processQueue() {
	for {
		select {
		case <-b.ctx.Done():
			return
		case ev, ok := <-b.queue:
			if !ok {
				return
			}
			if ev != nil {
				b.Publish(ev)
			}
		}
	}
}

// Shutdown stops the bus processing.
func (b *Bus) Shutdown() {
	b.shutdownOnce.Do(func() {
		b.mu.Lock()
		b.shutdown = true
		b.mu.Unlock()

		b.cancel()
		close(b.queue)
	})
}
