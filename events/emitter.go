// Package events provides a structured, in-process pub/sub broker used in
// place of unbounded console logging: every state transition the consensus
// core cares about (block append/reject, leader election, blacklist churn,
// trust updates, conflicts) is emitted as a typed Event instead of printed.
package events

import (
	"log"
	"sync"
)

// EventType labels what happened.
type EventType string

const (
	EventBlockAppended        EventType = "block_appended"
	EventBlockRejected        EventType = "block_rejected"
	EventBlockRetried         EventType = "block_retried"
	EventLeaderElected        EventType = "leader_elected"
	EventNoValidLeader        EventType = "no_valid_leader"
	EventValidatorBlacklisted EventType = "validator_blacklisted"
	EventValidatorRecovered   EventType = "validator_recovered"
	EventTrustUpdated         EventType = "trust_updated"
	EventConflictDetected     EventType = "conflict_detected"
	EventTransactionCommitted EventType = "transaction_committed"
)

// Event carries a typed payload emitted after a state change.
type Event struct {
	Type EventType      `json:"type"`
	Data map[string]any `json:"data"`
}

// Handler is a callback invoked for matching events.
type Handler func(Event)

// Emitter is a simple pub/sub broker. Subscribe before Emit.
type Emitter struct {
	mu       sync.RWMutex
	handlers map[EventType][]Handler
}

// NewEmitter creates an Emitter with no subscribers.
func NewEmitter() *Emitter {
	return &Emitter{handlers: make(map[EventType][]Handler)}
}

// Subscribe registers h to be called whenever typ is emitted.
func (e *Emitter) Subscribe(typ EventType, h Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.handlers[typ] = append(e.handlers[typ], h)
}

// Emit delivers ev to all subscribers for ev.Type synchronously.
// Each handler is guarded by panic recovery so a misbehaving subscriber
// cannot crash the caller or halt consensus progress.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	handlers := e.handlers[ev.Type]
	e.mu.RUnlock()
	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[events] handler panicked for %s: %v", ev.Type, r)
				}
			}()
			h(ev)
		}()
	}
}

// allTypes lists every event type known to this package, used by
// LogSubscriber when the caller wants a catch-all logger.
var allTypes = []EventType{
	EventBlockAppended, EventBlockRejected, EventBlockRetried,
	EventLeaderElected, EventNoValidLeader,
	EventValidatorBlacklisted, EventValidatorRecovered,
	EventTrustUpdated, EventConflictDetected, EventTransactionCommitted,
}

// LogSubscriber attaches a default subscriber that logs every event type in
// types (or all known types if types is empty) via the standard logger.
func LogSubscriber(e *Emitter, types ...EventType) {
	if len(types) == 0 {
		types = allTypes
	}
	for _, t := range types {
		e.Subscribe(t, func(ev Event) {
			log.Printf("[%s] %v", ev.Type, ev.Data)
		})
	}
}
