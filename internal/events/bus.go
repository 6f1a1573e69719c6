/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventTimelinePublished EventType = "timeline.published"
	EventEntryActivated    EventType = "entry.activated"
	EventSelectionCleared  EventType = "selection.cleared"
	EventRefreshRequested  EventType = "refresh.requested"
	EventRefreshDeferred   EventType = "refresh.deferred"
	EventRefreshFired      EventType = "refresh.fired"
	EventDeviceRegistered  EventType = "device.registered"
	EventDeviceSeen        EventType = "device.seen"
	EventChannelPaused     EventType = "channel.paused"
	EventChannelResumed    EventType = "channel.resumed"
	EventImport            EventType = "import"

	// Cache invalidation events
	EventChannelCreated    EventType = "cache.channel_created"
	EventChannelUpdated    EventType = "cache.channel_updated"
	EventChannelDeleted    EventType = "cache.channel_deleted"
	EventTimelineInvalid   EventType = "cache.timeline_invalidated"
	EventDeviceUpdated     EventType = "cache.device_updated"
	EventDeviceDeleted     EventType = "cache.device_deleted"
	EventWebhookInvalid    EventType = "cache.webhook_invalidated"
	EventSelectionsInvalid EventType = "cache.selections_invalidated"

	// Audit events (for operations that need explicit audit logging)
	EventAuditAPIKeyCreate   EventType = "audit.apikey.create"
	EventAuditAPIKeyRevoke   EventType = "audit.apikey.revoke"
	EventAuditWebhookCreate  EventType = "audit.webhook.create"
	EventAuditWebhookUpdate  EventType = "audit.webhook.update"
	EventAuditWebhookDelete  EventType = "audit.webhook.delete"
	EventAuditRefreshRequest EventType = "audit.refresh.request"
	EventAuditChannelCreate  EventType = "audit.channel.create"
	EventAuditChannelUpdate  EventType = "audit.channel.update"
	EventAuditChannelDelete  EventType = "audit.channel.delete"
	EventAuditAssetUpload    EventType = "audit.asset.upload"
)

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	b.subs[eventType] = subs
	close(sub)
}
