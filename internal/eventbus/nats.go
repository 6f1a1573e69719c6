/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tilefeed/internal/events"
	"github.com/friendsincode/tilefeed/internal/telemetry"
)

// natsSubjectPrefix namespaces subjects on shared NATS clusters.
const natsSubjectPrefix = "tilefeed.events."

// NATSBus implements a NATS-backed event bus. Like the Redis driver, local
// subscribers are served in-process and NATS only carries cross-node fan-out.
type NATSBus struct {
	conn   *nats.Conn
	logger zerolog.Logger
	nodeID string

	mu        sync.RWMutex
	subs      map[events.EventType][]events.Subscriber
	natsSubs  map[events.EventType]*nats.Subscription
	localOnly bool
}

// NATSConfig contains NATS connection configuration.
type NATSConfig struct {
	URL  string
	Name string

	// Connection options
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultNATSConfig returns default NATS configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		Name:          "tilefeed",
		MaxReconnects: -1, // Unlimited
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// NewNATSBus creates a NATS-backed event bus. If the server is unreachable
// the bus starts in local-only mode; the client keeps reconnecting in the
// background once an initial connection succeeded.
func NewNATSBus(cfg NATSConfig, nodeID string, logger zerolog.Logger) (*NATSBus, error) {
	logger = logger.With().Str("component", "eventbus").Str("driver", "nats").Logger()

	nb := &NATSBus{
		logger:   logger,
		nodeID:   nodeID,
		subs:     make(map[events.EventType][]events.Subscriber),
		natsSubs: make(map[events.EventType]*nats.Subscription),
	}

	conn, err := nats.Connect(cfg.URL,
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			nb.logger.Warn().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			nb.logger.Info().Str("url", c.ConnectedUrl()).Msg("NATS reconnected")
		}),
	)
	if err != nil {
		logger.Warn().Err(err).Msg("NATS connection failed, running event bus in local-only mode")
		nb.localOnly = true
		return nb, nil
	}

	nb.conn = conn
	logger.Info().Str("url", cfg.URL).Str("node_id", nodeID).Msg("NATS event bus initialized")

	return nb, nil
}

// Subscribe registers a subscriber for an event type.
func (nb *NATSBus) Subscribe(eventType events.EventType) events.Subscriber {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	sub := make(events.Subscriber, 100)
	nb.subs[eventType] = append(nb.subs[eventType], sub)

	// One NATS subscription per event type, shared by local subscribers.
	if !nb.localOnly && nb.conn != nil {
		if _, exists := nb.natsSubs[eventType]; !exists {
			subject := natsSubjectPrefix + string(eventType)
			natsSub, err := nb.conn.Subscribe(subject, func(m *nats.Msg) {
				nb.receive(eventType, m.Data)
			})
			if err != nil {
				nb.logger.Error().Err(err).Str("subject", subject).Msg("NATS subscribe failed")
				telemetry.EventBusErrorsTotal.WithLabelValues("nats").Inc()
			} else {
				nb.natsSubs[eventType] = natsSub
			}
		}
	}

	return sub
}

// receive handles one incoming NATS message.
func (nb *NATSBus) receive(eventType events.EventType, data []byte) {
	msg, err := unmarshalNATSMessage(data)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to unmarshal NATS message")
		telemetry.EventBusErrorsTotal.WithLabelValues("nats").Inc()
		return
	}

	// Skip messages from ourselves; local delivery already happened
	// at publish time.
	if msg.NodeID == nb.nodeID {
		return
	}

	nb.deliverLocal(eventType, msg.Payload)
}

// deliverLocal fans a payload out to this node's subscribers without blocking.
func (nb *NATSBus) deliverLocal(eventType events.EventType, payload events.Payload) {
	nb.mu.RLock()
	subs := append([]events.Subscriber(nil), nb.subs[eventType]...)
	nb.mu.RUnlock()

	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
			nb.logger.Warn().Str("event_type", string(eventType)).Msg("subscriber channel full, dropping event")
		}
	}
}

// Publish sends an event payload to all subscribers (local and remote).
func (nb *NATSBus) Publish(eventType events.EventType, payload events.Payload) {
	telemetry.EventBusPublishedTotal.WithLabelValues("nats", string(eventType)).Inc()

	nb.deliverLocal(eventType, payload)

	if nb.localOnly || nb.conn == nil {
		return
	}

	data, err := marshalNATSMessage(eventType, payload, nb.nodeID)
	if err != nil {
		nb.logger.Error().Err(err).Msg("failed to marshal NATS message")
		return
	}

	if err := nb.conn.Publish(natsSubjectPrefix+string(eventType), data); err != nil {
		nb.logger.Error().Err(err).Str("event_type", string(eventType)).Msg("failed to publish to NATS")
		telemetry.EventBusErrorsTotal.WithLabelValues("nats").Inc()
	}
}

// Unsubscribe removes a subscriber.
func (nb *NATSBus) Unsubscribe(eventType events.EventType, sub events.Subscriber) {
	nb.mu.Lock()
	defer nb.mu.Unlock()

	subs := nb.subs[eventType]
	for i, s := range subs {
		if s == sub {
			nb.subs[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			break
		}
	}

	// If no more subscribers, drop the NATS subscription.
	if len(nb.subs[eventType]) == 0 {
		if natsSub, exists := nb.natsSubs[eventType]; exists {
			if err := natsSub.Unsubscribe(); err != nil {
				nb.logger.Debug().Err(err).Str("event_type", string(eventType)).Msg("NATS unsubscribe failed")
			}
			delete(nb.natsSubs, eventType)
		}
	}
}

// Close drains and closes the NATS connection.
func (nb *NATSBus) Close() error {
	nb.logger.Info().Msg("closing NATS event bus")

	nb.mu.Lock()
	for eventType, natsSub := range nb.natsSubs {
		_ = natsSub.Unsubscribe()
		delete(nb.natsSubs, eventType)
	}
	nb.mu.Unlock()

	if nb.conn != nil {
		if err := nb.conn.Drain(); err != nil {
			nb.conn.Close()
			return err
		}
	}
	return nil
}

// natsMessage represents a message published to NATS.
type natsMessage struct {
	EventType events.EventType `json:"event_type"`
	Payload   events.Payload   `json:"payload"`
	Timestamp time.Time        `json:"timestamp"`
	NodeID    string           `json:"node_id"`
	MessageID string           `json:"message_id"` // For deduplication
}

// marshalNATSMessage converts a payload to the wire format.
func marshalNATSMessage(eventType events.EventType, payload events.Payload, nodeID string) ([]byte, error) {
	return json.Marshal(natsMessage{
		EventType: eventType,
		Payload:   payload,
		Timestamp: time.Now(),
		NodeID:    nodeID,
		MessageID: uuid.NewString(),
	})
}

// unmarshalNATSMessage parses a wire message.
func unmarshalNATSMessage(data []byte) (*natsMessage, error) {
	var msg natsMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("unmarshal nats message: %w", err)
	}
	return &msg, nil
}
