/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package eventbus provides distributed event transports behind the
// in-process bus API, so single-node deployments pay nothing and
// multi-node deployments fan events out over Redis or NATS.
package eventbus

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/friendsincode/tilefeed/internal/config"
	"github.com/friendsincode/tilefeed/internal/events"
)

// Bus is the event transport used by the server. The in-process bus from
// the events package satisfies it, as do the Redis and NATS drivers.
type Bus interface {
	Subscribe(eventType events.EventType) events.Subscriber
	Publish(eventType events.EventType, payload events.Payload)
	Unsubscribe(eventType events.EventType, sub events.Subscriber)
}

// New constructs the event bus selected by configuration. The returned
// closer is nil for the in-memory driver.
func New(cfg *config.Config, logger zerolog.Logger) (Bus, func() error, error) {
	nodeID := cfg.InstanceID
	if nodeID == "" {
		nodeID = generateNodeID()
	}

	switch cfg.EventBus {
	case config.EventBusMemory:
		return events.NewBus(), nil, nil

	case config.EventBusRedis:
		redisCfg := DefaultRedisConfig()
		redisCfg.Addr = cfg.RedisAddr
		redisCfg.Password = cfg.RedisPassword
		redisCfg.DB = cfg.RedisDB
		rb, err := NewRedisBus(redisCfg, nodeID, logger)
		if err != nil {
			return nil, nil, err
		}
		return rb, rb.Close, nil

	case config.EventBusNATS:
		natsCfg := DefaultNATSConfig()
		natsCfg.URL = cfg.NATSUrl
		nb, err := NewNATSBus(natsCfg, nodeID, logger)
		if err != nil {
			return nil, nil, err
		}
		return nb, nb.Close, nil

	default:
		return nil, nil, fmt.Errorf("unknown event bus driver %q", cfg.EventBus)
	}
}

// generateNodeID builds a node identity from the hostname plus a short
// random suffix, used to suppress echo of our own published events.
func generateNodeID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "node"
	}
	return fmt.Sprintf("%s-%s", host, uuid.NewString()[:8])
}
