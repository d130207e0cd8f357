/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package broker adapts the pipeline's durable hand-off points —
// events.raw, events.parsed, and alerts — onto a Sarama-backed Kafka
// client. A MemoryBroker test double implements the same interfaces
// in-process so gateway/consumer/detect tests never need a live broker.
package broker

import (
	"context"
	"errors"
)

const (
	TopicEventsRaw    = "events.raw"
	TopicEventsParsed = "events.parsed"
	TopicAlerts       = "alerts"
)

var (
	// ErrClosed is returned by Publisher/Subscriber methods once Close
	// has been called.
	ErrClosed = errors.New("broker: closed")
	// ErrBackpressure is returned when a bounded publish path could not
	// accept a message within its deadline.
	ErrBackpressure = errors.New("broker: backpressure limit reached")
)

// Message is the unit of data moved through the broker. Key determines
// partition assignment; for every topic in this pipeline Key is the
// tenant_id, so all of a tenant's events land on the same partition and
// are processed in order relative to one another.
type Message struct {
	Topic string
	Key   string
	Value []byte
}

// Publisher hands a Message off to the broker. Implementations must
// not return until the message is durably accepted (or acknowledge
// failure) — callers rely on this for the at-least-once contract.
type Publisher interface {
	Publish(ctx context.Context, msg Message) error
	Close() error
}

// ConsumedMessage is a Message together with the commit callback that
// advances the underlying partition's offset. Commit must be called
// only after the side effect it guards (a store write, a republish)
// has succeeded — offsets are never committed speculatively.
type ConsumedMessage struct {
	Message
	Partition int32
	Offset    int64
	Commit    func(ctx context.Context) error
}

// Handler processes one ConsumedMessage. Calling Commit advances the
// offset; a Handler that returns an error without having called Commit
// leaves the message uncommitted. A Handler that wants at-least-once
// semantics with a downstream side effect should perform that side
// effect before calling Commit.
type Handler func(ctx context.Context, msg ConsumedMessage) error

// Subscriber drives Handler for every message on Topics, using
// GroupID for partition assignment and offset storage.
type Subscriber interface {
	Run(ctx context.Context, groupID string, topics []string, h Handler) error
	Close() error
}
