/*************************************************************************
 * Copyright 2017 Gravwell, Inc. All rights reserved.
 * Contact: <legal@gravwell.io>
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

package broker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"

	"github.com/riftwire/siemcore/ingest/log"
)

// ProducerConfig mirrors the ConfigConsumer shape for the
// write side: named brokers, a client id for broker-side logging, and
// the produce timeout the gateway's backpressure valve relies on.
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	ProduceTimeout time.Duration
}

// Producer wraps a sarama.SyncProducer configured for durable,
// ordered, at-least-once publishes keyed by tenant.
type Producer struct {
	sp  sarama.SyncProducer
	lg  *log.Logger
}

func NewProducer(cfg ProducerConfig, lg *log.Logger) (*Producer, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Producer.Retry.Max = 5
	sc.Producer.Return.Successes = true
	if cfg.ProduceTimeout > 0 {
		sc.Producer.Timeout = cfg.ProduceTimeout
	} else {
		sc.Producer.Timeout = 5 * time.Second
	}
	sc.Producer.Partitioner = sarama.NewHashPartitioner

	sp, err := sarama.NewSyncProducer(cfg.Brokers, sc)
	if err != nil {
		return nil, fmt.Errorf("broker: new sync producer: %w", err)
	}
	return &Producer{sp: sp, lg: lg}, nil
}

func (p *Producer) Publish(ctx context.Context, msg Message) error {
	pm := &sarama.ProducerMessage{
		Topic: msg.Topic,
		Key:   sarama.StringEncoder(msg.Key),
		Value: sarama.ByteEncoder(msg.Value),
	}
	_, _, err := p.sp.SendMessage(pm)
	if err != nil {
		return fmt.Errorf("broker: publish to %s: %w", msg.Topic, err)
	}
	return nil
}

func (p *Producer) Close() error {
	return p.sp.Close()
}

// ConsumerConfig mirrors the kafka_consumer.ConfigConsumer:
// a named consumer group reading a fixed topic set with a bounded
// rebalance/read timeout.
type ConsumerConfig struct {
	Brokers       []string
	ClientID      string
	GroupID       string
	ReadTimeout   time.Duration
	InitialOffset int64 // sarama.OffsetOldest or sarama.OffsetNewest
}

// ConsumerGroup wraps sarama.ConsumerGroup, dispatching every claimed
// message to a Handler and only committing an offset once the Handler
// signals success via ConsumedMessage.Commit.
type ConsumerGroup struct {
	cg sarama.ConsumerGroup
	lg *log.Logger
}

func NewConsumerGroup(cfg ConsumerConfig, lg *log.Logger) (*ConsumerGroup, error) {
	sc := sarama.NewConfig()
	sc.ClientID = cfg.ClientID
	sc.Consumer.Return.Errors = true
	sc.Consumer.Offsets.AutoCommit.Enable = false // commits are tied to side effects, never on a timer
	if cfg.InitialOffset != 0 {
		sc.Consumer.Offsets.Initial = cfg.InitialOffset
	} else {
		sc.Consumer.Offsets.Initial = sarama.OffsetOldest
	}
	if cfg.ReadTimeout > 0 {
		sc.Consumer.MaxProcessingTime = cfg.ReadTimeout
	}

	cg, err := sarama.NewConsumerGroup(cfg.Brokers, cfg.GroupID, sc)
	if err != nil {
		return nil, fmt.Errorf("broker: new consumer group: %w", err)
	}
	return &ConsumerGroup{cg: cg, lg: lg}, nil
}

func (c *ConsumerGroup) Run(ctx context.Context, groupID string, topics []string, h Handler) error {
	handler := &groupHandler{h: h, lg: c.lg}
	go func() {
		for err := range c.cg.Errors() {
			c.lg.Error("consumer group error", log.KVErr(err), log.Kv("group", groupID))
		}
	}()
	for {
		if err := c.cg.Consume(ctx, topics, handler); err != nil {
			return fmt.Errorf("broker: consume: %w", err)
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *ConsumerGroup) Close() error {
	return c.cg.Close()
}

type groupHandler struct {
	h  Handler
	lg *log.Logger

	mtx sync.Mutex
}

func (g *groupHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (g *groupHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (g *groupHandler) ConsumeClaim(sess sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		cm := ConsumedMessage{
			Message: Message{
				Topic: msg.Topic,
				Key:   string(msg.Key),
				Value: msg.Value,
			},
			Partition: msg.Partition,
			Offset:    msg.Offset,
			Commit: func(ctx context.Context) error {
				g.mtx.Lock()
				defer g.mtx.Unlock()
				sess.MarkMessage(msg, "")
				// autocommit is off, so the mark must be flushed here or
				// the offset never reaches the broker
				sess.Commit()
				return nil
			},
		}
		if err := g.h(sess.Context(), cm); err != nil {
			g.lg.Error("handler failed, offset not committed", log.KVErr(err),
				log.Kv("topic", msg.Topic), log.Kv("partition", msg.Partition), log.Kv("offset", msg.Offset))
			// Do not mark the message: ending the claim here keeps later
			// messages from committing past it, so it is redelivered on
			// the next rebalance/restart, preserving at-least-once delivery.
			return err
		}
	}
	return nil
}
