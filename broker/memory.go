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
	"sync"
)

// MemoryBroker implements Publisher and Subscriber in-process, for
// tests of gateway/consumer/detect that should not require a live
// Kafka cluster. Messages published to a topic are delivered, in
// publish order, to every Subscriber.Run call registered for it.
type MemoryBroker struct {
	mtx    sync.Mutex
	topics map[string][]chan ConsumedMessage
	closed bool
	nextOffset map[string]int64
}

func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{
		topics:     make(map[string][]chan ConsumedMessage),
		nextOffset: make(map[string]int64),
	}
}

func (m *MemoryBroker) Publish(ctx context.Context, msg Message) error {
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return ErrClosed
	}
	offset := m.nextOffset[msg.Topic]
	m.nextOffset[msg.Topic] = offset + 1
	chans := append([]chan ConsumedMessage(nil), m.topics[msg.Topic]...)
	m.mtx.Unlock()

	cm := ConsumedMessage{
		Message: msg,
		Offset:  offset,
		Commit:  func(context.Context) error { return nil },
	}
	for _, ch := range chans {
		select {
		case ch <- cm:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (m *MemoryBroker) Close() error {
	m.mtx.Lock()
	defer m.mtx.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for _, chans := range m.topics {
		for _, ch := range chans {
			close(ch)
		}
	}
	return nil
}

// Run registers h against every topic in topics and blocks until ctx
// is cancelled or the broker is closed. groupID is accepted for
// interface parity with ConsumerGroup but does not affect fan-out:
// every MemoryBroker subscriber sees every message, matching a group
// size of one.
func (m *MemoryBroker) Run(ctx context.Context, groupID string, topics []string, h Handler) error {
	chs := make([]chan ConsumedMessage, 0, len(topics))
	m.mtx.Lock()
	if m.closed {
		m.mtx.Unlock()
		return ErrClosed
	}
	for _, t := range topics {
		ch := make(chan ConsumedMessage, 64)
		m.topics[t] = append(m.topics[t], ch)
		chs = append(chs, ch)
	}
	m.mtx.Unlock()

	var wg sync.WaitGroup
	errCh := make(chan error, len(chs))
	for _, ch := range chs {
		wg.Add(1)
		go func(ch chan ConsumedMessage) {
			defer wg.Done()
			for msg := range ch {
				if err := h(ctx, msg); err != nil {
					select {
					case errCh <- err:
					default:
					}
				}
			}
		}(ch)
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		return err
	case <-done:
		return nil
	}
}
