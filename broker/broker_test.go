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
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("boom")

func TestMemoryBrokerDeliversInOrder(t *testing.T) {
	mb := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var got []string
	done := make(chan struct{})
	go func() {
		_ = mb.Run(ctx, "consumer-1", []string{TopicEventsRaw}, func(ctx context.Context, msg ConsumedMessage) error {
			got = append(got, string(msg.Value))
			if len(got) == 3 {
				close(done)
			}
			return msg.Commit(ctx)
		})
	}()

	time.Sleep(10 * time.Millisecond) // let Run register its channel
	require.NoError(t, mb.Publish(ctx, Message{Topic: TopicEventsRaw, Key: "t1", Value: []byte("a")}))
	require.NoError(t, mb.Publish(ctx, Message{Topic: TopicEventsRaw, Key: "t1", Value: []byte("b")}))
	require.NoError(t, mb.Publish(ctx, Message{Topic: TopicEventsRaw, Key: "t1", Value: []byte("c")}))

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for delivery")
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestMemoryBrokerPublishAfterCloseErrors(t *testing.T) {
	mb := NewMemoryBroker()
	require.NoError(t, mb.Close())
	err := mb.Publish(context.Background(), Message{Topic: TopicAlerts, Value: []byte("x")})
	require.ErrorIs(t, err, ErrClosed)
}

func TestMemoryBrokerHandlerErrorPropagates(t *testing.T) {
	mb := NewMemoryBroker()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- mb.Run(ctx, "g1", []string{TopicAlerts}, func(ctx context.Context, msg ConsumedMessage) error {
			return errBoom
		})
	}()
	time.Sleep(10 * time.Millisecond)
	require.NoError(t, mb.Publish(ctx, Message{Topic: TopicAlerts, Value: []byte("x")}))

	select {
	case err := <-errCh:
		require.ErrorIs(t, err, errBoom)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for handler error")
	}
}
