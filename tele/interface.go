// Package tele is telemetry transport abstraction.
// Transports deliver every received message to single OnMessage callback,
// subscriptions are opened and closed per topic.
package tele

import (
	"context"
	"fmt"
	"io"
	"time"
)

var (
	ErrClosed        = fmt.Errorf("transport closed")
	ErrNotConnected  = fmt.Errorf("transport not connected")
	ErrSubscribeFail = fmt.Errorf("subscribe rejected")
)

// Message is one payload received for topic.
// Payload belongs to receiver, transport does not reuse it.
type Message struct {
	Topic    string
	Payload  []byte
	Received time.Time
}

func (m *Message) String() string {
	return fmt.Sprintf("topic=%s payload=%x", m.Topic, m.Payload)
}

type OnMessage func(Message)

// Subscriber is publish/subscribe transport client, vender style: background
// reconnect, subscriptions restored after reconnect.
type Subscriber interface {
	// Subscribe returns after broker accepted topic or ctx is done.
	// Close on result unsubscribes.
	Subscribe(ctx context.Context, topic string) (io.Closer, error)
	Close() error
}
