package tele

import (
	"context"
	"io"
)

// Noop accepts all subscriptions and never delivers messages.
// Used when transport is disabled in config.
type Noop struct{}

var _ Subscriber = Noop{} // compile-time interface test

func (Noop) Subscribe(context.Context, string) (io.Closer, error) { return noopCloser{}, nil }

func (Noop) Close() error { return nil }

type noopCloser struct{}

func (noopCloser) Close() error { return nil }

// Func adapts function pair to Subscriber. Useful in tests.
type Func struct {
	SubscribeFunc   func(ctx context.Context, topic string) error
	UnsubscribeFunc func(topic string) error
}

var _ Subscriber = Func{}

func (f Func) Subscribe(ctx context.Context, topic string) (io.Closer, error) {
	if f.SubscribeFunc != nil {
		if err := f.SubscribeFunc(ctx, topic); err != nil {
			return nil, err
		}
	}
	return closerFunc(func() error {
		if f.UnsubscribeFunc != nil {
			return f.UnsubscribeFunc(topic)
		}
		return nil
	}), nil
}

func (Func) Close() error { return nil }

type closerFunc func() error

func (f closerFunc) Close() error { return f() }
