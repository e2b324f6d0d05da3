package fabric

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"
)

// RunSubscription consumes sub's topic and its retry topic with handler until ctx is
// cancelled. The retry processor holds each message until its x-not-before time.
func RunSubscription(ctx context.Context, brokers []string, sub Subscription, writer Writer, handler Handler, opts ...Option) error {
	primary := NewReader(ReaderConfig{Brokers: brokers, Group: sub.Group, Topic: sub.Topic})
	defer primary.Close()
	retry := NewReader(ReaderConfig{Brokers: brokers, Group: sub.Group, Topic: sub.RetryTopic()})
	defer retry.Close()

	retryOpts := append(append([]Option(nil), opts...), WithDelayedDelivery())

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return NewProcessor(sub, primary, writer, handler, opts...).Run(gctx)
	})
	g.Go(func() error {
		return NewProcessor(sub, retry, writer, handler, retryOpts...).Run(gctx)
	})

	err := g.Wait()
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
