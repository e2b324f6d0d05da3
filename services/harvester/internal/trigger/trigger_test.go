package trigger

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"example.com/harvester/internal/harvest"
)

var key = harvest.Key{SourceID: "github", EntityID: "acme/widgets:issues"}

type stubRunner struct {
	mu   sync.Mutex
	runs []harvest.Key
	errs []error
}

func (r *stubRunner) Run(_ context.Context, k harvest.Key) (harvest.RunResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runs = append(r.runs, k)
	if len(r.errs) > 0 {
		err := r.errs[0]
		r.errs = r.errs[1:]
		return harvest.RunResult{Key: k}, err
	}
	return harvest.RunResult{Key: k}, nil
}

func (r *stubRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.runs)
}

func setup(t *testing.T, runner harvest.Runner, maxAttempts int) (*redis.Client, *Producer, *Consumer) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	consumer, err := NewConsumer(context.Background(), client, ConsumerConfig{
		Group:       "harvester",
		Consumer:    "worker-1",
		Block:       20 * time.Millisecond,
		MaxAttempts: maxAttempts,
	}, runner, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	consumer.sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }

	return client, NewProducer(client, ""), consumer
}

func runConsumer(t *testing.T, c *Consumer) (cancel func()) {
	t.Helper()
	ctx, stop := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	return func() {
		stop()
		<-done
	}
}

func pending(t *testing.T, client *redis.Client) int64 {
	t.Helper()
	res, err := client.XPending(context.Background(), DefaultStream, "harvester").Result()
	require.NoError(t, err)
	return res.Count
}

func TestConsumerRunsTriggeredHarvest(t *testing.T) {
	runner := &stubRunner{}
	client, producer, consumer := setup(t, runner, 3)

	_, err := producer.Enqueue(context.Background(), key, "ops")
	require.NoError(t, err)

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
	stop()

	require.Equal(t, key, runner.runs[0])
	require.Zero(t, pending(t, client))
}

func TestConsumerRequeuesLeasedKey(t *testing.T) {
	runner := &stubRunner{errs: []error{harvest.ErrRunInProgress}}
	client, producer, consumer := setup(t, runner, 3)

	_, err := producer.Enqueue(context.Background(), key, "ops")
	require.NoError(t, err)

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return runner.count() == 2 }, time.Second, 5*time.Millisecond)
	stop()

	require.Zero(t, pending(t, client))
	entries, err := client.XRange(context.Background(), DefaultStream, "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)
	requeued, err := parse(entries[1])
	require.NoError(t, err)
	require.Equal(t, 2, requeued.Attempt)
	require.Equal(t, harvest.ErrRunInProgress.Error(), requeued.LastError)
}

func TestConsumerDropsTriggerAfterMaxAttempts(t *testing.T) {
	runner := &stubRunner{errs: []error{harvest.ErrRunInProgress, harvest.ErrRunInProgress, harvest.ErrRunInProgress}}
	client, producer, consumer := setup(t, runner, 2)

	_, err := producer.Enqueue(context.Background(), key, "")
	require.NoError(t, err)

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return runner.count() == 2 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()

	require.Equal(t, 2, runner.count())
	require.Zero(t, pending(t, client))
}

func TestConsumerAcknowledgesFailedRuns(t *testing.T) {
	runner := &stubRunner{errs: []error{errors.New("harvest aborted")}}
	client, producer, consumer := setup(t, runner, 3)

	_, err := producer.Enqueue(context.Background(), key, "")
	require.NoError(t, err)

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()

	require.Equal(t, 1, runner.count())
	require.Zero(t, pending(t, client))
}

func TestConsumerRecoversPendingOnStart(t *testing.T) {
	runner := &stubRunner{}
	client, producer, consumer := setup(t, runner, 3)
	ctx := context.Background()

	_, err := producer.Enqueue(ctx, key, "")
	require.NoError(t, err)

	// A previous process read the entry and died before acknowledging it.
	_, err = client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "harvester",
		Consumer: "worker-1",
		Streams:  []string{DefaultStream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, pending(t, client))

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return runner.count() == 1 }, time.Second, 5*time.Millisecond)
	stop()
	require.Zero(t, pending(t, client))
}

func TestConsumerRecoversPendingBeyondOneBatch(t *testing.T) {
	runner := &stubRunner{}
	client, producer, consumer := setup(t, runner, 3)
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		_, err := producer.Enqueue(ctx, key, "")
		require.NoError(t, err)
	}
	_, err := client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    "harvester",
		Consumer: "worker-1",
		Streams:  []string{DefaultStream, ">"},
		Count:    25,
		Block:    -1,
	}).Result()
	require.NoError(t, err)
	require.EqualValues(t, 25, pending(t, client))

	// Redis applies COUNT to pending-history reads; miniredis returns the whole list.
	var historyReads []string
	inner := consumer.readGroup
	consumer.readGroup = func(ctx context.Context, args *redis.XReadGroupArgs) ([]redis.XStream, error) {
		streams, err := inner(ctx, args)
		if from := args.Streams[1]; from != ">" {
			historyReads = append(historyReads, from)
			for i := range streams {
				if n := int(args.Count); len(streams[i].Messages) > n {
					streams[i].Messages = streams[i].Messages[:n]
				}
			}
		}
		return streams, err
	}

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return runner.count() == 25 }, time.Second, 5*time.Millisecond)
	stop()

	require.Zero(t, pending(t, client))
	require.GreaterOrEqual(t, len(historyReads), 3)
	require.Equal(t, "0", historyReads[0])
}

func TestConsumerServesOtherKeysWhileRequeuedKeyWaits(t *testing.T) {
	other := harvest.Key{SourceID: "github", EntityID: "acme/gadgets:pulls"}
	runner := &stubRunner{errs: []error{harvest.ErrRunInProgress}}
	client, producer, consumer := setup(t, runner, 3)
	consumer.cfg.RequeueDelay = time.Hour
	ctx := context.Background()

	_, err := producer.Enqueue(ctx, key, "")
	require.NoError(t, err)
	_, err = producer.Enqueue(ctx, other, "")
	require.NoError(t, err)

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool {
		return runner.count() == 2 && pending(t, client) == 1
	}, time.Second, 5*time.Millisecond)
	stop()

	require.Equal(t, []harvest.Key{key, other}, runner.runs)
	require.Len(t, consumer.deferred, 1, "the requeued request waits in memory, still pending")
	waiting := consumer.deferred[0]
	require.Equal(t, key, waiting.Key)
	require.Equal(t, 2, waiting.Attempt)
	require.WithinDuration(t, time.Now().Add(time.Hour), waiting.NotBefore, time.Minute)
}

func TestDeferredRequestRunsWhenDue(t *testing.T) {
	runner := &stubRunner{}
	client, _, consumer := setup(t, runner, 3)
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	consumer.now = func() time.Time { return now }
	consumer.cfg.Block = 5 * time.Minute

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: DefaultStream,
		Values: values(Request{Key: key, Attempt: 2, NotBefore: now.Add(time.Minute)}),
	}).Err())

	reqs, _, err := consumer.read(context.Background(), ">", -1)
	require.NoError(t, err)
	require.Len(t, reqs, 1)
	consumer.dispatch(context.Background(), reqs[0])
	require.Zero(t, runner.count())
	require.Equal(t, time.Minute, consumer.blockFor())

	now = now.Add(30 * time.Second)
	require.Equal(t, 30*time.Second, consumer.blockFor())
	consumer.runDue(context.Background())
	require.Zero(t, runner.count())

	now = now.Add(31 * time.Second)
	consumer.runDue(context.Background())
	require.Equal(t, 1, runner.count())
	require.Empty(t, consumer.deferred)
	require.Zero(t, pending(t, client))
}

func TestMalformedTriggerIsDropped(t *testing.T) {
	runner := &stubRunner{}
	client, _, consumer := setup(t, runner, 3)

	require.NoError(t, client.XAdd(context.Background(), &redis.XAddArgs{
		Stream: DefaultStream,
		Values: map[string]any{"entity_id": "acme/widgets:issues"},
	}).Err())

	stop := runConsumer(t, consumer)
	require.Eventually(t, func() bool { return pending(t, client) == 0 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	stop()
	require.Zero(t, runner.count())
}

func TestNewConsumerToleratesExistingGroup(t *testing.T) {
	runner := &stubRunner{}
	client, _, _ := setup(t, runner, 3)

	_, err := NewConsumer(context.Background(), client, ConsumerConfig{Group: "harvester", Consumer: "worker-2"}, runner, nil)
	require.NoError(t, err)
}
