package fabric

import (
	"strconv"
	"sync"

	"github.com/segmentio/kafka-go"
)

// offsetTracker releases commits only up to the highest contiguous completed offset of each
// partition, so concurrent handling never commits past an unfinished message.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[string]*partitionOffsets
}

type partitionOffsets struct {
	pending []int64
	done    map[int64]kafka.Message
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[string]*partitionOffsets)}
}

func partitionKey(msg kafka.Message) string {
	return msg.Topic + "/" + strconv.Itoa(msg.Partition)
}

// track registers a fetched message. Messages of one partition arrive in offset order.
func (t *offsetTracker) track(msg kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := partitionKey(msg)
	p, ok := t.partitions[key]
	if !ok {
		p = &partitionOffsets{done: make(map[int64]kafka.Message)}
		t.partitions[key] = p
	}
	p.pending = append(p.pending, msg.Offset)
}

// complete marks msg finished and returns the message whose offset may now be committed.
func (t *offsetTracker) complete(msg kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.partitions[partitionKey(msg)]
	if !ok {
		return kafka.Message{}, false
	}
	p.done[msg.Offset] = msg

	var (
		commit kafka.Message
		found  bool
	)
	for len(p.pending) > 0 {
		head, ok := p.done[p.pending[0]]
		if !ok {
			break
		}
		commit, found = head, true
		delete(p.done, p.pending[0])
		p.pending = p.pending[1:]
	}
	return commit, found
}

// inFlight reports the number of tracked but uncommitted messages.
func (t *offsetTracker) inFlight() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, p := range t.partitions {
		n += len(p.pending)
	}
	return n
}
