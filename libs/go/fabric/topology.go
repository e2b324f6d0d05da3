package fabric

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"

	"github.com/segmentio/kafka-go"

	"example.com/platform/libs/go/events"
)

// Consumer groups.
const (
	GroupChallenge    = "challenge-service"
	GroupNotification = "notification-service"
	GroupDeadLetters  = "dlq-manager"
)

// Subscription binds a consumer group to an event topic.
type Subscription struct {
	Topic string
	Group string
}

// RetryTopic is the delayed redelivery topic of a subscription.
func (s Subscription) RetryTopic() string {
	return RetryTopic(s.Topic, s.Group)
}

// DeadLetterTopic is the terminal topic of a subscription.
func (s Subscription) DeadLetterTopic() string {
	return DeadLetterTopic(s.Topic, s.Group)
}

func RetryTopic(topic, group string) string {
	return topic + "." + group + ".retry"
}

func DeadLetterTopic(topic, group string) string {
	return topic + "." + group + ".dlq"
}

// Topology lists the event topics and the per-group retry and dead-letter topics.
type Topology struct {
	EventTopics       []string
	Subscriptions     []Subscription
	Partitions        int
	ReplicationFactor int
}

// DefaultTopology routes harvest events to the challenge service and completed challenges to
// the notification service.
func DefaultTopology() Topology {
	return Topology{
		EventTopics: []string{
			events.TypeRecordChanged,
			events.TypeChallengeProgressed,
			events.TypeChallengeCompleted,
		},
		Subscriptions: []Subscription{
			{Topic: events.TypeRecordChanged, Group: GroupChallenge},
			{Topic: events.TypeChallengeCompleted, Group: GroupNotification},
		},
		Partitions:        6,
		ReplicationFactor: 1,
	}
}

// SubscriptionsFor returns the subscriptions owned by group.
func (t Topology) SubscriptionsFor(group string) []Subscription {
	var subs []Subscription
	for _, s := range t.Subscriptions {
		if s.Group == group {
			subs = append(subs, s)
		}
	}
	return subs
}

// DeadLetterTopics lists every dead-letter topic in the topology.
func (t Topology) DeadLetterTopics() []string {
	out := make([]string, 0, len(t.Subscriptions))
	for _, s := range t.Subscriptions {
		out = append(out, s.DeadLetterTopic())
	}
	return out
}

// TopicConfigs expands the topology into the topics that must exist.
func (t Topology) TopicConfigs() []kafka.TopicConfig {
	partitions := t.Partitions
	if partitions <= 0 {
		partitions = 1
	}
	replication := t.ReplicationFactor
	if replication <= 0 {
		replication = 1
	}

	seen := make(map[string]struct{})
	var configs []kafka.TopicConfig
	add := func(name string, parts int) {
		if _, ok := seen[name]; ok {
			return
		}
		seen[name] = struct{}{}
		configs = append(configs, kafka.TopicConfig{Topic: name, NumPartitions: parts, ReplicationFactor: replication})
	}

	for _, topic := range t.EventTopics {
		add(topic, partitions)
	}
	for _, s := range t.Subscriptions {
		add(s.RetryTopic(), partitions)
		add(s.DeadLetterTopic(), 1)
	}
	return configs
}

// Declare creates any missing topics through the cluster controller.
func (t Topology) Declare(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return errors.New("no kafka brokers configured")
	}

	dialer := &kafka.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", brokers[0])
	if err != nil {
		return fmt.Errorf("dial broker: %w", err)
	}
	defer conn.Close()

	controller, err := conn.Controller()
	if err != nil {
		return fmt.Errorf("find controller: %w", err)
	}

	controllerConn, err := dialer.DialContext(ctx, "tcp", net.JoinHostPort(controller.Host, strconv.Itoa(controller.Port)))
	if err != nil {
		return fmt.Errorf("dial controller: %w", err)
	}
	defer controllerConn.Close()

	if err := controllerConn.CreateTopics(t.TopicConfigs()...); err != nil && !errors.Is(err, kafka.TopicAlreadyExists) {
		return fmt.Errorf("create topics: %w", err)
	}
	return nil
}
