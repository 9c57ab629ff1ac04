package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// DefaultChangeTopic is the topic committed change sets are published on.
const DefaultChangeTopic = "graylogic/persistence/changes"

// Notifier receives every non-empty change set after it became durable.
type Notifier interface {
	Notify(ctx context.Context, changes ChangeSet) error
}

// Notifiers fans a change set out to every notifier in order. All are
// called even when one fails; the errors are joined.
type Notifiers []Notifier

// Notify implements Notifier.
func (ns Notifiers) Notify(ctx context.Context, changes ChangeSet) error {
	var errs []error
	for _, n := range ns {
		if err := n.Notify(ctx, changes); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is the publishing half of an MQTT client; *mqtt.Client satisfies it.
type Publisher interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
}

// MQTTNotifier publishes change sets as JSON.
type MQTTNotifier struct {
	publisher Publisher
	topic     string
	qos       byte
}

// NewMQTTNotifier creates a notifier publishing on topic at QoS 1.
// An empty topic selects DefaultChangeTopic.
func NewMQTTNotifier(publisher Publisher, topic string) *MQTTNotifier {
	if topic == "" {
		topic = DefaultChangeTopic
	}
	return &MQTTNotifier{publisher: publisher, topic: topic, qos: 1}
}

// Topic returns the topic the notifier publishes on.
func (n *MQTTNotifier) Topic() string {
	return n.topic
}

// Notify implements Notifier. Change sets are events, so they are never retained.
func (n *MQTTNotifier) Notify(ctx context.Context, changes ChangeSet) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := json.Marshal(changes)
	if err != nil {
		return fmt.Errorf("encoding change set %s: %w", changes.ID, err)
	}
	if err := n.publisher.Publish(n.topic, payload, n.qos, false); err != nil {
		return fmt.Errorf("publishing change set %s: %w", changes.ID, err)
	}
	return nil
}

func newChangeSetID() string {
	return uuid.NewString()
}
