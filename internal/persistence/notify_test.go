package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type publishCall struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

type fakePublisher struct {
	calls []publishCall
	err   error
}

func (p *fakePublisher) Publish(topic string, payload []byte, qos byte, retained bool) error {
	p.calls = append(p.calls, publishCall{topic, payload, qos, retained})
	return p.err
}

func TestMQTTNotifier(t *testing.T) {
	changes := ChangeSet{
		ID:       "cs-1",
		Inserted: []Ref{{Kind: kindNote, ID: 1}},
		Deleted:  []Ref{{Kind: kindNote, ID: 2}},
	}

	t.Run("publishes JSON at QoS 1", func(t *testing.T) {
		pub := &fakePublisher{}
		n := NewMQTTNotifier(pub, "")
		if n.Topic() != DefaultChangeTopic {
			t.Errorf("Topic() = %q, want %q", n.Topic(), DefaultChangeTopic)
		}

		if err := n.Notify(context.Background(), changes); err != nil {
			t.Fatalf("Notify() error = %v", err)
		}
		if len(pub.calls) != 1 {
			t.Fatalf("publish calls = %d, want 1", len(pub.calls))
		}
		call := pub.calls[0]
		if call.topic != DefaultChangeTopic || call.qos != 1 || call.retained {
			t.Errorf("publish(%q, qos %d, retained %v)", call.topic, call.qos, call.retained)
		}

		var got ChangeSet
		if err := json.Unmarshal(call.payload, &got); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if diff := cmp.Diff(changes, got); diff != "" {
			t.Errorf("payload mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("publish error", func(t *testing.T) {
		boom := errors.New("broker down")
		n := NewMQTTNotifier(&fakePublisher{err: boom}, "site/changes")
		if err := n.Notify(context.Background(), changes); !errors.Is(err, boom) {
			t.Errorf("Notify() error = %v, want broker down", err)
		}
	})

	t.Run("cancelled context", func(t *testing.T) {
		pub := &fakePublisher{}
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		if err := NewMQTTNotifier(pub, "").Notify(ctx, changes); !errors.Is(err, context.Canceled) {
			t.Errorf("Notify() error = %v, want context.Canceled", err)
		}
		if len(pub.calls) != 0 {
			t.Error("published on a cancelled context")
		}
	})
}

func TestChangeSetEmpty(t *testing.T) {
	if !(ChangeSet{ID: "x"}).Empty() {
		t.Error("ChangeSet without refs is not empty")
	}
	if (ChangeSet{Updated: []Ref{{Kind: kindNote, ID: 1}}}).Empty() {
		t.Error("ChangeSet with an update is empty")
	}
}

type failingNotifier struct{ err error }

func (n failingNotifier) Notify(context.Context, ChangeSet) error { return n.err }

func TestNotifiersFanOut(t *testing.T) {
	changes := ChangeSet{ID: "cs-3", Updated: []Ref{{Kind: kindNote, ID: 5}}}
	first, last := &fakeNotifier{}, &fakeNotifier{}
	boom := errors.New("broker down")

	err := Notifiers{first, failingNotifier{boom}, last}.Notify(context.Background(), changes)
	if !errors.Is(err, boom) {
		t.Errorf("Notify() error = %v, want %v", err, boom)
	}
	for name, n := range map[string]*fakeNotifier{"first": first, "last": last} {
		if diff := cmp.Diff([]ChangeSet{changes}, n.received()); diff != "" {
			t.Errorf("%s notifier mismatch (-want +got):\n%s", name, diff)
		}
	}

	if err := (Notifiers{}).Notify(context.Background(), changes); err != nil {
		t.Errorf("empty Notifiers error = %v", err)
	}
}
