package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/m-lab/go/testingx"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/m-lab/trafficmon/pkg/trafficmon/spec"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
)

var testRun = &model.RunResult{
	ID:        "run-1",
	Config:    model.TestConfig{{Name: "ap", Value: "ap1"}, {Name: "band", Value: "5g"}},
	State:     model.StateCompleted,
	Intervals: 1,
	Passed:    1,
}

var testInterval = &model.IntervalResult{
	Index:            1,
	TestID:           "ap1_5g",
	Aggregate:        110,
	Expected:         110,
	Increased:        true,
	MeetsExpectation: true,
}

// emitAll sends one event of every kind to e.
func emitAll(e Emitter) {
	e.OnStart(testRun)
	e.OnInterval(testRun.ID, testInterval)
	e.OnMismatch(testRun.ID, errors.New("mismatch"))
	e.OnReset(testRun.ID, "wiphy0", "sta0")
	e.OnError(testRun.ID, errors.New("fatal"))
	e.OnSummary(testRun)
}

var allTypes = []model.EventType{model.EventStart, model.EventInterval,
	model.EventMismatch, model.EventReset, model.EventError, model.EventSummary}

type recording struct {
	events []string
}

func (r *recording) OnStart(run *model.RunResult) { r.events = append(r.events, "start") }
func (r *recording) OnInterval(runID string, res *model.IntervalResult) {
	r.events = append(r.events, "interval")
}
func (r *recording) OnMismatch(runID string, err error) { r.events = append(r.events, "mismatch") }
func (r *recording) OnReset(runID, group, endpoint string) {
	r.events = append(r.events, "reset")
}
func (r *recording) OnError(runID string, err error) { r.events = append(r.events, "error") }
func (r *recording) OnSummary(run *model.RunResult) { r.events = append(r.events, "summary") }

func TestMulti(t *testing.T) {
	a, b := &recording{}, &recording{}
	emitAll(Multi{a, HumanReadable{}, b})
	want := []string{"start", "interval", "mismatch", "reset", "error", "summary"}
	if !reflect.DeepEqual(a.events, want) || !reflect.DeepEqual(b.events, want) {
		t.Errorf("Multi forwarded %v and %v, want %v", a.events, b.events, want)
	}
}

func TestPrometheus(t *testing.T) {
	p := Prometheus{}
	before := testutil.ToFloat64(intervalsTotal.WithLabelValues("ap1_5g", spec.Pass))
	emitAll(p)
	if got := testutil.ToFloat64(intervalsTotal.WithLabelValues("ap1_5g", spec.Pass)); got != before+1 {
		t.Errorf("intervals counter = %f, want %f", got, before+1)
	}
	if got := testutil.ToFloat64(aggregateBytes.WithLabelValues("ap1_5g")); got != 110 {
		t.Errorf("aggregate gauge = %f, want 110", got)
	}
	if got := testutil.ToFloat64(resetsTotal.WithLabelValues("wiphy0")); got < 1 {
		t.Errorf("resets counter = %f", got)
	}
}

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (f *fakeWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
	return f.err
}

func (f *fakeWriter) Close() error {
	f.closed = true
	return nil
}

func TestKafka(t *testing.T) {
	w := &fakeWriter{}
	k := NewKafkaWriter(w)
	emitAll(k)
	testingx.Must(t, k.Close(), "Close failed")
	if !w.closed {
		t.Errorf("writer not closed")
	}
	if len(w.msgs) != len(allTypes) {
		t.Fatalf("got %d messages, want %d", len(w.msgs), len(allTypes))
	}
	for i, msg := range w.msgs {
		if string(msg.Key) != testRun.ID {
			t.Errorf("message %d key = %s", i, msg.Key)
		}
		ev := &model.Event{}
		testingx.Must(t, json.Unmarshal(msg.Value, ev), "cannot unmarshal event")
		if ev.Type != allTypes[i] {
			t.Errorf("message %d type = %s, want %s", i, ev.Type, allTypes[i])
		}
		if ev.TestID != "ap1_5g" {
			t.Errorf("message %d test id = %q", i, ev.TestID)
		}
	}

	// Publish errors do not propagate, and events published after Close
	// are ignored.
	w = &fakeWriter{err: errors.New("broker down")}
	k = NewKafkaWriter(w)
	k.OnInterval(testRun.ID, testInterval)
	testingx.Must(t, k.Close(), "Close failed")
	k.OnSummary(testRun)
	if len(w.msgs) != 1 {
		t.Errorf("got %d write attempts, want 1", len(w.msgs))
	}
}

// blockingWriter blocks every write until release is closed or the write
// context expires.
type blockingWriter struct {
	release chan struct{}
}

func (b *blockingWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *blockingWriter) Close() error { return nil }

func TestKafka_BlockedBroker(t *testing.T) {
	w := &blockingWriter{release: make(chan struct{})}
	k := NewKafkaWriter(w)
	k.timeout = 50 * time.Millisecond

	// Publishing never waits for the broker, even once the queue is full.
	before := testutil.ToFloat64(publishDropped.WithLabelValues("kafka"))
	start := time.Now()
	for i := 0; i < publishQueueSize+10; i++ {
		k.OnInterval(testRun.ID, testInterval)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("publishing took %v", elapsed)
	}
	if got := testutil.ToFloat64(publishDropped.WithLabelValues("kafka")); got < before+9 {
		t.Errorf("dropped events = %f, want at least %f", got, before+9)
	}

	// Close gives up on a broker that does not answer.
	start = time.Now()
	testingx.Must(t, k.Close(), "Close failed")
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Close() took %v", elapsed)
	}
	close(w.release)
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func (f *fakeToken) Wait() bool { <-f.done; return true }
func (f *fakeToken) WaitTimeout(time.Duration) bool { return f.Wait() }
func (f *fakeToken) Done() <-chan struct{} { return f.done }
func (f *fakeToken) Error() error { return f.err }

type fakePublisher struct {
	topics   []string
	payloads [][]byte
	block    bool
}

func (f *fakePublisher) Publish(topic string, qos byte, retained bool,
	payload interface{}) mqtt.Token {
	f.topics = append(f.topics, topic)
	f.payloads = append(f.payloads, payload.([]byte))
	tok := &fakeToken{done: make(chan struct{})}
	if !f.block {
		close(tok.done)
	}
	return tok
}

func TestMQTT(t *testing.T) {
	p := &fakePublisher{}
	m := NewMQTT(p, "trafficmon", 1)
	emitAll(m)
	testingx.Must(t, m.Close(), "Close failed")
	if len(p.topics) != len(allTypes) {
		t.Fatalf("got %d messages, want %d", len(p.topics), len(allTypes))
	}
	for i, topic := range p.topics {
		if want := "trafficmon/" + string(allTypes[i]); topic != want {
			t.Errorf("message %d topic = %s, want %s", i, topic, want)
		}
	}

	// A publish that never completes times out.
	p.block = true
	m.timeout = 10 * time.Millisecond
	ev := &model.Event{Type: model.EventReset}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.send(ctx, ev); !errors.Is(err, ErrPublishTimeout) {
		t.Errorf("send() error = %v, want %v", err, ErrPublishTimeout)
	}
}
