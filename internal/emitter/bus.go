package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/m-lab/trafficmon/pkg/trafficmon/model"
	"github.com/segmentio/kafka-go"
)

const (
	defaultPublishTimeout = 5 * time.Second
	publishQueueSize      = 256
)

// ErrPublishTimeout is returned when a message could not be published
// within the publish timeout.
var ErrPublishTimeout = errors.New("publish timed out")

// publisher turns run events into model.Event values and queues them for a
// background goroutine that hands them to send. Events are dropped when the
// queue is full. Publish failures are logged and otherwise ignored.
type publisher struct {
	name    string
	timeout time.Duration
	send    func(ctx context.Context, ev *model.Event) error

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan *model.Event
	done   chan struct{}

	mu      sync.Mutex
	closed  bool
	testIDs map[string]string
}

func newPublisher(name string, send func(context.Context, *model.Event) error) *publisher {
	ctx, cancel := context.WithCancel(context.Background())
	p := &publisher{
		name:    name,
		timeout: defaultPublishTimeout,
		send:    send,
		ctx:     ctx,
		cancel:  cancel,
		queue:   make(chan *model.Event, publishQueueSize),
		done:    make(chan struct{}),
		testIDs: map[string]string{},
	}
	go p.drain()
	return p
}

func (p *publisher) drain() {
	defer close(p.done)
	for ev := range p.queue {
		ctx, cancel := context.WithTimeout(p.ctx, p.timeout)
		err := p.send(ctx, ev)
		cancel()
		if err != nil {
			log.Warn("cannot publish event", "emitter", p.name, "run", ev.RunID,
				"type", ev.Type, "error", err)
		}
	}
}

// publish queues ev without blocking.
func (p *publisher) publish(ev *model.Event) {
	ev.Time = time.Now()
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.TestID == "" {
		ev.TestID = p.testIDs[ev.RunID]
	}
	if p.closed {
		return
	}
	select {
	case p.queue <- ev:
	default:
		publishDropped.WithLabelValues(p.name).Inc()
		log.Warn("publish queue full, event dropped", "emitter", p.name,
			"run", ev.RunID, "type", ev.Type)
	}
}

// close stops accepting events and waits for the queued ones to be sent.
// Events still queued after the publish timeout are abandoned.
func (p *publisher) close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	select {
	case <-p.done:
	case <-time.After(p.timeout):
		p.cancel()
		<-p.done
	}
	p.cancel()
}

func (p *publisher) OnStart(run *model.RunResult) {
	p.mu.Lock()
	p.testIDs[run.ID] = run.Config.ID()
	p.mu.Unlock()
	p.publish(&model.Event{Type: model.EventStart, RunID: run.ID, Run: run.Archive()})
}

func (p *publisher) OnInterval(runID string, r *model.IntervalResult) {
	p.publish(&model.Event{Type: model.EventInterval, RunID: runID,
		TestID: r.TestID, Interval: r})
}

func (p *publisher) OnMismatch(runID string, err error) {
	p.publish(&model.Event{Type: model.EventMismatch, RunID: runID, Error: err.Error()})
}

func (p *publisher) OnReset(runID, group, endpoint string) {
	p.publish(&model.Event{Type: model.EventReset, RunID: runID, Group: group,
		Endpoint: endpoint})
}

func (p *publisher) OnError(runID string, err error) {
	p.publish(&model.Event{Type: model.EventError, RunID: runID, Error: err.Error()})
}

func (p *publisher) OnSummary(run *model.RunResult) {
	p.publish(&model.Event{Type: model.EventSummary, RunID: run.ID,
		TestID: run.Config.ID(), Run: run.Archive()})
	p.mu.Lock()
	delete(p.testIDs, run.ID)
	p.mu.Unlock()
}

// MessageWriter writes messages to a Kafka topic. *kafka.Writer implements
// it.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka publishes run events as JSON messages keyed by run ID.
type Kafka struct {
	*publisher
	writer MessageWriter
}

// NewKafka returns a Kafka emitter writing to topic on the given brokers.
func NewKafka(brokers []string, topic string) *Kafka {
	return NewKafkaWriter(&kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.LeastBytes{},
		BatchTimeout: 10 * time.Millisecond,
	})
}

// NewKafkaWriter returns a Kafka emitter using the given writer.
func NewKafkaWriter(w MessageWriter) *Kafka {
	k := &Kafka{writer: w}
	k.publisher = newPublisher("kafka", k.send)
	return k
}

func (k *Kafka) send(ctx context.Context, ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	return k.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.RunID),
		Value: data,
		Time:  ev.Time,
	})
}

// Close sends the queued events and closes the underlying writer.
func (k *Kafka) Close() error {
	k.publisher.close()
	return k.writer.Close()
}

// Publisher publishes MQTT messages. mqtt.Client implements it.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// MQTT publishes run events as JSON messages on "<topic>/<event type>".
type MQTT struct {
	*publisher
	client Publisher
	topic  string
	qos    byte
}

// DialMQTT connects to broker and returns an MQTT emitter publishing under
// topic.
func DialMQTT(broker, clientID, topic string, qos byte) (*MQTT, error) {
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetConnectTimeout(10 * time.Second).
		SetAutoReconnect(true)
	c := mqtt.NewClient(opts)
	if token := c.Connect(); token.Wait() && token.Error() != nil {
		return nil, token.Error()
	}
	return NewMQTT(c, topic, qos), nil
}

// NewMQTT returns an MQTT emitter using the given client.
func NewMQTT(client Publisher, topic string, qos byte) *MQTT {
	m := &MQTT{client: client, topic: topic, qos: qos}
	m.publisher = newPublisher("mqtt", m.send)
	return m
}

func (m *MQTT) send(ctx context.Context, ev *model.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	token := m.client.Publish(m.topic+"/"+string(ev.Type), m.qos, false, data)
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ErrPublishTimeout
	}
}

// Close sends the queued events and disconnects the client, if it is an
// mqtt.Client.
func (m *MQTT) Close() error {
	m.publisher.close()
	if c, ok := m.client.(mqtt.Client); ok {
		c.Disconnect(250)
	}
	return nil
}

var (
	_ Emitter = &Kafka{}
	_ Emitter = &MQTT{}
)
