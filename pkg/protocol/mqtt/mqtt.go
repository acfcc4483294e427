// Package mqtt implements the broker-mediated subscription adapter. Connect
// subscribes to the device's topics; inbound messages accumulate in a
// bounded queue that ReadPoints drains and matches against point codes.
package mqtt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jonboulle/clockwork"

	"github.com/stratumsix/fieldgate/pkg/model"
	"github.com/stratumsix/fieldgate/pkg/protocol"
)

const (
	defaultQueueCapacity = 1000
	defaultDrainWindow   = 5 * time.Second
)

func init() {
	protocol.Register(model.ProtocolMQTT, func(cfg protocol.Config) (protocol.Adapter, error) {
		return New(cfg)
	})
}

type message struct {
	topic   string
	payload []byte
}

// Adapter is an MQTT subscription driver for one broker endpoint.
type Adapter struct {
	log         *slog.Logger
	clock       clockwork.Clock
	device      model.Device
	timeout     time.Duration
	topics      []string
	drainWindow time.Duration

	queue   chan message
	dropped atomic.Int64

	mu        sync.Mutex
	client    paho.Client
	connected bool
}

// New builds the adapter without dialing. Topics come from the device
// metadata key "topics" (comma separated).
func New(cfg protocol.Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate mqtt adapter config: %w", err)
	}
	if cfg.Device.Host == "" {
		return nil, fmt.Errorf("device %s: host is required", cfg.Device.Code)
	}
	if cfg.Device.Port <= 0 {
		cfg.Device.Port = 1883
	}

	var topics []string
	for _, topic := range strings.Split(cfg.Device.Metadata["topics"], ",") {
		if topic = strings.TrimSpace(topic); topic != "" {
			topics = append(topics, topic)
		}
	}
	if len(topics) == 0 {
		return nil, fmt.Errorf("device %s: at least one topic is required", cfg.Device.Code)
	}

	return &Adapter{
		log:         cfg.Logger,
		clock:       cfg.Clock,
		device:      cfg.Device,
		timeout:     cfg.Timeout,
		topics:      topics,
		drainWindow: defaultDrainWindow,
		queue:       make(chan message, defaultQueueCapacity),
	}, nil
}

func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", a.device.Host, a.device.Port)).
		SetClientID(fmt.Sprintf("fieldgate-%s-%d", a.device.Code, a.clock.Now().UnixNano())).
		SetConnectTimeout(a.timeout).
		SetAutoReconnect(true)
	if user := a.device.Metadata["username"]; user != "" {
		opts.SetUsername(user)
		opts.SetPassword(a.device.Metadata["password"])
	}

	client := paho.NewClient(opts)
	if token := client.Connect(); !token.WaitTimeout(a.timeout) {
		return &protocol.ConnectionError{Device: a.device.Code, Err: errors.New("connect timed out")}
	} else if token.Error() != nil {
		return &protocol.ConnectionError{Device: a.device.Code, Err: token.Error()}
	}

	for _, topic := range a.topics {
		token := client.Subscribe(topic, 0, func(_ paho.Client, msg paho.Message) {
			a.enqueue(msg.Topic(), msg.Payload())
		})
		if !token.WaitTimeout(a.timeout) || token.Error() != nil {
			client.Disconnect(250)
			err := token.Error()
			if err == nil {
				err = errors.New("subscribe timed out")
			}
			return &protocol.ConnectionError{Device: a.device.Code, Err: fmt.Errorf("subscribe %s: %w", topic, err)}
		}
	}

	a.client = client
	a.connected = true
	a.log.Debug("mqtt: connected", "device", a.device.Code, "topics", a.topics)
	return nil
}

// enqueue pushes an inbound message onto the bounded queue. When the queue
// is full the newest message is rejected and counted, never retried.
func (a *Adapter) enqueue(topic string, payload []byte) {
	select {
	case a.queue <- message{topic: topic, payload: payload}:
	default:
		n := a.dropped.Add(1)
		a.log.Debug("mqtt: queue full, message dropped", "device", a.device.Code, "topic", topic, "dropped_total", n)
	}
}

// Dropped returns how many inbound messages were rejected on overflow.
func (a *Adapter) Dropped() int64 { return a.dropped.Load() }

// ReadPoints drains the subscription queue. It waits up to the drain window
// for a first message, then collects whatever else is already queued. Each
// JSON object payload contributes the fields whose keys match a point code;
// a scalar payload feeds a single requested point. Later messages win.
func (a *Adapter) ReadPoints(ctx context.Context, points []model.Point) ([]model.Reading, error) {
	a.mu.Lock()
	connected := a.connected
	a.mu.Unlock()
	if !connected {
		return nil, &protocol.ReadError{Device: a.device.Code, Err: errors.New("not connected")}
	}

	msgs := a.drain(ctx)
	now := a.clock.Now().UnixNano()

	latest := make(map[string]model.Reading)
	for _, msg := range msgs {
		a.apply(msg, points, now, latest)
	}

	readings := make([]model.Reading, 0, len(latest))
	for _, p := range points {
		if r, ok := latest[p.Code]; ok {
			readings = append(readings, r)
		}
	}
	return readings, nil
}

func (a *Adapter) drain(ctx context.Context) []message {
	var msgs []message

	timer := a.clock.NewTimer(a.drainWindow)
	defer timer.Stop()
	select {
	case m := <-a.queue:
		msgs = append(msgs, m)
	case <-timer.Chan():
		return nil
	case <-ctx.Done():
		return nil
	}

	for {
		select {
		case m := <-a.queue:
			msgs = append(msgs, m)
		default:
			return msgs
		}
	}
}

func (a *Adapter) apply(msg message, points []model.Point, now int64, latest map[string]model.Reading) {
	dec := json.NewDecoder(bytes.NewReader(msg.payload))
	dec.UseNumber()
	var decoded any
	if err := dec.Decode(&decoded); err != nil {
		a.log.Debug("mqtt: unparseable payload skipped", "device", a.device.Code, "topic", msg.topic, "error", err)
		return
	}

	switch body := decoded.(type) {
	case map[string]any:
		for _, p := range points {
			raw, ok := body[p.Code]
			if !ok {
				continue
			}
			latest[p.Code] = a.reading(p, raw, now)
		}
	default:
		// A scalar payload addresses exactly one requested point.
		if len(points) == 1 {
			latest[points[0].Code] = a.reading(points[0], decoded, now)
		} else {
			a.log.Debug("mqtt: scalar payload with multiple points skipped",
				"device", a.device.Code, "topic", msg.topic, "points", len(points))
		}
	}
}

func (a *Adapter) reading(p model.Point, raw any, now int64) model.Reading {
	r := model.Reading{Code: p.Code, TimestampNS: now, Quality: model.QualityGood}
	v, err := model.FromAny(raw)
	if err != nil {
		r.Quality = model.QualityBad
		r.Error = err.Error()
		return r
	}
	r.Value = v
	return r
}

func (a *Adapter) Health(ctx context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected && a.client != nil && a.client.IsConnected()
}

func (a *Adapter) Disconnect() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return
	}
	a.client.Disconnect(250)
	a.client = nil
	a.connected = false
}
