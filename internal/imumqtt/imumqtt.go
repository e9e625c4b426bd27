// Package imumqtt subscribes to gyro samples on an MQTT broker and publishes
// flow run summaries back to it.
package imumqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/motionflow/internal/events"
	"github.com/banshee-data/motionflow/internal/flow"
	"github.com/banshee-data/motionflow/internal/monitoring"
)

// Default topics.
const (
	DefaultIMUTopic     = "motionflow/imu"
	DefaultSummaryTopic = "motionflow/summary"
)

// Options configures the broker connection.
type Options struct {
	Broker       string // e.g. tcp://localhost:1883
	ClientID     string
	IMUTopic     string
	SummaryTopic string
	QoS          byte
	Timeout      time.Duration
}

func (o Options) withDefaults() Options {
	if o.ClientID == "" {
		o.ClientID = "motionflow"
	}
	if o.IMUTopic == "" {
		o.IMUTopic = DefaultIMUTopic
	}
	if o.SummaryTopic == "" {
		o.SummaryTopic = DefaultSummaryTopic
	}
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	return o
}

// ClientOptions builds the paho options for o.
func (o Options) ClientOptions() *mqtt.ClientOptions {
	o = o.withDefaults()
	return mqtt.NewClientOptions().
		AddBroker(o.Broker).
		SetClientID(o.ClientID).
		SetConnectTimeout(o.Timeout).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			monitoring.Logf("[imumqtt] connection lost: %v", err)
		})
}

// Client is the subset of mqtt.Client used here.
type Client interface {
	Subscribe(topic string, qos byte, callback mqtt.MessageHandler) mqtt.Token
	Unsubscribe(topics ...string) mqtt.Token
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
}

// Bridge moves IMU samples and summaries between a broker and the pipeline.
type Bridge struct {
	client Client
	opts   Options
}

// Connect dials the broker and returns a Bridge on the connection.
func Connect(opts Options) (*Bridge, func(), error) {
	client := mqtt.NewClient(opts.ClientOptions())
	token := client.Connect()
	if !token.WaitTimeout(opts.withDefaults().Timeout) {
		return nil, nil, fmt.Errorf("connect %s: timed out", opts.Broker)
	}
	if err := token.Error(); err != nil {
		return nil, nil, fmt.Errorf("connect %s: %w", opts.Broker, err)
	}
	monitoring.Logf("[imumqtt] connected to %s", opts.Broker)
	return NewBridge(client, opts), func() { client.Disconnect(250) }, nil
}

func NewBridge(client Client, opts Options) *Bridge {
	return &Bridge{client: client, opts: opts.withDefaults()}
}

func (b *Bridge) wait(token mqtt.Token, what string) error {
	if !token.WaitTimeout(b.opts.Timeout) {
		return fmt.Errorf("%s: timed out", what)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("%s: %w", what, err)
	}
	return nil
}

// Handler returns the message handler that decodes payloads onto out.
// Undecodable payloads are logged and dropped. Delivery blocks until out
// accepts the sample or ctx is done.
func Handler(ctx context.Context, out chan<- flow.IMUSample) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		sample, err := events.ParseIMULine(string(msg.Payload()))
		if err != nil {
			if !events.IsSkip(err) {
				monitoring.Logf("[imumqtt] dropping payload on %s: %v", msg.Topic(), err)
			}
			return
		}
		select {
		case out <- sample:
		case <-ctx.Done():
		}
	}
}

// Subscribe streams samples from the IMU topic to out until ctx is done.
// No sample is sent on out after Subscribe returns, so the caller may
// close it.
func (b *Bridge) Subscribe(ctx context.Context, out chan<- flow.IMUSample) error {
	var mu sync.RWMutex
	stopped := false
	handle := Handler(ctx, out)
	guarded := func(c mqtt.Client, msg mqtt.Message) {
		mu.RLock()
		defer mu.RUnlock()
		if !stopped {
			handle(c, msg)
		}
	}

	topic := b.opts.IMUTopic
	if err := b.wait(b.client.Subscribe(topic, b.opts.QoS, guarded), "subscribe "+topic); err != nil {
		return err
	}
	<-ctx.Done()
	mu.Lock()
	stopped = true
	mu.Unlock()
	if err := b.wait(b.client.Unsubscribe(topic), "unsubscribe "+topic); err != nil {
		monitoring.Logf("[imumqtt] %v", err)
	}
	return ctx.Err()
}

// PublishSummary publishes s as retained JSON on the summary topic.
func (b *Bridge) PublishSummary(s flow.Summary) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal summary: %w", err)
	}
	return b.wait(b.client.Publish(b.opts.SummaryTopic, b.opts.QoS, true, payload), "publish "+b.opts.SummaryTopic)
}
