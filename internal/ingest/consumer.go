package ingest

import (
	"context"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/smartsensor/sensor-gateway/internal/infrastructure/config"
	"github.com/smartsensor/sensor-gateway/internal/infrastructure/mqtt"
)

const (
	defaultWorkers   = 4
	workerQueueDepth = 128
)

// inbound is one MQTT message awaiting admission.
type inbound struct {
	topic   string
	payload []byte
	ack     func()
}

// Consumer drains device telemetry from the MQTT session into the
// pipeline.
//
// Frames are routed to a fixed worker by a hash of the topic's device
// id, so one device's frames are admitted in arrival order while
// devices proceed in parallel. Workers block on shard backpressure;
// the resulting slowdown backs up through the paho receive loop into
// the broker, which is the intended behaviour under overload.
//
// Acknowledgment is deferred: an accepted frame is acked by the
// pipeline once the durable sink has the readings, a permanently
// rejected frame (malformed, unknown device, over budget) is acked
// immediately so the broker does not redeliver it, and a frame caught
// by shutdown stays unacked for redelivery to the next session.
type Consumer struct {
	client *mqtt.Client
	intake *Intake
	cfg    config.MQTTConfig
	logger Logger

	queues []chan inbound
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewConsumer creates an MQTT telemetry consumer.
func NewConsumer(client *mqtt.Client, intake *Intake, cfg config.MQTTConfig) *Consumer {
	return &Consumer{
		client: client,
		intake: intake,
		cfg:    cfg,
		logger: noopLogger{},
	}
}

// SetLogger sets the logger for the consumer.
func (c *Consumer) SetLogger(logger Logger) {
	c.logger = logger
}

// Start subscribes to the device data pattern and launches the worker
// pool.
func (c *Consumer) Start(ctx context.Context) error {
	workers := c.cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}

	c.done = make(chan struct{})
	c.queues = make([]chan inbound, workers)
	for i := range c.queues {
		c.queues[i] = make(chan inbound, workerQueueDepth)
		c.wg.Add(1)
		go c.runWorker(ctx, c.queues[i])
	}

	topic := mqtt.Topics{}.AllDeviceData(c.cfg.TopicRoot)
	err := c.client.Subscribe(topic, byte(c.cfg.QoS), func(topic string, payload []byte, ack func()) {
		c.route(inbound{topic: topic, payload: payload, ack: ack})
	})
	if err != nil {
		close(c.done)
		c.wg.Wait()
		return err
	}

	c.logger.Info("mqtt consumer started", "topic", topic, "workers", workers)
	return nil
}

// route hands one message to its device's worker. Blocks when the
// worker queue is full; paho's receive loop carries the backpressure.
func (c *Consumer) route(msg inbound) {
	deviceID := mqtt.DeviceFromDataTopic(msg.topic)
	idx := xxhash.Sum64String(deviceID) % uint64(len(c.queues))

	select {
	case c.queues[idx] <- msg:
	case <-c.done:
		// Shutting down: leave the message unacked for redelivery.
	}
}

// runWorker admits queued messages until shutdown.
func (c *Consumer) runWorker(ctx context.Context, queue chan inbound) {
	defer c.wg.Done()

	for {
		select {
		case msg := <-queue:
			c.admit(ctx, msg)
		case <-c.done:
			// Drain what is already queued, then exit. Anything still
			// unacked is redelivered by the broker.
			for {
				select {
				case msg := <-queue:
					c.admit(ctx, msg)
				default:
					return
				}
			}
		}
	}
}

// admit runs one message through the shared intake.
func (c *Consumer) admit(ctx context.Context, msg inbound) {
	err := c.intake.Submit(ctx, SourceMQTT, "mqtt", "", msg.payload, msg.ack, true)
	if err == nil {
		return
	}

	if Permanent(err) {
		// Poison or over-budget message: ack so it is not redelivered.
		msg.ack()
		c.logger.Debug("mqtt frame rejected", "topic", msg.topic, "error", err)
		return
	}

	// Transient (shutdown, pipeline closed): leave unacked.
	c.logger.Warn("mqtt frame not admitted", "topic", msg.topic, "error", err)
}

// Close stops consuming: unsubscribes, stops the workers, and waits for
// in-flight admissions to finish.
func (c *Consumer) Close() error {
	topic := mqtt.Topics{}.AllDeviceData(c.cfg.TopicRoot)
	err := c.client.Unsubscribe(topic)

	close(c.done)
	c.wg.Wait()
	return err
}
