package kafka

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"UniRide/logger"
	"UniRide/module/chat/model"
	"UniRide/tools/errs"
	"UniRide/tools/safe"

	"github.com/Shopify/sarama"
	"go.uber.org/zap"
)

const EventMessageCreated = "message.created"

// MessageCreated is the record value written for every stored message.
type MessageCreated struct {
	Type    string         `json:"type"`
	Message *model.Message `json:"message"`
}

// MessagePublisher streams stored chat messages to a Kafka topic for
// downstream consumers. Publish only enqueues; a single worker sends, keyed
// by chat id, so per-chat order survives into the topic.
type MessagePublisher struct {
	prod   sarama.SyncProducer
	client sarama.Client // nil when prod was injected
	topic  string
	queue  chan *model.Message
	stop   chan struct{}
	once   sync.Once
	wg     sync.WaitGroup
	sent   atomic.Int64
	failed atomic.Int64
	log    *zap.Logger
}

func NewMessagePublisher(prod sarama.SyncProducer, topic string, queue int, log *zap.Logger) *MessagePublisher {
	safe.MustNotNil(prod, "kafka producer")
	if queue <= 0 {
		queue = 4096
	}
	p := &MessagePublisher{
		prod:  prod,
		topic: topic,
		queue: make(chan *model.Message, queue),
		stop:  make(chan struct{}),
		log:   logger.Or(log).Named("kafka-pub"),
	}
	p.wg.Add(1)
	safe.SafeGo("kafka-publisher", func() {
		defer p.wg.Done()
		p.loop()
	})
	return p
}

// Dial connects to the brokers, optionally ensures the topic, and starts a
// publisher that owns the client.
func Dial(c Config, log *zap.Logger) (*MessagePublisher, error) {
	if len(c.Brokers) == 0 || c.Topic == "" {
		return nil, errs.ErrArgs.WrapMsg("kafka brokers and topic are required")
	}
	cfg, err := BuildBaseConfig(c)
	if err != nil {
		return nil, err
	}
	client, err := sarama.NewClient(c.Brokers, cfg)
	if err != nil {
		return nil, errs.WrapMsg(err, "kafka client", "brokers", c.Brokers)
	}
	if c.EnsureTopic {
		admin, err := sarama.NewClusterAdminFromClient(client)
		if err != nil {
			_ = client.Close()
			return nil, errs.WrapMsg(err, "kafka admin")
		}
		// admin.Close would close the shared client
		if err := EnsureTopic(admin, c.Topic, c.Partitions, c.ReplicationFactor, logger.Or(log)); err != nil {
			_ = client.Close()
			return nil, err
		}
	}
	prod, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, errs.WrapMsg(err, "kafka producer")
	}
	p := NewMessagePublisher(prod, c.Topic, 0, log)
	p.client = client
	return p, nil
}

// Publish implements the pipeline's event hook. A full queue drops the
// event rather than stall message delivery.
func (p *MessagePublisher) Publish(m *model.Message) {
	if m == nil {
		return
	}
	select {
	case <-p.stop:
		return
	default:
	}
	select {
	case p.queue <- m:
	default:
		p.failed.Add(1)
		p.log.Warn("kafka queue full, event dropped", zap.String("msg", m.ID), zap.String("chat", m.ChatID))
	}
}

func (p *MessagePublisher) loop() {
	for {
		select {
		case m := <-p.queue:
			p.send(m)
		case <-p.stop:
			for {
				select {
				case m := <-p.queue:
					p.send(m)
				default:
					return
				}
			}
		}
	}
}

func (p *MessagePublisher) send(m *model.Message) {
	val, err := json.Marshal(MessageCreated{Type: EventMessageCreated, Message: m})
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("encode message event", zap.String("msg", m.ID), zap.Error(err))
		return
	}
	msg := &sarama.ProducerMessage{
		Topic: p.topic,
		Key:   sarama.StringEncoder(m.ChatID),
		Value: sarama.ByteEncoder(val),
		Headers: []sarama.RecordHeader{
			{Key: []byte("event"), Value: []byte(EventMessageCreated)},
		},
	}
	partition, offset, err := p.prod.SendMessage(msg)
	if err != nil {
		p.failed.Add(1)
		p.log.Warn("kafka send failed", zap.String("msg", m.ID), zap.String("chat", m.ChatID), zap.Error(err))
		return
	}
	p.sent.Add(1)
	p.log.Debug("message event sent", zap.String("msg", m.ID), zap.Int32("partition", partition), zap.Int64("offset", offset))
}

// Stats reports how many events were sent and how many were lost.
func (p *MessagePublisher) Stats() (sent, failed int64) {
	return p.sent.Load(), p.failed.Load()
}

// Close sends what is queued, then closes the producer and the client it
// owns.
func (p *MessagePublisher) Close() error {
	var err error
	p.once.Do(func() {
		close(p.stop)
		p.wg.Wait()
		err = p.prod.Close()
		if p.client != nil {
			if cerr := p.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}
