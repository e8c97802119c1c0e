package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
)

// AMQPPublisher publishes events to a durable topic exchange; the subject is
// the routing key.
type AMQPPublisher struct {
	conn        *amqp091.Connection
	exchange    string
	logSubjects bool
	metrics     PublisherMetrics

	mu sync.Mutex
	ch *amqp091.Channel
}

func NewAMQPPublisher(url, exchange string, logSubjects bool, m PublisherMetrics) (*AMQPPublisher, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}
	err = ch.ExchangeDeclare(
		exchange, // name
		"topic",  // type
		true,     // durable
		false,    // auto-deleted
		false,    // internal
		false,    // no-wait
		nil,      // arguments
	)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to declare exchange %s: %w", exchange, err)
	}

	closed := conn.NotifyClose(make(chan *amqp091.Error, 1))
	go func() {
		if err, ok := <-closed; ok {
			log.Printf("amqp connection closed: %v", err)
		}
		if m != nil {
			m.SetConnected(false)
		}
	}()
	if m != nil {
		m.SetConnected(true)
	}
	log.Printf("connected to RabbitMQ exchange=%s", exchange)
	return &AMQPPublisher{conn: conn, exchange: exchange, logSubjects: logSubjects, metrics: m, ch: ch}, nil
}

func (p *AMQPPublisher) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
}

func (p *AMQPPublisher) Publish(ctx context.Context, subject string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		observe(p.metrics, time.Now(), err)
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	if p.logSubjects {
		log.Printf("amqp publish exchange=%s key=%s", p.exchange, subject)
	}
	start := time.Now()
	// amqp channels are not safe for concurrent publishes
	p.mu.Lock()
	err = p.ch.PublishWithContext(ctx,
		p.exchange, // exchange
		subject,    // routing key
		false,      // mandatory
		false,      // immediate
		amqp091.Publishing{
			ContentType:  "application/json",
			Body:         body,
			Timestamp:    start,
			DeliveryMode: amqp091.Persistent,
		},
	)
	p.mu.Unlock()
	observe(p.metrics, start, err)
	if err != nil {
		return fmt.Errorf("failed to publish message: %w", err)
	}
	return nil
}
