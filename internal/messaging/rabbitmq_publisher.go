package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cyoa-server/internal/metrics"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const appID = "cyoa-server"

// RabbitMQPublisher публикует JobEvent в fanout exchange.
// amqp.Channel нельзя использовать из нескольких горутин одновременно, поэтому мьютекс.
type RabbitMQPublisher struct {
	mu           sync.Mutex
	conn         *amqp.Connection
	ch           *amqp.Channel
	closed       bool
	exchangeName string
	logger       *zap.Logger
}

// NewRabbitMQPublisher открывает канал и объявляет durable fanout exchange.
func NewRabbitMQPublisher(conn *amqp.Connection, exchangeName string, logger *zap.Logger) (*RabbitMQPublisher, error) {
	if conn == nil {
		return nil, errors.New("rabbitmq connection is nil")
	}
	p := &RabbitMQPublisher{
		conn:         conn,
		exchangeName: exchangeName,
		logger:       logger.Named("JobEventPublisher"),
	}
	ch, err := p.openChannel()
	if err != nil {
		return nil, err
	}
	p.ch = ch
	p.logger.Info("Job events exchange declared", zap.String("exchange", exchangeName))
	return p, nil
}

func (p *RabbitMQPublisher) openChannel() (*amqp.Channel, error) {
	ch, err := p.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open a channel: %w", err)
	}

	err = ch.ExchangeDeclare(
		p.exchangeName,
		amqp.ExchangeFanout,
		true,  // durable
		false, // auto-deleted
		false, // internal
		false, // no-wait
		nil,
	)
	if err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("failed to declare exchange '%s': %w", p.exchangeName, err)
	}
	return ch, nil
}

// channel возвращает живой канал. Брокер закрывает канал при ошибке, тогда
// открываем новый на том же соединении. Вызывать под p.mu.
func (p *RabbitMQPublisher) channel() (*amqp.Channel, error) {
	if p.closed {
		return nil, errors.New("publisher is closed")
	}
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch, nil
	}
	ch, err := p.openChannel()
	if err != nil {
		return nil, err
	}
	p.logger.Warn("Job events channel reopened")
	p.ch = ch
	return ch, nil
}

func (p *RabbitMQPublisher) PublishJobEvent(ctx context.Context, event JobEvent) error {
	body, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("failed to marshal job event: %w", err)
	}

	p.mu.Lock()
	ch, err := p.channel()
	if err == nil {
		err = ch.PublishWithContext(ctx,
			p.exchangeName,
			"",    // routing key (не используется для fanout)
			false, // mandatory
			false, // immediate
			amqp.Publishing{
				ContentType:  "application/json",
				DeliveryMode: amqp.Persistent,
				MessageId:    event.JobID.String(),
				Type:         string(event.State),
				Timestamp:    time.Now(),
				AppId:        appID,
				Body:         body,
			},
		)
	}
	p.mu.Unlock()

	if err != nil {
		metrics.EventsPublished.WithLabelValues("error").Inc()
		p.logger.Error("Failed to publish job event",
			zap.String("job_id", event.JobID.String()),
			zap.String("state", string(event.State)),
			zap.Error(err),
		)
		return fmt.Errorf("failed to publish job event: %w", err)
	}
	metrics.EventsPublished.WithLabelValues("success").Inc()
	p.logger.Debug("Job event published",
		zap.String("job_id", event.JobID.String()),
		zap.String("state", string(event.State)),
	)
	return nil
}

// Close закрывает канал. Соединением владеет вызывающий.
func (p *RabbitMQPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	if p.ch != nil && !p.ch.IsClosed() {
		return p.ch.Close()
	}
	return nil
}

// Connect подключается к RabbitMQ с несколькими попытками.
func Connect(ctx context.Context, url string, attempts int, delay time.Duration, logger *zap.Logger) (*amqp.Connection, error) {
	if attempts < 1 {
		attempts = 1
	}
	var lastErr error
	for i := 1; i <= attempts; i++ {
		conn, err := amqp.Dial(url)
		if err == nil {
			logger.Info("Connected to RabbitMQ", zap.Int("attempt", i))
			return conn, nil
		}
		lastErr = err
		logger.Warn("Failed to connect to RabbitMQ",
			zap.Int("attempt", i),
			zap.Int("max_attempts", attempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if i == attempts {
			break
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, fmt.Errorf("rabbitmq connection failed after %d attempts: %w", attempts, lastErr)
}
