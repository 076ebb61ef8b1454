package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

const (
	maxDialAttempts = 10
	publishTimeout  = 5 * time.Second
)

// AMQPConfig locates the broker and the topic exchange events go to.
type AMQPConfig struct {
	URL      string
	Exchange string
}

// ErrPublisherClosed is returned by Publish after Close.
var ErrPublisherClosed = errors.New("events: amqp publisher closed")

// channel is the part of *amqp.Channel the publisher uses.
type channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

type dialFunc func(url string) (io.Closer, channel, error)

func dialBroker(url string) (io.Closer, channel, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, nil, fmt.Errorf("dial: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("open channel: %w", err)
	}
	return conn, ch, nil
}

// AMQPPublisher publishes events to a durable topic exchange. The event type
// is used as routing key. A publish that finds the channel closed reconnects
// once and retries.
type AMQPPublisher struct {
	url      string
	exchange string
	log      *zap.Logger
	dial     dialFunc

	mu     sync.RWMutex
	conn   io.Closer
	ch     channel
	closed bool
}

// DialAMQP connects with exponential backoff and declares the exchange.
func DialAMQP(ctx context.Context, cfg AMQPConfig, log *zap.Logger) (*AMQPPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("events: amqp url is required")
	}
	p := newAMQPPublisher(cfg, log, dialBroker)

	delay := time.Second
	for attempt := 1; ; attempt++ {
		err := p.connect()
		if err == nil {
			p.log.Info("amqp connected", zap.Int("attempt", attempt), zap.String("exchange", p.exchange))
			return p, nil
		}
		p.log.Warn("amqp connection attempt failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxDialAttempts),
			zap.Duration("retry_in", delay),
			zap.Error(err),
		)
		if attempt == maxDialAttempts {
			return nil, fmt.Errorf("amqp connect after %d attempts: %w", attempt, err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
		delay = time.Duration(float64(delay) * 1.5)
		if delay > 30*time.Second {
			delay = 30 * time.Second
		}
	}
}

func newAMQPPublisher(cfg AMQPConfig, log *zap.Logger, dial dialFunc) *AMQPPublisher {
	if cfg.Exchange == "" {
		cfg.Exchange = "blueroots.events"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &AMQPPublisher{url: cfg.URL, exchange: cfg.Exchange, log: log, dial: dial}
}

func (p *AMQPPublisher) connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connectLocked()
}

// connectLocked dials a fresh connection and swaps it in. p.mu must be held.
func (p *AMQPPublisher) connectLocked() error {
	conn, ch, err := p.dial(p.url)
	if err != nil {
		return err
	}
	if err := ch.ExchangeDeclare(p.exchange, "topic", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", p.exchange, err)
	}
	if p.ch != nil {
		_ = p.ch.Close()
	}
	if p.conn != nil {
		_ = p.conn.Close()
	}
	p.conn, p.ch = conn, ch
	return nil
}

// Publish marshals evt to JSON and publishes it as a persistent message.
func (p *AMQPPublisher) Publish(ctx context.Context, evt Event) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	ch, err := p.channel()
	if err != nil {
		return err
	}
	err = p.publish(ctx, ch, evt, body)
	if errors.Is(err, amqp.ErrClosed) {
		p.log.Warn("amqp channel closed, reconnecting", zap.String("type", evt.Type))
		if ch, err = p.reconnect(ch); err != nil {
			return fmt.Errorf("publish %s: reconnect: %w", evt.Type, err)
		}
		err = p.publish(ctx, ch, evt, body)
	}
	if err != nil {
		return fmt.Errorf("publish %s: %w", evt.Type, err)
	}
	p.log.Debug("event published", zap.String("type", evt.Type), zap.String("event_id", evt.ID))
	return nil
}

func (p *AMQPPublisher) channel() (channel, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.ch == nil {
		return nil, errors.New("events: amqp channel not available")
	}
	return p.ch, nil
}

// reconnect replaces stale unless a concurrent publish already did.
func (p *AMQPPublisher) reconnect(stale channel) (channel, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPublisherClosed
	}
	if p.ch != nil && p.ch != stale {
		return p.ch, nil
	}
	if err := p.connectLocked(); err != nil {
		return nil, err
	}
	p.log.Info("amqp reconnected", zap.String("exchange", p.exchange))
	return p.ch, nil
}

func (p *AMQPPublisher) publish(ctx context.Context, ch channel, evt Event, body []byte) error {
	publishCtx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()
	return ch.PublishWithContext(publishCtx, p.exchange, evt.Type, false, false, amqp.Publishing{
		ContentType:  "application/json",
		MessageId:    evt.ID,
		Type:         evt.Type,
		Body:         body,
		DeliveryMode: amqp.Persistent,
		Timestamp:    evt.OccurredAt,
	})
}

// Close releases the channel and connection. It is safe to call twice.
func (p *AMQPPublisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	var errs []error
	if p.ch != nil {
		errs = append(errs, p.ch.Close())
	}
	if p.conn != nil {
		errs = append(errs, p.conn.Close())
	}
	p.log.Info("amqp connection closed")
	return errors.Join(errs...)
}
