// Package broker consumes chat update events from RabbitMQ and feeds them to
// the update router through the worker pool.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"askbotgo/internal/config"
	"askbotgo/internal/models"
)

// queueTTL is how long undelivered updates survive in the queue.
const queueTTL = 3600000 // ms

// reconnectInterval paces the watchdog after a dropped connection.
const reconnectInterval = 30 * time.Second

// Handler processes one decoded update event.
type Handler func(ctx context.Context, update *models.Update) error

// Submitter hands event processing to the worker pool.
type Submitter interface {
	Submit(job func())
}

// Consumer owns the AMQP connection and the consume loop. The queue is
// durable so updates survive restarts, bounded by a message TTL.
type Consumer struct {
	cfg     config.BrokerConfig
	manager config.IdentityConfig
	bot     config.IdentityConfig
	handler Handler
	pool    Submitter
}

func NewConsumer(cfg config.BrokerConfig, manager, bot config.IdentityConfig, pool Submitter, handler Handler) *Consumer {
	return &Consumer{cfg: cfg, manager: manager, bot: bot, handler: handler, pool: pool}
}

// Run consumes until ctx is cancelled, reconnecting after failures.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := c.consumeOnce(ctx); err != nil {
			log.Printf("broker: consume loop: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectInterval):
		}
	}
}

func (c *Consumer) consumeOnce(ctx context.Context) error {
	conn, err := amqp.Dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("dial rabbitmq: %w", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set prefetch: %w", err)
	}

	queue, err := c.setup(ch)
	if err != nil {
		return err
	}

	deliveries, err := ch.Consume(queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}
	log.Printf("broker: consuming from %s", queue)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case delivery, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			c.dispatch(ctx, delivery)
		}
	}
}

// setup declares the topic exchange and the durable per-manager queue, bound
// with the full wildcard family for both identities. Legacy producers vary
// the category and userType segments, hence the redundant keys.
func (c *Consumer) setup(ch *amqp.Channel) (string, error) {
	if err := ch.ExchangeDeclare(c.cfg.Exchange, "topic", true, false, false, false, nil); err != nil {
		return "", fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}

	queue := fmt.Sprintf("user_%s_updates", c.manager.UserID)
	if _, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-message-ttl": int32(queueTTL),
	}); err != nil {
		return "", fmt.Errorf("declare queue %s: %w", queue, err)
	}

	for _, key := range c.routingKeys() {
		if err := ch.QueueBind(queue, key, c.cfg.Exchange, false, nil); err != nil {
			return "", fmt.Errorf("bind %s to %s: %w", queue, key, err)
		}
	}
	return queue, nil
}

func (c *Consumer) routingKeys() []string {
	return []string{
		fmt.Sprintf("update.dialog.user.%s.*", c.manager.UserID),
		fmt.Sprintf("update.dialog.*.%s.*", c.manager.UserID),
		fmt.Sprintf("update.*.user.%s.*", c.manager.UserID),
		fmt.Sprintf("update.*.*.%s.*", c.manager.UserID),
		fmt.Sprintf("update.dialog.bot.%s.*", c.bot.UserID),
		fmt.Sprintf("update.dialog.*.%s.*", c.bot.UserID),
		fmt.Sprintf("update.*.bot.%s.*", c.bot.UserID),
		fmt.Sprintf("update.*.*.%s.*", c.bot.UserID),
	}
}

// dispatch decodes the delivery and hands it to the pool. Poison payloads
// are rejected without requeue; handler failures follow the configured
// requeue policy.
func (c *Consumer) dispatch(ctx context.Context, delivery amqp.Delivery) {
	var update models.Update
	if err := json.Unmarshal(delivery.Body, &update); err != nil {
		log.Printf("broker: malformed update, rejecting: %v", err)
		if err := delivery.Reject(false); err != nil {
			log.Printf("broker: reject: %v", err)
		}
		return
	}

	c.pool.Submit(func() {
		if err := c.handler(ctx, &update); err != nil {
			log.Printf("broker: handle %s: %v", update.EventType, err)
			if err := delivery.Nack(false, c.cfg.RequeueOnFailure); err != nil {
				log.Printf("broker: nack: %v", err)
			}
			return
		}
		if err := delivery.Ack(false); err != nil {
			log.Printf("broker: ack: %v", err)
		}
	})
}
