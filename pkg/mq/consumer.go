package mq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"tripforge/pkg/metrics"
	"tripforge/pkg/trace"
)

// MessageHandler 业务处理函数，返回 error 表示消费失败
type MessageHandler func(ctx context.Context, data json.RawMessage) error

// Consumer 手动 ack 的队列消费者
// 处理失败时首次投递 nack 重新入队，重复投递 nack 进 DLQ（经 x-dead-letter-exchange）
type Consumer struct {
	conn       *amqp091.Connection
	channel    *amqp091.Channel
	queue      amqp091.Queue
	routingKey string
	handler    MessageHandler
	logger     *zap.Logger
}

func NewConsumer(url, exchange, queueName, routingKey string, logger *zap.Logger) (*Consumer, error) {
	if exchange == "" {
		exchange = DefaultExchange
	}

	conn, err := NewConnection(url)
	if err != nil {
		return nil, err
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}

	if err := DeclareExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare exchange: %w", err)
	}

	// 先保证 DLQ 链路存在，队列的死信才有去处
	if err := DeclareDLQExchange(ch, exchange); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare dlq exchange: %w", err)
	}
	if _, err := DeclareDLQQueue(ch, exchange, routingKey); err != nil {
		ch.Close()
		conn.Close()
		return nil, err
	}

	q, err := ch.QueueDeclare(
		queueName,
		true,
		false,
		false,
		false,
		amqp091.Table{
			"x-dead-letter-exchange": DLQExchangeName(exchange),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("declare queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, exchange, false, nil); err != nil {
		return nil, fmt.Errorf("bind queue: %w", err)
	}

	logger.Info("consumer initialized",
		zap.String("routing_key", routingKey),
		zap.String("queue", queueName),
		zap.String("exchange", exchange),
	)

	return &Consumer{
		conn:       conn,
		channel:    ch,
		queue:      q,
		routingKey: routingKey,
		logger:     logger,
	}, nil
}

func (c *Consumer) SetHandler(h MessageHandler) {
	c.handler = h
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
	if c.conn != nil {
		_ = c.conn.Close()
	}
}

// StartConsuming 阻塞消费，应在独立 goroutine 中调用
// 消费模型：每条消息必然 ack 或 nack，handler panic 也不例外
func (c *Consumer) StartConsuming() error {
	if c.handler == nil {
		return fmt.Errorf("consumer handler not set")
	}

	deliveries, err := c.channel.Consume(
		c.queue.Name,
		"tripforge",
		false, // 手动 ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	c.logger.Info("consumer started",
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	for msg := range deliveries {
		c.handleDelivery(msg)
	}
	return nil
}

func (c *Consumer) handleDelivery(msg amqp091.Delivery) {
	ctx := context.Background()
	if traceID, ok := msg.Headers[trace.Header].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	log := c.logger.With(
		zap.String("routing_key", c.routingKey),
		zap.String("queue", c.queue.Name),
	)

	start := time.Now()
	// Panic 恢复：handler panic 时消息也要有着落
	defer func() {
		if r := recover(); r != nil {
			log.Error("handler panic recovered", zap.Any("panic", r))
			c.nack(msg, log)
		}
		metrics.RecordMQConsumeLatency(c.routingKey, c.queue.Name, time.Since(start))
	}()

	if err := c.handler(ctx, msg.Body); err != nil {
		log.Error("handler error", zap.Error(err), zap.Bool("redelivered", msg.Redelivered))
		c.nack(msg, log)
		return
	}

	if err := msg.Ack(false); err != nil {
		log.Error("failed to ack message", zap.Error(err))
	}
}

// nack 首次投递重新入队再试一次，重复投递直接进死信
func (c *Consumer) nack(msg amqp091.Delivery, log *zap.Logger) {
	requeue := !msg.Redelivered
	if err := msg.Nack(false, requeue); err != nil {
		log.Error("failed to nack message", zap.Error(err))
	}
}
