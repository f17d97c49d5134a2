package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

// DLQExchangeName 某业务交换机对应的死信交换机名称
func DLQExchangeName(exchange string) string {
	return exchange + ".dlq"
}

// DeclareDLQExchange 声明死信交换机
func DeclareDLQExchange(ch *amqp091.Channel, exchange string) error {
	return ch.ExchangeDeclare(
		DLQExchangeName(exchange),
		"topic",
		true,
		false,
		false,
		false,
		nil,
	)
}

// DeclareDLQQueue 为某个 routing key 声明死信队列并绑定
func DeclareDLQQueue(ch *amqp091.Channel, exchange, routingKey string) (amqp091.Queue, error) {
	q, err := ch.QueueDeclare(
		fmt.Sprintf("%s.dlq", routingKey),
		true,
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("declare dlq queue: %w", err)
	}

	if err := ch.QueueBind(q.Name, routingKey, DLQExchangeName(exchange), false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("bind dlq queue: %w", err)
	}
	return q, nil
}
