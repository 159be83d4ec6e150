package rabbitmq

import (
	amqp "github.com/rabbitmq/amqp091-go"
)

// QueueDeclaration defines a queue to be declared
type QueueDeclaration struct {
	Name       string
	Durable    bool
	AutoDelete bool
	Exclusive  bool
	Arguments  amqp.Table
}

// DurableQueue is the declaration used for work queues: durable, shared,
// and kept when the last consumer leaves.
func DurableQueue() QueueDeclaration {
	return QueueDeclaration{Durable: true}
}

// declareQueue declares a queue on the given channel
func declareQueue(ch *amqp.Channel, queue QueueDeclaration) (amqp.Queue, error) {
	return ch.QueueDeclare(
		queue.Name,
		queue.Durable,
		queue.AutoDelete,
		queue.Exclusive,
		false, // no-wait
		queue.Arguments,
	)
}
