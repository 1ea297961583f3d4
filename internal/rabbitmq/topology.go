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

// RequestQueue is the durable, shared queue search providers consume.
func RequestQueue(name string) QueueDeclaration {
	return QueueDeclaration{
		Name:    name,
		Durable: true,
	}
}

// ReplyQueue is a server-named, exclusive queue that lives as long as the
// requester's connection.
func ReplyQueue() QueueDeclaration {
	return QueueDeclaration{
		Exclusive:  true,
		AutoDelete: true,
	}
}

// DeclareQueue declares q on ch and returns the broker's view of it.
func DeclareQueue(ch Channel, q QueueDeclaration) (amqp.Queue, error) {
	queue, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		q.AutoDelete,
		q.Exclusive,
		false, // no-wait
		q.Arguments,
	)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: q.Name, Op: "declare", Err: err}
	}
	return queue, nil
}

// InspectQueue passively declares name, failing when it does not exist.
func InspectQueue(ch Channel, name string) (amqp.Queue, error) {
	queue, err := ch.QueueDeclarePassive(name, false, false, false, false, nil)
	if err != nil {
		return amqp.Queue{}, &TopologyError{Component: "queue", Name: name, Op: "inspect", Err: err}
	}
	return queue, nil
}
