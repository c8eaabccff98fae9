package rabbitmq

import amqp "github.com/rabbitmq/amqp091-go"

// Queue names derived from the main queue.
func RetryQueue(queue string) string { return queue + ".retry" }
func DeadQueue(queue string) string  { return queue + ".dlq" }

// DeclareTopology declares the main queue with its retry and dead-letter
// companions. Publisher and worker both call it so the queue arguments always
// match; RabbitMQ rejects a redeclare with different arguments.
//
//	main  --nack(requeue=false)--> dlq
//	retry --message TTL expires--> main
func DeclareTopology(ch *amqp.Channel, queue string) error {
	if _, err := ch.QueueDeclare(DeadQueue(queue), true, false, false, false, nil); err != nil {
		return err
	}

	if _, err := ch.QueueDeclare(RetryQueue(queue), true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": queue,
	}); err != nil {
		return err
	}

	_, err := ch.QueueDeclare(queue, true, false, false, false, amqp.Table{
		"x-dead-letter-exchange":    "",
		"x-dead-letter-routing-key": DeadQueue(queue),
	})
	return err
}
