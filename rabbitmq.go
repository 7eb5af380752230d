package main

import (
	"os"
	"strings"

	"github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog/log"
)

var (
	rabbitConn           *amqp091.Connection
	rabbitChannel        *amqp091.Channel
	rabbitEnabled        bool
	rabbitQueue          string
	rabbitQueuePrefix    string
	rabbitSpecificEvents map[string]bool
)

// initRabbitMQ connects to the broker when RABBITMQ_URL is set; publishing
// stays disabled otherwise.
func initRabbitMQ() {
	rabbitURL := os.Getenv("RABBITMQ_URL")
	rabbitQueue = os.Getenv("RABBITMQ_QUEUE")
	if rabbitQueue == "" {
		rabbitQueue = "session_events"
	}
	rabbitQueuePrefix = os.Getenv("RABBITMQ_QUEUE_PREFIX")
	if rabbitQueuePrefix == "" {
		rabbitQueuePrefix = "wacourier"
	}

	rabbitSpecificEvents = make(map[string]bool)
	if specific := os.Getenv("AMQP_SPECIFIC_EVENTS"); specific != "" {
		for _, event := range strings.Split(specific, ",") {
			rabbitSpecificEvents[strings.TrimSpace(event)] = true
		}
		log.Info().
			Interface("specificEvents", rabbitSpecificEvents).
			Msg("Specific RabbitMQ events configured")
	}

	if rabbitURL == "" {
		rabbitEnabled = false
		log.Info().Msg("RABBITMQ_URL is not set. RabbitMQ publishing disabled.")
		return
	}
	var err error
	rabbitConn, err = amqp091.Dial(rabbitURL)
	if err != nil {
		rabbitEnabled = false
		log.Error().Err(err).Msg("Could not connect to RabbitMQ")
		return
	}
	rabbitChannel, err = rabbitConn.Channel()
	if err != nil {
		rabbitEnabled = false
		log.Error().Err(err).Msg("Could not open RabbitMQ channel")
		return
	}
	rabbitEnabled = true
	log.Info().
		Str("queue", rabbitQueue).
		Str("prefix", rabbitQueuePrefix).
		Msg("RabbitMQ connection established")
}

func closeRabbitMQ() {
	if rabbitChannel != nil {
		_ = rabbitChannel.Close()
	}
	if rabbitConn != nil {
		_ = rabbitConn.Close()
	}
}

// rabbitQueueName routes event types with a dedicated queue to it, everything
// else to the prefixed default queue.
func rabbitQueueName(eventType string) string {
	if rabbitSpecificEvents[eventType] {
		return rabbitQueuePrefix + "_" + strings.ToLower(eventType)
	}
	return rabbitQueuePrefix + "_" + rabbitQueue
}

// publishEventToRabbit publishes one event envelope. A broker failure is
// logged and swallowed.
func publishEventToRabbit(data []byte, eventType string) {
	if !rabbitEnabled {
		return
	}
	queueName := rabbitQueueName(eventType)

	// Declare queue (idempotent)
	_, err := rabbitChannel.QueueDeclare(
		queueName,
		true,  // durable
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		nil,   // arguments
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Msg("Could not declare RabbitMQ queue")
		return
	}
	err = rabbitChannel.Publish(
		"",        // exchange (default)
		queueName, // routing key = queue
		false,     // mandatory
		false,     // immediate
		amqp091.Publishing{
			ContentType: "application/json",
			Body:        data,
		},
	)
	if err != nil {
		log.Error().Err(err).Str("queue", queueName).Str("eventType", eventType).Msg("Could not publish to RabbitMQ")
		return
	}
	log.Debug().Str("queue", queueName).Str("eventType", eventType).Msg("Published event to RabbitMQ")
}
