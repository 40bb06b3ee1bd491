package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/streadway/amqp"
)

// DispatchJob is the unit handed from the API/scheduler to a worker process:
// just the campaign ID; everything else lives in the Campaign Store.
type DispatchJob struct {
	CampaignID string `json:"campaign_id"`
}

// RabbitQueue publishes and consumes dispatch jobs over a durable queue.
// Delivery retries are bounded; the campaign lease makes duplicate deliveries
// harmless (the loser of the lease race no-ops).
type RabbitQueue struct {
	conn *amqp.Connection
	ch   *amqp.Channel
	name string
	log  zerolog.Logger
}

func NewRabbitQueue(url, name string, log zerolog.Logger) (*RabbitQueue, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("connect to rabbitmq: %w", err)
	}
	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("open channel: %w", err)
	}
	if _, err := ch.QueueDeclare(
		name,
		true,  // durable
		false, // delete when unused
		false, // exclusive
		false, // no-wait
		nil,
	); err != nil {
		ch.Close()
		conn.Close()
		return nil, fmt.Errorf("declare queue %s: %w", name, err)
	}
	return &RabbitQueue{conn: conn, ch: ch, name: name, log: log.With().Str("component", "queue").Logger()}, nil
}

// Dispatch publishes a campaign ID for a worker to pick up. Satisfies the
// service dispatcher contract, so the API can hand off instead of running
// workers in-process.
func (q *RabbitQueue) Dispatch(ctx context.Context, campaignID string) error {
	body, err := json.Marshal(DispatchJob{CampaignID: campaignID})
	if err != nil {
		return err
	}
	err = q.ch.Publish(
		"",
		q.name,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return fmt.Errorf("publish dispatch job: %w", err)
	}
	q.log.Debug().Str("campaign_id", campaignID).Msg("dispatch job published")
	return nil
}

// Consume delivers campaign IDs to handler until ctx is done. A failing
// handler gets the delivery requeued once, then dropped.
func (q *RabbitQueue) Consume(ctx context.Context, handler func(ctx context.Context, campaignID string) error) error {
	msgs, err := q.ch.Consume(
		q.name,
		"",
		false, // manual ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("register consumer: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			var job DispatchJob
			if err := json.Unmarshal(d.Body, &job); err != nil {
				q.log.Warn().Err(err).Msg("dropping malformed dispatch job")
				_ = d.Ack(false)
				continue
			}

			if err := handler(ctx, job.CampaignID); err != nil {
				if !d.Redelivered {
					q.log.Warn().Err(err).Str("campaign_id", job.CampaignID).
						Msg("dispatch failed, requeueing once")
					_ = d.Nack(false, true)
					continue
				}
				// Recovery sweeps pick stalled campaigns back up, so a
				// dropped job is not lost work.
				q.log.Error().Err(err).Str("campaign_id", job.CampaignID).
					Msg("dispatch failed after redelivery, dropping job")
			}
			_ = d.Ack(false)
		}
	}
}

func (q *RabbitQueue) Close() error {
	if err := q.ch.Close(); err != nil {
		q.conn.Close()
		return err
	}
	return q.conn.Close()
}
