package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"github.com/suPer8Hu/chat-relay/internal/chat"
)

const (
	retryHeader = "x-retry-count"
	maxRetries  = 5
	retryDelay  = 2 * time.Second

	// bounds an append that is finishing after shutdown began
	appendTimeout = 10 * time.Second
)

var errBadMessage = errors.New("rabbitmq: bad message")

// Appender is the write side of chat.Repo. Appending an ID that already
// exists must succeed.
type Appender interface {
	Append(ctx context.Context, m *chat.Message) error
}

// Consumer drains the persistence queue into the message store with a fixed
// pool of workers.
type Consumer struct {
	conn        *amqp.Connection
	ch          *amqp.Channel
	retry       publishChannel
	queue       string
	concurrency int
	store       Appender
	log         zerolog.Logger
}

func NewConsumer(url, queue string, concurrency int, store Appender, log zerolog.Logger) (*Consumer, error) {
	conn, ch, err := dial(url)
	if err != nil {
		return nil, err
	}
	if err := declareQueues(ch, queue); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	//  strict concurrency control
	if err := ch.Qos(concurrency, 0, false); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		return nil, err
	}
	return &Consumer{
		conn:        conn,
		ch:          ch,
		retry:       ch,
		queue:       queue,
		concurrency: concurrency,
		store:       store,
		log:         log.With().Str("component", "persist-worker").Str("queue", queue).Logger(),
	}, nil
}

func (c *Consumer) Close() error {
	_ = c.ch.Close()
	return c.conn.Close()
}

// Run blocks until ctx is done or the delivery channel closes. In-flight
// deliveries are finished before it returns.
func (c *Consumer) Run(ctx context.Context) error {
	msgs, err := c.ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return err
	}
	c.log.Info().Int("concurrency", c.concurrency).Msg("worker started")

	// worker pool
	jobs := make(chan amqp.Delivery, c.concurrency*2)

	var wg sync.WaitGroup
	wg.Add(c.concurrency)
	for i := 0; i < c.concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			log := c.log.With().Int("worker", workerID).Logger()
			for d := range jobs {
				c.handle(ctx, d, log)
			}
		}(i)
	}

	// dispatcher
	defer func() {
		close(jobs)
		wg.Wait()
	}()
	for {
		select {
		case <-ctx.Done():
			c.log.Info().Msg("worker shutting down")
			return nil

		case d, ok := <-msgs:
			if !ok {
				return amqp.ErrClosed
			}
			jobs <- d
		}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp.Delivery, log zerolog.Logger) {
	m, err := decode(d.Body)
	if err != nil {
		log.Warn().Err(err).Str("amqp_message_id", d.MessageId).Msg("bad message, dead-lettering")
		_ = d.Nack(false, false)
		return
	}
	log = log.With().Str("message_id", m.ID).Str("room", m.Room).Logger()

	start := time.Now()
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), appendTimeout)
	defer cancel()
	if err := c.store.Append(actx, m); err != nil {
		if ctx.Err() != nil {
			log.Warn().Err(err).Msg("append failed during shutdown, requeueing")
			_ = d.Nack(false, true)
			return
		}
		attempt := retryCount(d) + 1
		if attempt > maxRetries {
			log.Error().Err(err).Int("attempt", attempt).Msg("append failed, dead-lettering")
			_ = d.Nack(false, false)
			return
		}
		if rerr := c.scheduleRetry(ctx, d, attempt); rerr != nil {
			log.Error().Err(rerr).Msg("schedule retry failed, requeueing")
			_ = d.Nack(false, true)
			return
		}
		log.Warn().Err(err).Int("attempt", attempt).Dur("cost", time.Since(start)).Msg("append failed, retry scheduled")
		_ = d.Ack(false)
		return
	}

	if err := d.Ack(false); err != nil {
		log.Error().Err(err).Msg("ack failed")
	}
	if cost := time.Since(start); cost > time.Second {
		log.Warn().Dur("cost", cost).Msg("slow append")
	}
}

func (c *Consumer) scheduleRetry(ctx context.Context, d amqp.Delivery, attempt int) error {
	cctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return c.retry.PublishWithContext(cctx, "", retryQueue(c.queue), false, false, amqp.Publishing{
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Body:         d.Body,
		Timestamp:    d.Timestamp,
		Expiration:   strconv.FormatInt((time.Duration(attempt) * retryDelay).Milliseconds(), 10),
		Headers:      amqp.Table{retryHeader: int32(attempt)},
	})
}

func decode(body []byte) (*chat.Message, error) {
	var m chat.Message
	if err := json.Unmarshal(body, &m); err != nil {
		return nil, errors.Join(errBadMessage, err)
	}
	if m.ID == "" || m.Tenant == "" || m.Room == "" || m.Sender == "" {
		return nil, errBadMessage
	}
	return &m, nil
}

func retryCount(d amqp.Delivery) int {
	switch v := d.Headers[retryHeader].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 0
}
