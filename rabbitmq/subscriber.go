// Package rabbitmq is the service's intake and outlet: video submissions
// arrive on a durable queue and analyzed incidents are published back out.
// Consumption uses a bounded worker pool with a retry exchange for transient
// failures.
package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/apex/log"
	"github.com/streadway/amqp"

	"incident-analyze-pipeline/metrics"
)

// Message represents a received RabbitMQ message.
type Message struct {
	Body        []byte
	RoutingKey  string
	Exchange    string
	ContentType string
	Timestamp   time.Time
	DeliveryTag uint64
}

// UnmarshalTo unmarshals the message body into the provided interface.
func (m *Message) UnmarshalTo(v any) error {
	return json.Unmarshal(m.Body, v)
}

// CallbackFunc processes a message. The context is canceled when the
// subscriber closes, so long-running callbacks stop at shutdown. Return:
// - nil on success (will Ack)
// - Permanent(err) for permanent failure (will Nack requeue=false)
// - any other error for transient failure (will retry via the retry exchange)
type CallbackFunc func(ctx context.Context, msg *Message) error

// PermanentError marks a message processing failure as non-retriable.
type PermanentError struct{ Err error }

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent error"
	}
	return e.Err.Error()
}
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err as a PermanentError (non-retriable).
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var perr *PermanentError
	return errors.As(err, &perr)
}

const (
	defaultConcurrency = 4
	envConcurrency     = "RABBITMQ_CONCURRENCY"

	defaultMaxRedeliveries = 5
	envMaxRedeliveries     = "RABBITMQ_MAX_REDELIVERIES"

	defaultRetryExchangePrefix = "incident-retry."
	envRetryExchangePrefix     = "RABBITMQ_RETRY_EXCHANGE_PREFIX"
	retryCountHeaderKey        = "x-incident-retry-count"
)

func consumerConcurrency() int {
	if v := os.Getenv(envConcurrency); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			return n
		}
		log.Warnf("rabbitmq: invalid %s=%q, using default=%d", envConcurrency, v, defaultConcurrency)
	}
	return defaultConcurrency
}

func maxRedeliveries() int {
	if v := os.Getenv(envMaxRedeliveries); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
		log.Warnf("rabbitmq: invalid %s=%q, using default=%d", envMaxRedeliveries, v, defaultMaxRedeliveries)
	}
	return defaultMaxRedeliveries
}

func retryExchangeFor(queue string) string {
	prefix := os.Getenv(envRetryExchangePrefix)
	if prefix == "" {
		prefix = defaultRetryExchangePrefix
	}
	return prefix + queue
}

func retryCountFromHeaders(headers amqp.Table) int {
	if headers == nil {
		return 0
	}
	v, ok := headers[retryCountHeaderKey]
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int:
		if t < 0 {
			return 0
		}
		return t
	case int32:
		if t < 0 {
			return 0
		}
		return int(t)
	case int64:
		if t < 0 {
			return 0
		}
		return int(t)
	case string:
		if n, err := strconv.Atoi(t); err == nil && n >= 0 {
			return n
		}
		return 0
	default:
		return 0
	}
}

func withRetryCountHeader(headers amqp.Table, next int) amqp.Table {
	out := amqp.Table{}
	for k, v := range headers {
		out[k] = v
	}
	if next < 0 {
		next = 0
	}
	out[retryCountHeaderKey] = int32(next)
	return out
}

// Subscriber consumes video submissions from a durable queue.
type Subscriber struct {
	amqpURL  string
	conn     *amqp.Connection
	channel  *amqp.Channel
	exchange string
	queue    string
	prefetch int

	// opMu serializes amqp operations on s.channel since amqp.Channel is not
	// safe for concurrent use.
	opMu sync.Mutex

	startOnce sync.Once
	done      chan struct{}

	// rootCtx is the lifecycle context handed to callbacks; Close cancels it
	// so in-flight pipeline runs stop at shutdown.
	rootCtx    context.Context
	rootCancel context.CancelFunc

	connected      atomic.Bool
	lastConnectNs  atomic.Int64
	lastDeliveryNs atomic.Int64
	lastError      atomic.Value // string
}

// NewSubscriber creates a subscriber and establishes the initial connection
// so callers fail fast if RabbitMQ is unreachable.
func NewSubscriber(amqpURL, exchangeName, queueName string, prefetchCount int) (*Subscriber, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	s := &Subscriber{
		amqpURL:  amqpURL,
		exchange: exchangeName,
		queue:    queueName,
		prefetch: prefetchCount,
		done:     make(chan struct{}),
	}
	s.rootCtx, s.rootCancel = context.WithCancel(context.Background())

	s.opMu.Lock()
	err := s.reconnectLocked(ctx)
	s.opMu.Unlock()
	if err != nil {
		return nil, err
	}

	return s, nil
}

func (s *Subscriber) setLastError(err error) {
	if err == nil {
		s.lastError.Store("")
		return
	}
	s.lastError.Store(err.Error())
}

func (s *Subscriber) markDisconnected(err error) {
	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)
	s.setLastError(err)
}

// reconnectLocked tears down any existing channel/connection and recreates
// them. Caller must hold s.opMu.
func (s *Subscriber) reconnectLocked(ctx context.Context) error {
	if s.channel != nil {
		_ = s.channel.Close()
		s.channel = nil
	}
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}

	conn, err := amqp.Dial(s.amqpURL)
	if err != nil {
		s.markDisconnected(err)
		return fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		s.markDisconnected(err)
		return fmt.Errorf("failed to open channel: %w", err)
	}

	if err := ch.ExchangeDeclare(s.exchange, "direct", true, false, false, false, nil); err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.markDisconnected(err)
		return fmt.Errorf("failed to declare exchange: %w", err)
	}

	q, err := ch.QueueDeclare(s.queue, true, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		_ = conn.Close()
		s.markDisconnected(err)
		return fmt.Errorf("failed to declare queue: %w", err)
	}
	s.queue = q.Name

	select {
	case <-ctx.Done():
		_ = ch.Close()
		_ = conn.Close()
		s.markDisconnected(ctx.Err())
		return fmt.Errorf("context timeout while connecting subscriber: %w", ctx.Err())
	default:
	}

	s.conn = conn
	s.channel = ch
	s.connected.Store(true)
	metrics.RabbitMQConnected.Set(1)

	now := time.Now()
	s.lastConnectNs.Store(now.UnixNano())
	metrics.RabbitMQLastConnectSeconds.Set(float64(now.Unix()))

	s.setLastError(nil)
	return nil
}

// Start begins consuming and dispatching to the routing key callbacks. Ack
// or nack happens only after the callback returns; transient failures are
// republished to the retry exchange with an incremented retry-count header.
func (s *Subscriber) Start(routingKeyCallbacks map[string]CallbackFunc) error {
	s.startOnce.Do(func() {
		workers := consumerConcurrency()
		if s.prefetch > 0 && workers > s.prefetch {
			workers = s.prefetch
		}

		jobs := make(chan amqp.Delivery, workers)
		maxRetries := maxRedeliveries()

		for i := 0; i < workers; i++ {
			workerID := i + 1
			go func() {
				for delivery := range jobs {
					s.handleDelivery(workerID, delivery, routingKeyCallbacks, maxRetries)
				}
			}()
		}

		go s.consumeLoop(jobs, routingKeyCallbacks, workers)
	})
	return nil
}

func (s *Subscriber) handleDelivery(workerID int, delivery amqp.Delivery, callbacks map[string]CallbackFunc, maxRetries int) {
	startedAt := time.Now()
	s.lastDeliveryNs.Store(startedAt.UnixNano())
	metrics.RabbitMQLastDeliverySeconds.Set(float64(startedAt.Unix()))

	metrics.WorkerInFlight.Inc()
	defer metrics.WorkerInFlight.Dec()

	logger := log.WithFields(log.Fields{
		"worker":      workerID,
		"routing_key": delivery.RoutingKey,
		"tag":         delivery.DeliveryTag,
	})

	finish := func(result string) {
		metrics.ProcessedTotal.WithLabelValues(result).Inc()
		metrics.ProcessingDurationSeconds.WithLabelValues(result).Observe(time.Since(startedAt).Seconds())
	}

	callback, exists := callbacks[delivery.RoutingKey]
	if !exists {
		s.nack(delivery, false)
		finish("permanent_error")
		logger.Warn("no callback for routing key, dropped")
		return
	}

	msg := &Message{
		Body:        delivery.Body,
		RoutingKey:  delivery.RoutingKey,
		Exchange:    delivery.Exchange,
		ContentType: delivery.ContentType,
		Timestamp:   delivery.Timestamp,
		DeliveryTag: delivery.DeliveryTag,
	}

	var callbackErr error
	panicked := false
	func() {
		defer func() {
			if r := recover(); r != nil {
				panicked = true
				callbackErr = fmt.Errorf("callback panicked: %v", r)
			}
		}()
		callbackErr = callback(s.rootCtx, msg)
	}()

	switch {
	case panicked:
		// Panics are treated as permanent; requeueing would just crash again.
		s.nack(delivery, false)
		finish("panic")
		logger.Errorf("worker panic: %v", callbackErr)

	case callbackErr == nil:
		s.ack(delivery)
		finish("success")
		logger.Infof("processed in %s", time.Since(startedAt))

	case isPermanent(callbackErr):
		s.nack(delivery, false)
		finish("permanent_error")
		logger.WithError(callbackErr).Error("permanent failure, dropped")

	default:
		attempts := retryCountFromHeaders(delivery.Headers)
		if attempts >= maxRetries {
			s.nack(delivery, false)
			finish("transient_error")
			logger.WithError(callbackErr).Errorf("giving up after %d redeliveries", attempts)
			return
		}
		// Publish to the retry exchange then ack the original to avoid a
		// tight redelivery loop.
		pub := amqp.Publishing{
			Headers:      withRetryCountHeader(delivery.Headers, attempts+1),
			ContentType:  delivery.ContentType,
			Body:         delivery.Body,
			DeliveryMode: delivery.DeliveryMode,
			Timestamp:    delivery.Timestamp,
		}
		s.opMu.Lock()
		publishErr := s.channel.Publish(retryExchangeFor(s.queue), delivery.RoutingKey, false, false, pub)
		s.opMu.Unlock()
		if publishErr != nil {
			metrics.RetryPublishErrorTotal.Inc()
			s.nack(delivery, true)
			finish("transient_error")
			logger.WithError(publishErr).Error("retry publish failed, requeued original")
			return
		}
		s.ack(delivery)
		finish("transient_error")
		logger.WithError(callbackErr).Warnf("transient failure, scheduled retry %d/%d", attempts+1, maxRetries)
	}
}

func (s *Subscriber) ack(delivery amqp.Delivery) {
	s.opMu.Lock()
	err := delivery.Ack(false)
	s.opMu.Unlock()
	if err != nil {
		metrics.AckErrorTotal.Inc()
	}
}

func (s *Subscriber) nack(delivery amqp.Delivery, requeue bool) {
	s.opMu.Lock()
	err := delivery.Nack(false, requeue)
	s.opMu.Unlock()
	if err != nil {
		metrics.NackErrorTotal.Inc()
	}
}

// consumeLoop keeps a consumer alive across broker restarts: when the
// delivery channel closes it reconnects with backoff and re-applies QoS and
// bindings.
func (s *Subscriber) consumeLoop(jobs chan amqp.Delivery, callbacks map[string]CallbackFunc, workers int) {
	backoff := 1 * time.Second
	retrySleep := func() {
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}

	for {
		select {
		case <-s.done:
			close(jobs)
			return
		default:
		}

		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		s.opMu.Lock()
		if s.conn == nil || s.conn.IsClosed() || s.channel == nil {
			if err := s.reconnectLocked(ctx); err != nil {
				s.opMu.Unlock()
				cancel()
				log.WithError(err).Errorf("rabbitmq reconnect failed queue=%s", s.queue)
				retrySleep()
				continue
			}
		}

		if err := s.channel.Qos(workers, 0, false); err != nil {
			s.markDisconnected(err)
			s.opMu.Unlock()
			cancel()
			log.WithError(err).Errorf("rabbitmq qos failed queue=%s", s.queue)
			retrySleep()
			continue
		}

		bindFailed := false
		for routingKey := range callbacks {
			if err := s.channel.QueueBind(s.queue, routingKey, s.exchange, false, nil); err != nil {
				s.markDisconnected(err)
				log.WithError(err).Errorf("rabbitmq bind failed queue=%s routing_key=%s", s.queue, routingKey)
				bindFailed = true
				break
			}
		}
		if bindFailed {
			s.opMu.Unlock()
			cancel()
			retrySleep()
			continue
		}

		msgs, err := s.channel.Consume(s.queue, "", false, false, false, false, nil)
		s.opMu.Unlock()
		cancel()
		if err != nil {
			s.markDisconnected(err)
			log.WithError(err).Errorf("rabbitmq consume failed queue=%s", s.queue)
			retrySleep()
			continue
		}

		log.Infof("rabbitmq consuming exchange=%s queue=%s workers=%d", s.exchange, s.queue, workers)
		backoff = 1 * time.Second

	deliveries:
		for {
			select {
			case <-s.done:
				close(jobs)
				return
			case delivery, ok := <-msgs:
				if !ok {
					s.connected.Store(false)
					metrics.RabbitMQConnected.Set(0)
					log.Warnf("rabbitmq delivery channel closed queue=%s, reconnecting", s.queue)
					retrySleep()
					break deliveries
				}
				jobs <- delivery
			}
		}
	}
}

// Close closes the subscriber connection and channel.
func (s *Subscriber) Close() error {
	select {
	case <-s.done:
		// already closed
	default:
		close(s.done)
	}
	if s.rootCancel != nil {
		s.rootCancel()
	}

	var err error
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.channel != nil {
		if channelErr := s.channel.Close(); channelErr != nil {
			log.WithError(channelErr).Warn("failed to close channel")
			err = channelErr
		}
		s.channel = nil
	}

	if s.conn != nil {
		if connErr := s.conn.Close(); connErr != nil {
			log.WithError(connErr).Warn("failed to close connection")
			if err == nil {
				err = connErr
			}
		}
		s.conn = nil
	}

	s.connected.Store(false)
	metrics.RabbitMQConnected.Set(0)
	return err
}

// IsConnected indicates if the subscriber is currently connected (best-effort).
func (s *Subscriber) IsConnected() bool {
	if s.conn == nil || s.channel == nil {
		return false
	}
	if s.conn.IsClosed() {
		return false
	}
	return s.connected.Load()
}

// LastConnectAt returns the last time we successfully (re)connected.
func (s *Subscriber) LastConnectAt() time.Time {
	ns := s.lastConnectNs.Load()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastDeliveryAt returns the last time we observed a delivery.
func (s *Subscriber) LastDeliveryAt() time.Time {
	ns := s.lastDeliveryNs.Load()
	if ns <= 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// LastError returns the last connection/consumption error string (best-effort).
func (s *Subscriber) LastError() string {
	if v, ok := s.lastError.Load().(string); ok {
		return v
	}
	return ""
}

// GetExchange returns the exchange name.
func (s *Subscriber) GetExchange() string { return s.exchange }

// GetQueue returns the queue name.
func (s *Subscriber) GetQueue() string { return s.queue }
