package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"feed-scheduler/internal/domain"
	"feed-scheduler/internal/infra/metrics"
)

// Config задаёт параметры брокера.
type Config struct {
	Prefetch        int
	PublishAttempts int
	// Workers — число параллельных обработчиков на очередь.
	Workers int
}

// Broker публикует и потребляет сообщения RabbitMQ. Потерянное соединение
// открывается заново при следующей публикации, проверке или перезапуске потребителя.
type Broker struct {
	url  string
	dial func(url string) (*amqp.Connection, error)
	cfg  Config
	log  zerolog.Logger

	connMu sync.Mutex
	conn   *amqp.Connection

	pubMu    sync.Mutex
	pubCh    *amqp.Channel
	declared map[domain.Queue]struct{}

	now func() time.Time
}

var _ domain.Publisher = (*Broker)(nil)

const (
	consumeRetryMin = time.Second
	consumeRetryMax = 30 * time.Second
)

// Dial подключается к брокеру и открывает канал публикации с подтверждениями.
func Dial(url string, cfg Config, logger zerolog.Logger) (*Broker, error) {
	if url == "" {
		return nil, errors.New("amqp url is empty")
	}
	b := newBroker(url, amqp.Dial, cfg, logger)
	if _, err := b.connection(); err != nil {
		return nil, err
	}
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	if err := b.openPublishChannel(); err != nil {
		_ = b.Close()
		return nil, err
	}
	return b, nil
}

func newBroker(url string, dial func(string) (*amqp.Connection, error), cfg Config, logger zerolog.Logger) *Broker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.PublishAttempts <= 0 {
		cfg.PublishAttempts = 3
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Broker{
		url:      url,
		dial:     dial,
		cfg:      cfg,
		log:      logger.With().Str("component", "broker").Logger(),
		declared: make(map[domain.Queue]struct{}),
		now:      time.Now,
	}
}

// connection возвращает открытое соединение, при необходимости подключаясь заново.
func (b *Broker) connection() (*amqp.Connection, error) {
	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn != nil && !b.conn.IsClosed() {
		return b.conn, nil
	}
	start := time.Now()
	conn, err := b.dial(b.url)
	metrics.ObserveNetworkRequest("rabbitmq", "dial", "broker", start, err)
	if err != nil {
		return nil, fmt.Errorf("dial amqp: %w", err)
	}
	if b.conn != nil {
		b.log.Info().Msg("broker: соединение восстановлено")
	}
	b.conn = conn
	return conn, nil
}

// Ping проверяет соединение с брокером и восстанавливает его, если оно закрыто.
func (b *Broker) Ping(context.Context) error {
	_, err := b.connection()
	return err
}

// openPublishChannel вызывается под pubMu.
func (b *Broker) openPublishChannel() error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return fmt.Errorf("enable confirms: %w", err)
	}
	b.pubCh = ch
	b.declared = make(map[domain.Queue]struct{})
	return nil
}

// Publish отправляет сообщение в очередь и ждёт подтверждения брокера.
// Публикация повторяется до PublishAttempts раз.
func (b *Broker) Publish(ctx context.Context, queue domain.Queue, payload any, opts domain.PublishOptions) error {
	msg, err := buildPublishing(payload, opts, b.now())
	if err != nil {
		return err
	}

	var lastErr error
	for attempt := 1; attempt <= b.cfg.PublishAttempts; attempt++ {
		start := time.Now()
		lastErr = b.publishOnce(ctx, queue, msg)
		metrics.ObserveNetworkRequest("rabbitmq", "publish", string(queue), start, lastErr)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.log.Warn().Err(lastErr).Str("queue", string(queue)).Int("attempt", attempt).Msg("broker: публикация не удалась")
		if attempt < b.cfg.PublishAttempts {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Duration(attempt) * 200 * time.Millisecond):
			}
		}
	}
	return fmt.Errorf("publish to %s: %w", queue, lastErr)
}

func (b *Broker) publishOnce(ctx context.Context, queue domain.Queue, msg amqp.Publishing) error {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()

	if b.pubCh == nil || b.pubCh.IsClosed() {
		if err := b.openPublishChannel(); err != nil {
			return err
		}
	}
	if _, ok := b.declared[queue]; !ok {
		if err := declare(b.pubCh, queue); err != nil {
			return err
		}
		b.declared[queue] = struct{}{}
	}
	confirm, err := b.pubCh.PublishWithDeferredConfirmWithContext(ctx, "", string(queue), false, false, msg)
	if err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	acked, err := confirm.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("wait confirm: %w", err)
	}
	if !acked {
		return errors.New("broker nacked message")
	}
	return nil
}

// Consume читает очередь до отмены ctx. Сообщения подтверждаются согласно policy.
// При обрыве канала или соединения потребитель перезапускается с растущей паузой.
func (b *Broker) Consume(ctx context.Context, queue domain.Queue, policy domain.AckPolicy, handler domain.MessageHandler) error {
	backoff := consumeRetryMin
	for {
		start := time.Now()
		err := b.consumeOnce(ctx, queue, policy, handler)
		if ctx.Err() != nil {
			return nil
		}
		if time.Since(start) > consumeRetryMax {
			backoff = consumeRetryMin
		}
		b.log.Error().Err(err).Str("queue", string(queue)).Dur("retry_in", backoff).Msg("broker: потребитель остановлен, переподключение")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, consumeRetryMax)
	}
}

func (b *Broker) consumeOnce(ctx context.Context, queue domain.Queue, policy domain.AckPolicy, handler domain.MessageHandler) error {
	conn, err := b.connection()
	if err != nil {
		return err
	}
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("open channel: %w", err)
	}
	defer ch.Close()

	if err := ch.Qos(b.cfg.Prefetch, 0, false); err != nil {
		return fmt.Errorf("set qos: %w", err)
	}
	if err := declare(ch, queue); err != nil {
		return err
	}
	deliveries, err := ch.ConsumeWithContext(ctx, string(queue), "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("consume %s: %w", queue, err)
	}

	logger := b.log.With().Str("queue", string(queue)).Logger()
	logger.Info().Int("workers", b.cfg.Workers).Msg("broker: потребитель запущен")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < b.cfg.Workers; i++ {
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return nil
				case d, ok := <-deliveries:
					if !ok {
						if gctx.Err() != nil {
							return nil
						}
						return fmt.Errorf("deliveries of %s closed", queue)
					}
					handleDelivery(gctx, logger, queue, policy, handler, d)
				}
			}
		})
	}
	return g.Wait()
}

// Close закрывает соединение с брокером.
func (b *Broker) Close() error {
	b.pubMu.Lock()
	if b.pubCh != nil {
		_ = b.pubCh.Close()
	}
	b.pubMu.Unlock()

	b.connMu.Lock()
	defer b.connMu.Unlock()
	if b.conn == nil {
		return nil
	}
	return b.conn.Close()
}

func declare(ch *amqp.Channel, queue domain.Queue) error {
	if _, err := ch.QueueDeclare(string(queue), true, false, false, false, nil); err != nil {
		return fmt.Errorf("declare queue %s: %w", queue, err)
	}
	return nil
}

func buildPublishing(payload any, opts domain.PublishOptions, now time.Time) (amqp.Publishing, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal payload: %w", err)
	}
	body, err := json.Marshal(domain.Envelope{Data: data, Timestamp: now.UnixMilli(), Debug: opts.Debug})
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("marshal envelope: %w", err)
	}
	msg := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		Timestamp:    now,
		Body:         body,
	}
	if opts.Expiration > 0 {
		msg.Expiration = strconv.FormatInt(opts.Expiration.Milliseconds(), 10)
	}
	return msg, nil
}

// handleDelivery вызывает обработчик и подтверждает сообщение. Неразбираемые сообщения
// подтверждаются всегда, иначе они бесконечно возвращались бы в очередь.
func handleDelivery(ctx context.Context, logger zerolog.Logger, queue domain.Queue, policy domain.AckPolicy, handler domain.MessageHandler, d amqp.Delivery) {
	var env domain.Envelope
	if err := json.Unmarshal(d.Body, &env); err != nil {
		logger.Error().Err(err).Msg("broker: не удалось разобрать сообщение")
		metrics.IncConsumerMessage(string(queue), "invalid")
		ack(logger, d)
		return
	}

	err := handler(ctx, env)
	switch {
	case err == nil:
		metrics.IncConsumerMessage(string(queue), "ok")
		ack(logger, d)
	case policy == domain.AckAlways:
		logger.Error().Err(err).Msg("broker: ошибка обработки сообщения")
		metrics.IncConsumerMessage(string(queue), "error")
		ack(logger, d)
	default:
		logger.Warn().Err(err).Msg("broker: ошибка обработки, сообщение возвращено в очередь")
		metrics.IncConsumerMessage(string(queue), "requeued")
		if nackErr := d.Nack(false, true); nackErr != nil {
			logger.Error().Err(nackErr).Msg("broker: не удалось вернуть сообщение")
		}
	}
}

func ack(logger zerolog.Logger, d amqp.Delivery) {
	if err := d.Ack(false); err != nil {
		logger.Error().Err(err).Msg("broker: не удалось подтвердить сообщение")
	}
}
