package events

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Store is the slice of the event log the publisher needs.
type Store interface {
	FetchUnpublished(ctx context.Context, limit int) ([]Event, error)
	MarkPublished(ctx context.Context, ids []int64, at time.Time) error
}

// MessageWriter is satisfied by *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
}

type PublisherConfig struct {
	Topic     string
	BatchSize int
}

// Publisher ships event_logs rows to Kafka, keyed by appointment id so every event of
// one appointment lands on the same partition in order.
type Publisher struct {
	store     Store
	writer    MessageWriter
	logger    zerolog.Logger
	topic     string
	batchSize int
}

func NewPublisher(store Store, writer MessageWriter, logger zerolog.Logger, cfg PublisherConfig) *Publisher {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	return &Publisher{
		store:     store,
		writer:    writer,
		logger:    logger,
		topic:     cfg.Topic,
		batchSize: cfg.BatchSize,
	}
}

// NewKafkaWriter builds a writer for a comma separated broker list.
func NewKafkaWriter(brokers string) *kafka.Writer {
	var list []string
	for _, b := range strings.Split(brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	return &kafka.Writer{
		Addr:         kafka.TCP(list...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
}

// PublishOnce ships up to one batch and returns how many events were published.
func (p *Publisher) PublishOnce(ctx context.Context) (int, error) {
	batch, err := p.store.FetchUnpublished(ctx, p.batchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch unpublished events: %w", err)
	}
	if len(batch) == 0 {
		return 0, nil
	}

	msgs := make([]kafka.Message, 0, len(batch))
	ids := make([]int64, 0, len(batch))
	for _, ev := range batch {
		var key []byte
		if ev.AppointmentID != nil {
			key = []byte(ev.AppointmentID.String())
		}
		msgs = append(msgs, kafka.Message{
			Topic: p.topic,
			Key:   key,
			Value: ev.Payload,
			Time:  ev.CreatedAt,
			Headers: []kafka.Header{
				{Key: "event_type", Value: []byte(ev.EventType)},
			},
		})
		ids = append(ids, ev.ID)
	}

	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		return 0, fmt.Errorf("write kafka messages: %w", err)
	}
	if err := p.store.MarkPublished(ctx, ids, time.Now()); err != nil {
		return 0, fmt.Errorf("mark events published: %w", err)
	}
	return len(batch), nil
}

// Run publishes on every tick until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := p.PublishOnce(ctx)
			if err != nil {
				p.logger.Error().Err(err).Msg("event publish failed")
				continue
			}
			if n > 0 {
				p.logger.Debug().Int("count", n).Msg("events published")
			}
		}
	}
}

// PgStore reads and marks event_logs rows.
type PgStore struct {
	pool *pgxpool.Pool
}

func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

func (s *PgStore) FetchUnpublished(ctx context.Context, limit int) ([]Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, event_type, appointment_id, payload, created_at, published_at
		FROM event_logs
		WHERE published_at IS NULL
		ORDER BY id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (Event, error) {
		var ev Event
		err := row.Scan(&ev.ID, &ev.EventType, &ev.AppointmentID, &ev.Payload, &ev.CreatedAt, &ev.PublishedAt)
		return ev, err
	})
}

func (s *PgStore) MarkPublished(ctx context.Context, ids []int64, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE event_logs SET published_at = $2 WHERE id = ANY($1)
	`, ids, at)
	return err
}
