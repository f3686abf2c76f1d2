package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/mattn/go-sqlite3" // driver registration and error codes

	"meshbridge/internal/constants"
	"meshbridge/internal/logger"
	apperrors "meshbridge/pkg/errors"
	"meshbridge/pkg/retry"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// ErrAlreadyExists reports that a packet id was recorded by an earlier
// delivery. Callers treat it as "duplicate, drop".
var ErrAlreadyExists = errors.New("packet already recorded")

type ProcessedRecord struct {
	PacketID    uint64
	FromNode    uint32
	Text        string
	Status      Status
	ForwardedAt *time.Time
	CreatedAt   time.Time
}

// Store is the durable record of processed packet ids. It is written by the
// single pipeline worker; WAL mode plus a busy timeout keeps concurrent
// readers (ad-hoc sqlite3 shells, mostly) from blocking it.
type Store struct {
	db         *sql.DB
	log        logger.Logger
	busyPolicy retry.Policy
}

const schema = `CREATE TABLE IF NOT EXISTS processed_messages (
	packet_id      INTEGER PRIMARY KEY,
	from_node      INTEGER NOT NULL,
	text           TEXT NOT NULL,
	forward_status TEXT NOT NULL DEFAULT 'pending',
	forwarded_at   TIMESTAMP,
	created_at     TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
)`

func Open(path string, log logger.Logger) (*Store, error) {
	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=%d",
		path, constants.StoreBusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	// Single writer process; one connection avoids lock churn between the
	// pool's own connections.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return &Store{
		db:  db,
		log: log,
		busyPolicy: retry.Policy{
			MaxAttempts:     constants.StoreBusyAttempts,
			InitialInterval: constants.StoreBusyDelay,
			MaxInterval:     constants.StoreBusyMaxDelay,
			Multiplier:      2.0,
		},
	}, nil
}

func (s *Store) HasSeen(ctx context.Context, packetID uint64) (bool, error) {
	var seen bool
	err := s.withBusyRetry(ctx, func() error {
		var one int
		err := s.db.QueryRowContext(ctx,
			`SELECT 1 FROM processed_messages WHERE packet_id = ?`, int64(packetID)).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			seen = false
			return nil
		}
		if err != nil {
			return err
		}
		seen = true
		return nil
	})
	return seen, err
}

// RecordPending inserts a new pending record, atomically. A packet id that
// is already present leaves the existing row untouched and returns
// ErrAlreadyExists.
func (s *Store) RecordPending(ctx context.Context, packetID uint64, fromNode uint32, text string) error {
	return s.withBusyRetry(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`INSERT INTO processed_messages (packet_id, from_node, text, forward_status)
			 VALUES (?, ?, ?, ?)
			 ON CONFLICT(packet_id) DO NOTHING`,
			int64(packetID), int64(fromNode), text, string(StatusPending))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrAlreadyExists
		}
		return nil
	})
}

// MarkOutcome records the forwarding result. A delivered record is never
// downgraded: re-marking after an idempotent re-delivery is a no-op.
func (s *Store) MarkOutcome(ctx context.Context, packetID uint64, status Status) error {
	return s.withBusyRetry(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`UPDATE processed_messages
			 SET forward_status = ?, forwarded_at = ?
			 WHERE packet_id = ? AND forward_status != ?`,
			string(status), time.Now().UTC(), int64(packetID), string(StatusDelivered))
		return err
	})
}

func (s *Store) Get(ctx context.Context, packetID uint64) (*ProcessedRecord, error) {
	var rec ProcessedRecord
	var id, from int64
	var status string
	var forwardedAt sql.NullTime

	err := s.db.QueryRowContext(ctx,
		`SELECT packet_id, from_node, text, forward_status, forwarded_at, created_at
		 FROM processed_messages WHERE packet_id = ?`, int64(packetID)).
		Scan(&id, &from, &rec.Text, &status, &forwardedAt, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	rec.PacketID = uint64(id)
	rec.FromNode = uint32(from)
	rec.Status = Status(status)
	if forwardedAt.Valid {
		t := forwardedAt.Time
		rec.ForwardedAt = &t
	}
	return &rec, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// withBusyRetry retries lock-contention errors a few times with short
// sleeps, then surfaces STORE_BUSY. Anything else fails immediately.
func (s *Store) withBusyRetry(ctx context.Context, fn func() error) error {
	err := retry.DoWithCallback(ctx, s.busyPolicy, func() error {
		err := fn()
		if err == nil {
			return nil
		}
		if isBusy(err) {
			return apperrors.ErrStoreBusy.WithCause(err)
		}
		if errors.Is(err, ErrAlreadyExists) {
			return apperrors.Wrap(err, apperrors.NewError("EXISTS", "duplicate packet").AsFatal())
		}
		return apperrors.NewError("STORE", "store operation failed").AsFatal().WithCause(err)
	}, func(attempt int, err error, nextDelay time.Duration) {
		s.log.Warnw("Store busy, retrying", "attempt", attempt, "next_delay", nextDelay)
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyExists) {
			return ErrAlreadyExists
		}
		return err
	}
	return nil
}

func isBusy(err error) bool {
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}
