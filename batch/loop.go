// Package batch runs the notification-driven batching loop: it counts
// channel notifications, flushes on size or deadline, drains backlog after
// every connect and reconnects on transient failures.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"tokenflow/db"
)

// reconnectPause spaces runtime reconnect attempts.
const reconnectPause = 3 * time.Second

// Conn is the slice of the database client the loop drives.
type Conn interface {
	TakePending() int
	WaitIncoming(ctx context.Context, window time.Duration) error
	Dequeue(ctx context.Context, limit int) (int, error)
	HealthCheck(ctx context.Context) error
	Close(ctx context.Context)
}

// Connector establishes a fresh connection, already subscribed and prepared.
type Connector func(ctx context.Context) (Conn, error)

// Config wires a Loop.
type Config struct {
	Connect          Connector
	BatchLimit       int
	BatchTimeout     time.Duration
	HealthcheckEvery time.Duration
	Logger           *log.Logger
}

// Loop is the single-threaded batching state machine. Run is the only
// entry point.
type Loop struct {
	connect     Connector
	limit       int
	timeout     time.Duration
	healthEvery time.Duration
	logger      *log.Logger

	conn          Conn
	counter       int
	batchStart    time.Time
	lastRoundTrip time.Time
}

// New builds a Loop from cfg.
func New(cfg Config) *Loop {
	return &Loop{
		connect:     cfg.Connect,
		limit:       cfg.BatchLimit,
		timeout:     cfg.BatchTimeout,
		healthEvery: cfg.HealthcheckEvery,
		logger:      cfg.Logger,
	}
}

// Run connects, drains the backlog and then services notifications until ctx
// is cancelled or a terminal failure occurs. The initial connect is not
// retried; runtime reconnects retry for as long as ctx lives. A nil return
// means clean signal-driven shutdown.
func (l *Loop) Run(ctx context.Context) error {
	conn, err := l.connect(ctx)
	if err != nil {
		return fmt.Errorf("batch: connect: %w", err)
	}
	l.conn = conn
	defer func() {
		if l.conn != nil {
			l.conn.Close(context.Background())
		}
	}()

	needReconnect := false
	switch err := l.drain(ctx); {
	case err == nil:
		l.resetAfterConnect()
	case errors.Is(err, db.ErrTransient):
		l.logger.Printf("[ERROR] startup drain failed: %v", err)
		needReconnect = true
	default:
		return fmt.Errorf("batch: startup drain: %w", err)
	}

	for ctx.Err() == nil {
		if needReconnect {
			if err := l.reconnect(ctx); err != nil {
				return err
			}
			needReconnect = false
			continue
		}

		switch err := l.intake(ctx); {
		case err == nil:
		case errors.Is(err, db.ErrTransient):
			needReconnect = true
			continue
		default:
			return err
		}
		if ctx.Err() != nil {
			break
		}

		// A deadline may have passed while a size flush was running.
		if l.counter > 0 && time.Since(l.batchStart) >= l.timeout {
			switch err := l.flush(ctx); {
			case err == nil:
				continue
			case errors.Is(err, db.ErrTransient):
				needReconnect = true
				continue
			default:
				return err
			}
		}

		remaining := l.timeout
		if l.counter > 0 {
			remaining = l.timeout - time.Since(l.batchStart)
			if remaining < 0 {
				remaining = 0
			}
		}

		switch err := l.conn.WaitIncoming(ctx, remaining); {
		case err == nil:
			// Traffic consumed; next iteration picks up the notifications.
		case errors.Is(err, db.ErrIdleTimeout):
			if l.counter > 0 {
				switch err := l.flush(ctx); {
				case err == nil:
				case errors.Is(err, db.ErrTransient):
					needReconnect = true
				default:
					return err
				}
				continue
			}
			l.batchStart = time.Now()
			if time.Since(l.lastRoundTrip) >= l.healthEvery {
				if err := l.conn.HealthCheck(ctx); err != nil {
					l.logger.Printf("[WARN] health check failed: %v", err)
					needReconnect = true
					continue
				}
				l.lastRoundTrip = time.Now()
			}
		case errors.Is(err, context.Canceled):
			return nil
		default:
			l.logger.Printf("[ERROR] connection wait failed: %v", err)
			needReconnect = true
		}
	}

	return nil
}

// intake folds pending notifications into the counter one at a time,
// flushing the moment the counter reaches the batch limit.
func (l *Loop) intake(ctx context.Context) error {
	for range l.conn.TakePending() {
		if l.counter == 0 {
			l.batchStart = time.Now()
		}
		l.counter++

		if l.counter >= l.limit {
			if err := l.flush(ctx); err != nil {
				return err
			}
		}
	}
	return nil
}

// flush dequeues with limit equal to the current counter, then resets the
// batch window.
func (l *Loop) flush(ctx context.Context) error {
	if _, err := l.conn.Dequeue(ctx, l.counter); err != nil {
		return err
	}
	l.counter = 0
	l.batchStart = time.Now()
	l.lastRoundTrip = time.Now()
	return nil
}

// drain empties the cursor backlog in batch-limit chunks until a short
// result confirms nothing is left.
func (l *Loop) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		n, err := l.conn.Dequeue(ctx, l.limit)
		if err != nil {
			return err
		}
		l.lastRoundTrip = time.Now()
		if n < l.limit {
			break
		}
	}
	return nil
}

// reconnect closes the degraded handle and retries until a fresh connection
// is up with its backlog drained. Only terminal failures or cancellation end
// the retries.
func (l *Loop) reconnect(ctx context.Context) error {
	l.conn.Close(context.Background())
	l.conn = nil

	for ctx.Err() == nil {
		l.logger.Printf("[WARN] reconnecting to database...")

		conn, err := l.connect(ctx)
		if err != nil {
			l.logger.Printf("[ERROR] reconnect failed: %v", err)
			if !sleepCtx(ctx, reconnectPause) {
				return nil
			}
			continue
		}
		l.conn = conn

		switch err := l.drain(ctx); {
		case err == nil:
			l.logger.Printf("[INFO] reconnected successfully")
			l.resetAfterConnect()
			return nil
		case errors.Is(err, db.ErrTransient):
			l.logger.Printf("[ERROR] drain after reconnect failed: %v", err)
			l.conn.Close(context.Background())
			l.conn = nil
			if !sleepCtx(ctx, reconnectPause) {
				return nil
			}
		default:
			return fmt.Errorf("batch: drain after reconnect: %w", err)
		}
	}
	return nil
}

func (l *Loop) resetAfterConnect() {
	l.counter = 0
	l.batchStart = time.Now()
	l.lastRoundTrip = time.Now()
}

// sleepCtx waits d or until ctx is done; it reports whether the full pause
// elapsed.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
