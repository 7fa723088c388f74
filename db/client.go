// Package db owns the single logical Postgres connection: the LISTEN
// subscription, the prepared dequeue statement, and the batch emission path.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"tokenflow/signer"
	"tokenflow/token"
)

// Dequeue outcomes beyond a plain row count. The batching loop dispatches on
// these: transient forces a reconnect, terminal ends the process.
var (
	ErrTransient = errors.New("db: transient failure")
	ErrTerminal  = errors.New("db: terminal failure")

	// ErrIdleTimeout reports that a bounded wait elapsed with no traffic.
	ErrIdleTimeout = errors.New("db: idle timeout")
)

const dequeueStmt = "dequeue_tokens"

// dequeueSQL reads up to $2 eligible tokens past the stored cursor and
// advances the cursor to the highest id read, in one statement. Splitting
// the read from the update would break at-most-once across reconnects.
const dequeueSQL = `
WITH token_data AS (
    SELECT
        t.account,
        t.secret,
        t.code,
        t.expires_at,
        t.id,
        t.action,
        a.email,
        a.login
    FROM
        jobs
    JOIN tokens t
        ON t.id > jobs.last_seq
        AND t.expires_at > EXTRACT(EPOCH FROM NOW())
        AND t.consumed_at IS NULL
        AND t.action IN ('activation', 'password_recovery')
    JOIN accounts a
        ON a.id = t.account
        AND (
            (t.action = 'activation' AND a.status = 'provisioned')
            OR (t.action = 'password_recovery' AND a.status = 'active')
        )
    WHERE
        jobs.job_type = $1
    ORDER BY id ASC
    LIMIT $2
),
updated_jobs AS (
    UPDATE
        jobs
    SET
        last_seq = (SELECT MAX(id) FROM token_data)
    WHERE
        job_type = $1
        AND EXISTS (SELECT 1 FROM token_data)
    RETURNING last_seq
)
SELECT
    td.action,
    td.email,
    td.login,
    td.secret,
    td.code
FROM
    token_data td`

var dequeueColumns = []string{"action", "email", "login", "secret", "code"}

// ClientConfig wires a Client.
type ClientConfig struct {
	ConnString string
	Channel    string
	Queue      string
	Signer     *signer.Signer
	Out        io.Writer
	Logger     *log.Logger
}

// Client is the single-consumer database handle. Not safe for concurrent
// use; the batching loop is its only caller.
type Client struct {
	conn    *pgx.Conn
	signer  *signer.Signer
	out     io.Writer
	logger  *log.Logger
	queue   string
	pending int
}

// Connect opens the connection, subscribes to the notification channel and
// prepares the dequeue statement. Any failure closes the connection and is
// terminal for this attempt; the caller decides whether to try again.
func Connect(ctx context.Context, cfg ClientConfig) (*Client, error) {
	connCfg, err := pgx.ParseConfig(cfg.ConnString)
	if err != nil {
		return nil, fmt.Errorf("db: parse config: %w", err)
	}

	c := &Client{
		signer: cfg.Signer,
		out:    cfg.Out,
		logger: cfg.Logger,
		queue:  cfg.Queue,
	}

	// Notifications are counted as they are processed, whether that happens
	// inside a bounded wait or in the middle of a dequeue round-trip.
	connCfg.OnNotification = func(_ *pgconn.PgConn, _ *pgconn.Notification) {
		c.pending++
	}

	conn, err := pgx.ConnectConfig(ctx, connCfg)
	if err != nil {
		return nil, fmt.Errorf("db: connect: %w", err)
	}
	c.conn = conn

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{cfg.Channel}.Sanitize()); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("db: listen on %q: %w", cfg.Channel, err)
	}

	if _, err := conn.Prepare(ctx, dequeueStmt, dequeueSQL); err != nil {
		_ = conn.Close(ctx)
		return nil, fmt.Errorf("db: prepare dequeue statement: %w", err)
	}

	cfg.Logger.Printf("[INFO] listening for notifications on channel: %s", cfg.Channel)

	return c, nil
}

// TakePending returns the notifications observed since the last call and
// resets the count.
func (c *Client) TakePending() int {
	n := c.pending
	c.pending = 0
	return n
}

// WaitIncoming blocks until traffic arrives on the connection or the window
// elapses. It returns nil once at least one notification was consumed,
// ErrIdleTimeout when the window passed quietly, the context error when ctx
// was cancelled, and a transient error on connection trouble.
func (c *Client) WaitIncoming(ctx context.Context, window time.Duration) error {
	waitCtx, cancel := context.WithTimeout(ctx, window)
	defer cancel()

	err := c.conn.PgConn().WaitForNotification(waitCtx)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return ErrIdleTimeout
	}
	return fmt.Errorf("%w: wait for notification: %v", ErrTransient, err)
}

// Dequeue executes the prepared statement, shapes each returned row and
// emits the batch as one flushed line. It returns the number of rows the
// query produced; rows that fail shaping are skipped but still counted, as
// the cursor has already moved past them.
func (c *Client) Dequeue(ctx context.Context, limit int) (int, error) {
	// Shutdown must not cancel a round-trip already in flight; the loop
	// observes the signal once the batch is out.
	rows, err := c.conn.Query(context.WithoutCancel(ctx), dequeueStmt, c.queue, limit)
	if err != nil {
		return 0, classify(fmt.Errorf("execute dequeue: %w", err))
	}
	defer rows.Close()

	if err := checkColumns(rows.FieldDescriptions()); err != nil {
		return 0, err
	}

	var (
		line  strings.Builder
		seen  int
		wrote int
	)

	for rows.Next() {
		var (
			row  token.Row
			code sql.NullString
		)
		if err := rows.Scan(&row.Action, &row.Email, &row.Login, &row.Secret, &code); err != nil {
			return wrote, classify(fmt.Errorf("scan row: %w", err))
		}
		row.Code = code.String
		seen++

		if token.ActionCode(row.Action) == 0 {
			c.logger.Printf("[WARN] unexpected action %q at row %d", row.Action, seen-1)
		}

		fields, err := token.Shape(c.signer, row)
		if err != nil {
			c.logger.Printf("[ERROR] skipping row %d: %v", seen-1, err)
			continue
		}

		if wrote > 0 {
			line.WriteByte(',')
		}
		line.WriteString(fields)
		wrote++
	}
	if err := rows.Err(); err != nil {
		return wrote, classify(fmt.Errorf("read dequeue result: %w", err))
	}

	if wrote > 0 {
		line.WriteByte('\n')
		if _, err := io.WriteString(c.out, line.String()); err != nil {
			return wrote, fmt.Errorf("%w: write batch: %v", ErrTerminal, err)
		}
	}

	return seen, nil
}

// HealthCheck issues a trivial round-trip to verify the connection is alive.
func (c *Client) HealthCheck(ctx context.Context) error {
	if err := c.conn.Ping(ctx); err != nil {
		return fmt.Errorf("%w: ping: %v", ErrTransient, err)
	}
	return nil
}

// Close releases the connection. Safe to call on a degraded handle.
func (c *Client) Close(ctx context.Context) {
	if c.conn != nil {
		_ = c.conn.Close(ctx)
	}
}

// checkColumns verifies the dequeue result carries the expected columns.
// A mismatch means schema drift, which no reconnect can repair.
func checkColumns(fields []pgconn.FieldDescription) error {
	names := make(map[string]bool, len(fields))
	for _, f := range fields {
		names[f.Name] = true
	}
	for _, want := range dequeueColumns {
		if !names[want] {
			return fmt.Errorf("%w: missing column %q in dequeue result", ErrTerminal, want)
		}
	}
	return nil
}

// classify splits dequeue failures into transient (reconnect) and terminal
// (exit). Server-side errors in SQLSTATE class 42 mean the statement no
// longer matches the schema; everything else is assumed recoverable.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && strings.HasPrefix(pgErr.Code, "42") {
		return fmt.Errorf("%w: %v", ErrTerminal, err)
	}
	return fmt.Errorf("%w: %v", ErrTransient, err)
}
