package repo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shaiso/Courier/internal/rpc"
)

// schema — таблица журнала RPC-вызовов.
const schema = `
	CREATE TABLE IF NOT EXISTS rpc_calls (
		id             UUID PRIMARY KEY,
		correlation_id TEXT        NOT NULL,
		reply_to       TEXT        NOT NULL,
		request        BYTEA       NOT NULL,
		response       BYTEA       NOT NULL,
		error          TEXT,
		duration_ms    BIGINT      NOT NULL,
		handled_at     TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS rpc_calls_handled_at_idx ON rpc_calls (handled_at DESC);
	CREATE INDEX IF NOT EXISTS rpc_calls_correlation_id_idx ON rpc_calls (correlation_id);
`

// dbtx — часть *pgxpool.Pool, которой пользуется CallRepo.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// CallRepo — журнал запросов, обработанных RPC-сервером.
// Реализует rpc.Journal.
type CallRepo struct {
	db dbtx
}

var (
	_ rpc.Journal = (*CallRepo)(nil)
	_ dbtx        = (*pgxpool.Pool)(nil)
)

// NewCallRepo создаёт новый CallRepo.
func NewCallRepo(pool *pgxpool.Pool) *CallRepo {
	return &CallRepo{db: pool}
}

// EnsureSchema создаёт таблицу, если её нет.
func (r *CallRepo) EnsureSchema(ctx context.Context) error {
	if _, err := r.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("ensure rpc_calls schema: %w", err)
	}
	return nil
}

// Record сохраняет обработанный запрос.
func (r *CallRepo) Record(ctx context.Context, rec rpc.CallRecord) error {
	query := `
		INSERT INTO rpc_calls (id, correlation_id, reply_to, request, response, error, duration_ms, handled_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.db.Exec(ctx, query,
		uuid.New(),
		rec.CorrelationID,
		rec.ReplyTo,
		nonNil(rec.Request),
		nonNil(rec.Response),
		nullString(rec.Error),
		rec.Duration.Milliseconds(),
		rec.HandledAt,
	)
	if err != nil {
		return fmt.Errorf("insert rpc call: %w", err)
	}
	return nil
}

// ListRecent возвращает последние обработанные запросы, новые первыми.
func (r *CallRepo) ListRecent(ctx context.Context, limit int) ([]rpc.CallRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	query := `
		SELECT correlation_id, reply_to, request, response, error, duration_ms, handled_at
		FROM rpc_calls
		ORDER BY handled_at DESC
		LIMIT $1
	`
	rows, err := r.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list rpc calls: %w", err)
	}
	defer rows.Close()

	var calls []rpc.CallRecord
	for rows.Next() {
		rec, err := scanCall(rows)
		if err != nil {
			return nil, err
		}
		calls = append(calls, *rec)
	}
	return calls, rows.Err()
}

// GetByCorrelationID возвращает запись по correlation id.
func (r *CallRepo) GetByCorrelationID(ctx context.Context, correlationID string) (*rpc.CallRecord, error) {
	query := `
		SELECT correlation_id, reply_to, request, response, error, duration_ms, handled_at
		FROM rpc_calls
		WHERE correlation_id = $1
		ORDER BY handled_at DESC
		LIMIT 1
	`
	rec, err := scanCall(r.db.QueryRow(ctx, query, correlationID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// --- Helpers ---

func scanCall(row pgx.Row) (*rpc.CallRecord, error) {
	var rec rpc.CallRecord
	var callErr *string
	var durationMs int64

	err := row.Scan(
		&rec.CorrelationID,
		&rec.ReplyTo,
		&rec.Request,
		&rec.Response,
		&callErr,
		&durationMs,
		&rec.HandledAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("scan rpc call: %w", err)
	}

	if callErr != nil {
		rec.Error = *callErr
	}
	rec.Duration = time.Duration(durationMs) * time.Millisecond
	return &rec, nil
}

// nullString возвращает nil для пустой строки.
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nonNil заменяет nil на пустой срез: колонки NOT NULL.
func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
