package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"spot-trading-core/internal/logging"
)

const createOutcomesTable = `
	CREATE TABLE IF NOT EXISTS trade_outcomes (
		id          TEXT PRIMARY KEY,
		symbol      TEXT NOT NULL,
		entry_time  TIMESTAMPTZ NOT NULL,
		exit_time   TIMESTAMPTZ NOT NULL,
		entry_price DOUBLE PRECISION NOT NULL,
		exit_price  DOUBLE PRECISION NOT NULL,
		quantity    DOUBLE PRECISION NOT NULL,
		pnl_pct     DOUBLE PRECISION NOT NULL,
		hold_ms     BIGINT NOT NULL,
		exit_reason TEXT NOT NULL,
		created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)`

const createOutcomesIndex = `CREATE INDEX IF NOT EXISTS idx_trade_outcomes_exit_time ON trade_outcomes (exit_time)`

const selectOutcomes = `
	SELECT id, symbol, entry_time, exit_time, entry_price, exit_price, quantity, pnl_pct, hold_ms, exit_reason
	FROM trade_outcomes`

// PostgresLedger stores outcomes in an insert-only table.
type PostgresLedger struct {
	pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresLedger connects with dsn and creates the table if missing.
func NewPostgresLedger(ctx context.Context, dsn string, logger *logging.Logger) (*PostgresLedger, error) {
	if logger == nil {
		logger = logging.Default()
	}
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	poolConfig.MaxConns = 5
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	l := &PostgresLedger{pool: pool, logger: logger.WithComponent("ledger")}
	if err := l.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}
	l.logger.Info("Trade ledger connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)
	return l, nil
}

func (l *PostgresLedger) migrate(ctx context.Context) error {
	for _, stmt := range []string{createOutcomesTable, createOutcomesIndex} {
		if _, err := l.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ledger migration failed: %w", err)
		}
	}
	return nil
}

func (l *PostgresLedger) Append(ctx context.Context, o TradeOutcome) error {
	if err := o.validate(); err != nil {
		return err
	}
	query := `
		INSERT INTO trade_outcomes (id, symbol, entry_time, exit_time, entry_price, exit_price, quantity, pnl_pct, hold_ms, exit_reason)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := l.pool.Exec(ctx, query,
		o.ID, o.Symbol, o.EntryTime, o.ExitTime, o.EntryPrice, o.ExitPrice,
		o.Quantity, o.PnLPct, o.HoldTime.Milliseconds(), o.ExitReason,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%s: %w", o.ID, ErrDuplicate)
	}
	if err != nil {
		return fmt.Errorf("insert trade outcome: %w", err)
	}
	return nil
}

func (l *PostgresLedger) All(ctx context.Context) ([]TradeOutcome, error) {
	return l.query(ctx, selectOutcomes+` ORDER BY exit_time ASC`)
}

func (l *PostgresLedger) Since(ctx context.Context, t time.Time) ([]TradeOutcome, error) {
	return l.query(ctx, selectOutcomes+` WHERE exit_time > $1 ORDER BY exit_time ASC`, t)
}

func (l *PostgresLedger) query(ctx context.Context, query string, args ...interface{}) ([]TradeOutcome, error) {
	rows, err := l.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query trade outcomes: %w", err)
	}
	return pgx.CollectRows(rows, scanOutcome)
}

func scanOutcome(row pgx.CollectableRow) (TradeOutcome, error) {
	var o TradeOutcome
	var holdMs int64
	err := row.Scan(&o.ID, &o.Symbol, &o.EntryTime, &o.ExitTime, &o.EntryPrice, &o.ExitPrice,
		&o.Quantity, &o.PnLPct, &holdMs, &o.ExitReason)
	o.HoldTime = time.Duration(holdMs) * time.Millisecond
	return o, err
}

func (l *PostgresLedger) Close() error {
	l.pool.Close()
	return nil
}
