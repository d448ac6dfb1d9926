package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/escrow-settlement/internal/core/domain"
)

const mysqlDuplicateEntry = 1062

const feeSettingName = "fee_percentage"

var schema = []string{
	`CREATE TABLE IF NOT EXISTS escrow_orders (
		order_id     VARCHAR(128) NOT NULL PRIMARY KEY,
		buyer        VARCHAR(128) NOT NULL,
		seller       VARCHAR(128) NOT NULL,
		amount       BIGINT NOT NULL,
		listing_ref  VARCHAR(128) NOT NULL,
		quantity     INT NOT NULL,
		status       VARCHAR(16) NOT NULL,
		created_at   DATETIME(6) NOT NULL,
		completed_at DATETIME(6) NULL,
		version      INT NOT NULL,
		INDEX idx_escrow_orders_buyer (buyer),
		INDEX idx_escrow_orders_seller (seller)
	)`,
	`CREATE TABLE IF NOT EXISTS settlement_transfers (
		id              CHAR(36) NOT NULL PRIMARY KEY,
		order_id        VARCHAR(128) NOT NULL,
		leg             VARCHAR(16) NOT NULL,
		kind            VARCHAR(16) NOT NULL,
		party           VARCHAR(128) NOT NULL,
		amount          BIGINT NOT NULL,
		idempotency_key VARCHAR(200) NOT NULL,
		state           VARCHAR(16) NOT NULL,
		attempts        INT NOT NULL DEFAULT 0,
		last_error      TEXT NULL,
		created_at      DATETIME(6) NOT NULL,
		settled_at      DATETIME(6) NULL,
		UNIQUE KEY uq_settlement_transfers_key (idempotency_key),
		INDEX idx_settlement_transfers_order (order_id),
		INDEX idx_settlement_transfers_state (state, created_at)
	)`,
	`CREATE TABLE IF NOT EXISTS platform_settings (
		name       VARCHAR(64) NOT NULL PRIMARY KEY,
		int_value  INT NOT NULL,
		updated_at DATETIME(6) NOT NULL
	)`,
}

const orderColumns = `order_id, buyer, seller, amount, listing_ref, quantity, status, created_at, completed_at, version`

const transferColumns = `id, order_id, leg, kind, party, amount, idempotency_key, state, attempts, last_error, created_at, settled_at`

type MySQLAdapter struct {
	db *sql.DB
}

func NewMySQLAdapter(db *sql.DB) *MySQLAdapter {
	return &MySQLAdapter{db: db}
}

// Migrate creates the tables when they do not exist.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) Insert(ctx context.Context, order domain.EscrowOrder, intents []domain.TransferIntent) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO escrow_orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		order.ID, order.Buyer, order.Seller, order.Amount, order.ListingRef, order.Quantity,
		string(order.Status), order.CreatedAt, nullTime(order.CompletedAt), order.Version,
	)
	if err != nil {
		var myErr *mysql.MySQLError
		if errors.As(err, &myErr) && myErr.Number == mysqlDuplicateEntry {
			return fmt.Errorf("%w: %s", domain.ErrAlreadyExists, order.ID)
		}
		return fmt.Errorf("insert order: %w", err)
	}

	if err := insertIntents(ctx, tx, intents); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLAdapter) Get(ctx context.Context, orderID string) (domain.EscrowOrder, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM escrow_orders WHERE order_id = ?`, orderID)

	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.EscrowOrder{}, fmt.Errorf("%w: %s", domain.ErrNotFound, orderID)
	}
	if err != nil {
		return domain.EscrowOrder{}, fmt.Errorf("query order: %w", err)
	}
	return order, nil
}

// Commit applies the status change under a version check and records the
// intents in the same transaction.
func (m *MySQLAdapter) Commit(ctx context.Context, order domain.EscrowOrder, expectedVersion int, intents []domain.TransferIntent) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx, `
		UPDATE escrow_orders
		SET status = ?, completed_at = ?, version = ?
		WHERE order_id = ? AND version = ?`,
		string(order.Status), nullTime(order.CompletedAt), order.Version, order.ID, expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("update order: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM escrow_orders WHERE order_id = ?`, order.ID).Scan(&exists)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", domain.ErrNotFound, order.ID)
		}
		if err != nil {
			return fmt.Errorf("query order: %w", err)
		}
		return fmt.Errorf("%w: order %s expected version %d", domain.ErrVersionConflict, order.ID, expectedVersion)
	}

	if err := insertIntents(ctx, tx, intents); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *MySQLAdapter) ListByBuyer(ctx context.Context, buyer string) ([]domain.EscrowOrder, error) {
	return m.listOrders(ctx, `SELECT `+orderColumns+` FROM escrow_orders WHERE buyer = ?`, buyer)
}

func (m *MySQLAdapter) ListBySeller(ctx context.Context, seller string) ([]domain.EscrowOrder, error) {
	return m.listOrders(ctx, `SELECT `+orderColumns+` FROM escrow_orders WHERE seller = ?`, seller)
}

func (m *MySQLAdapter) listOrders(ctx context.Context, query string, party string) ([]domain.EscrowOrder, error) {
	rows, err := m.db.QueryContext(ctx, query, party)
	if err != nil {
		return nil, fmt.Errorf("query orders: %w", err)
	}
	defer rows.Close()

	orders := make([]domain.EscrowOrder, 0)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, order)
	}
	return orders, rows.Err()
}

func (m *MySQLAdapter) ListTransfers(ctx context.Context, orderID string) ([]domain.TransferIntent, error) {
	return m.listIntents(ctx, `
		SELECT `+transferColumns+`
		FROM settlement_transfers WHERE order_id = ?
		ORDER BY created_at, id`, orderID)
}

func (m *MySQLAdapter) PendingTransfers(ctx context.Context, limit int) ([]domain.TransferIntent, error) {
	return m.listIntents(ctx, `
		SELECT `+transferColumns+`
		FROM settlement_transfers WHERE state = ?
		ORDER BY created_at, id
		LIMIT ?`, string(domain.TransferPending), limit)
}

func (m *MySQLAdapter) listIntents(ctx context.Context, query string, args ...any) ([]domain.TransferIntent, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query transfers: %w", err)
	}
	defer rows.Close()

	intents := make([]domain.TransferIntent, 0)
	for rows.Next() {
		var (
			in        domain.TransferIntent
			leg       string
			kind      string
			state     string
			lastError sql.NullString
			settledAt sql.NullTime
		)
		if err := rows.Scan(&in.ID, &in.OrderID, &leg, &kind, &in.Party, &in.Amount, &in.IdempotencyKey,
			&state, &in.Attempts, &lastError, &in.CreatedAt, &settledAt); err != nil {
			return nil, fmt.Errorf("scan transfer: %w", err)
		}
		in.Leg = domain.TransferLeg(leg)
		in.Kind = domain.TransferKind(kind)
		in.State = domain.TransferState(state)
		in.LastError = lastError.String
		if settledAt.Valid {
			t := settledAt.Time
			in.SettledAt = &t
		}
		intents = append(intents, in)
	}
	return intents, rows.Err()
}

func (m *MySQLAdapter) MarkSettled(ctx context.Context, intentID string) error {
	result, err := m.db.ExecContext(ctx, `
		UPDATE settlement_transfers
		SET state = ?, attempts = attempts + 1, last_error = NULL, settled_at = NOW(6)
		WHERE id = ?`,
		string(domain.TransferSettled), intentID,
	)
	if err != nil {
		return fmt.Errorf("mark transfer settled: %w", err)
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("transfer intent %s not found", intentID)
	}
	return nil
}

func (m *MySQLAdapter) RecordAttempt(ctx context.Context, intentID string, lastErr string) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE settlement_transfers
		SET attempts = attempts + 1, last_error = ?
		WHERE id = ?`,
		lastErr, intentID,
	)
	if err != nil {
		return fmt.Errorf("record transfer attempt: %w", err)
	}
	return nil
}

func (m *MySQLAdapter) LoadFeePercentage(ctx context.Context) (int, bool, error) {
	var pct int
	err := m.db.QueryRowContext(ctx, `
		SELECT int_value FROM platform_settings WHERE name = ?`, feeSettingName,
	).Scan(&pct)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("query platform settings: %w", err)
	}
	return pct, true, nil
}

func (m *MySQLAdapter) SaveFeePercentage(ctx context.Context, pct int) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO platform_settings (name, int_value, updated_at) VALUES (?, ?, NOW(6))
		ON DUPLICATE KEY UPDATE int_value = VALUES(int_value), updated_at = NOW(6)`,
		feeSettingName, pct,
	)
	if err != nil {
		return fmt.Errorf("save platform settings: %w", err)
	}
	return nil
}

func insertIntents(ctx context.Context, tx *sql.Tx, intents []domain.TransferIntent) error {
	for _, in := range intents {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO settlement_transfers (`+transferColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			in.ID, in.OrderID, string(in.Leg), string(in.Kind), in.Party, in.Amount, in.IdempotencyKey,
			string(in.State), in.Attempts, nullString(in.LastError), in.CreatedAt, nullTime(in.SettledAt),
		)
		if err != nil {
			return fmt.Errorf("insert transfer %s: %w", in.Leg, err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (domain.EscrowOrder, error) {
	var (
		order       domain.EscrowOrder
		status      string
		completedAt sql.NullTime
	)
	err := row.Scan(&order.ID, &order.Buyer, &order.Seller, &order.Amount, &order.ListingRef,
		&order.Quantity, &status, &order.CreatedAt, &completedAt, &order.Version)
	if err != nil {
		return domain.EscrowOrder{}, err
	}
	order.Status = domain.OrderStatus(status)
	if completedAt.Valid {
		t := completedAt.Time
		order.CompletedAt = &t
	}
	return order, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
