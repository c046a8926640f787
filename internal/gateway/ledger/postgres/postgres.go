// Package postgres implements ledger.Ledger against Postgres, using
// database/sql and github.com/lib/pq. Every method that requires
// read-then-write consistency opens its row lock with SELECT ... FOR
// UPDATE inside a transaction started by WithTx — the same pattern the
// teacher's pkg/database.DB.Transaction helper was built for.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"
	"github.com/shopspring/decimal"

	"github.com/execgateway/core/internal/gateway/domain"
	"github.com/execgateway/core/internal/gateway/ledger"
	"github.com/execgateway/core/pkg/database"
)

const uniqueViolation = "23505"

// Ledger is the production ledger.Ledger backed by a single Postgres
// primary.
type Ledger struct {
	db *database.DB
}

// New wraps an already-connected database.DB.
func New(db *database.DB) *Ledger {
	return &Ledger{db: db}
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == uniqueViolation
	}
	return false
}

func txFrom(tx ledger.Tx) (*sql.Tx, error) {
	sqlTx, ok := tx.(*sql.Tx)
	if !ok {
		return nil, &domain.InternalConsistencyError{Detail: "ledger method called outside WithTx"}
	}
	return sqlTx, nil
}

func (l *Ledger) WithTx(ctx context.Context, fn func(ctx context.Context, tx ledger.Tx) error) error {
	return l.db.Transaction(ctx, func(sqlTx *sql.Tx) error {
		return fn(ctx, sqlTx)
	})
}

func (l *Ledger) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := l.db.ExecWithMetrics(ctx, `
		INSERT INTO orders (
			client_order_id, strategy_id, symbol, side, qty, order_type,
			limit_price, stop_price, time_in_force, execution_style, status,
			broker_order_id, retry_count, parent_order_id, slice_num,
			total_slices, scheduled_time, status_rank, broker_updated_at,
			source_priority, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
	`,
		order.ClientOrderID, order.StrategyID, order.Symbol, order.Side, order.Qty, order.OrderType,
		decimalPtr(order.LimitPrice), decimalPtr(order.StopPrice), order.TimeInForce, order.ExecutionStyle, order.Status,
		order.BrokerOrderID, order.RetryCount, order.ParentOrderID, order.SliceNum,
		order.TotalSlices, order.ScheduledTime, order.StatusRank, order.BrokerUpdatedAt,
		order.SourcePriority, order.CreatedAt, order.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &domain.ConflictError{Resource: "order", Reason: "client_order_id already exists"}
	}
	return err
}

const selectOrderColumns = `
	client_order_id, strategy_id, symbol, side, qty, order_type,
	limit_price, stop_price, time_in_force, execution_style, status,
	broker_order_id, retry_count, parent_order_id, slice_num,
	total_slices, scheduled_time, filled_qty, filled_avg_price, filled_at,
	created_at, updated_at, submitted_at, status_rank, broker_updated_at,
	source_priority, replaced_by_order_id, replaces_order_id
`

func scanOrder(row rowScanner) (domain.Order, bool, error) {
	var o domain.Order
	var limitPrice, stopPrice sql.NullString
	var scheduledTime, filledAt, submittedAt sql.NullTime
	var parentOrderID, replacedBy, replaces sql.NullString
	var sliceNum, totalSlices sql.NullInt64

	err := row.Scan(
		&o.ClientOrderID, &o.StrategyID, &o.Symbol, &o.Side, &o.Qty, &o.OrderType,
		&limitPrice, &stopPrice, &o.TimeInForce, &o.ExecutionStyle, &o.Status,
		&o.BrokerOrderID, &o.RetryCount, &parentOrderID, &sliceNum,
		&totalSlices, &scheduledTime, &o.FilledQty, &o.FilledAvgPrice, &filledAt,
		&o.CreatedAt, &o.UpdatedAt, &submittedAt, &o.StatusRank, &o.BrokerUpdatedAt,
		&o.SourcePriority, &replacedBy, &replaces,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Order{}, false, nil
	}
	if err != nil {
		return domain.Order{}, false, err
	}

	if limitPrice.Valid {
		d, perr := decimal.NewFromString(limitPrice.String)
		if perr != nil {
			return domain.Order{}, false, perr
		}
		o.LimitPrice = &d
	}
	if stopPrice.Valid {
		d, perr := decimal.NewFromString(stopPrice.String)
		if perr != nil {
			return domain.Order{}, false, perr
		}
		o.StopPrice = &d
	}
	if scheduledTime.Valid {
		o.ScheduledTime = &scheduledTime.Time
	}
	if filledAt.Valid {
		o.FilledAt = &filledAt.Time
	}
	if submittedAt.Valid {
		o.SubmittedAt = &submittedAt.Time
	}
	if parentOrderID.Valid {
		o.ParentOrderID = &parentOrderID.String
	}
	if replacedBy.Valid {
		o.ReplacedByOrderID = &replacedBy.String
	}
	if replaces.Valid {
		o.ReplacesOrderID = &replaces.String
	}
	if sliceNum.Valid {
		n := int(sliceNum.Int64)
		o.SliceNum = &n
	}
	if totalSlices.Valid {
		n := int(totalSlices.Int64)
		o.TotalSlices = &n
	}

	return o, true, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows, so scanOrder can
// be shared between single-row and iteration callers.
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func (l *Ledger) GetOrderByClientID(ctx context.Context, clientOrderID string) (domain.Order, bool, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+selectOrderColumns+` FROM orders WHERE client_order_id = $1`, clientOrderID)
	return scanOrder(row)
}

func (l *Ledger) GetOrderForUpdate(ctx context.Context, tx ledger.Tx, clientOrderID string) (domain.Order, bool, error) {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return domain.Order{}, false, err
	}
	row := sqlTx.QueryRowContext(ctx, `SELECT `+selectOrderColumns+` FROM orders WHERE client_order_id = $1 FOR UPDATE`, clientOrderID)
	return scanOrder(row)
}

func (l *Ledger) UpdateOrderStatusCAS(ctx context.Context, clientOrderID string, next domain.Order) (bool, error) {
	applied := false
	err := l.WithTx(ctx, func(ctx context.Context, tx ledger.Tx) error {
		existing, ok, err := l.GetOrderForUpdate(ctx, tx, clientOrderID)
		if err != nil {
			return err
		}
		if !ok {
			return &domain.InternalConsistencyError{Detail: "order vanished mid-update: " + clientOrderID}
		}

		if !domain.PrecedenceOf(next).Dominates(domain.PrecedenceOf(existing)) {
			return nil
		}

		sqlTx, err := txFrom(tx)
		if err != nil {
			return err
		}
		_, err = sqlTx.ExecContext(ctx, `
			UPDATE orders SET
				status = $2, broker_order_id = $3, filled_qty = $4,
				filled_avg_price = $5, filled_at = $6, status_rank = $7,
				broker_updated_at = $8, source_priority = $9, updated_at = $10,
				submitted_at = $11
			WHERE client_order_id = $1
		`,
			clientOrderID, next.Status, next.BrokerOrderID, next.FilledQty,
			next.FilledAvgPrice, next.FilledAt, next.StatusRank,
			next.BrokerUpdatedAt, next.SourcePriority, next.UpdatedAt,
			next.SubmittedAt,
		)
		if err != nil {
			return err
		}
		applied = true
		return nil
	})
	return applied, err
}

func (l *Ledger) UpdateOrderBrokerID(ctx context.Context, clientOrderID, brokerOrderID string) error {
	_, err := l.db.ExecWithMetrics(ctx, `UPDATE orders SET broker_order_id = $2 WHERE client_order_id = $1`, clientOrderID, brokerOrderID)
	return err
}

func (l *Ledger) AppendFillToOrderMetadata(ctx context.Context, tx ledger.Tx, clientOrderID string, fill domain.Fill) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO order_fills (client_order_id, fill_id, qty, price, ts)
		VALUES ($1,$2,$3,$4,$5)
		ON CONFLICT (client_order_id, fill_id) DO NOTHING
	`, clientOrderID, fill.FillID, fill.Qty, fill.Price, fill.Timestamp)
	return err
}

func (l *Ledger) InsertReplacementOrder(ctx context.Context, tx ledger.Tx, original domain.Order, replacement domain.Order) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}

	_, err = sqlTx.ExecContext(ctx, `
		UPDATE orders SET status = $2, replaced_by_order_id = $3, updated_at = $4
		WHERE client_order_id = $1
	`, original.ClientOrderID, domain.StatusReplaced, replacement.ClientOrderID, time.Now().UTC())
	if err != nil {
		return err
	}

	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO orders (
			client_order_id, strategy_id, symbol, side, qty, order_type,
			limit_price, stop_price, time_in_force, execution_style, status,
			status_rank, broker_updated_at, source_priority, replaces_order_id,
			created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17)
	`,
		replacement.ClientOrderID, replacement.StrategyID, replacement.Symbol, replacement.Side, replacement.Qty,
		replacement.OrderType, decimalPtr(replacement.LimitPrice), decimalPtr(replacement.StopPrice),
		replacement.TimeInForce, replacement.ExecutionStyle, replacement.Status, replacement.StatusRank,
		replacement.BrokerUpdatedAt, replacement.SourcePriority, original.ClientOrderID,
		replacement.CreatedAt, replacement.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &domain.ConflictError{Resource: "order", Reason: "replacement client_order_id already exists"}
	}
	return err
}

func (l *Ledger) InsertPendingModification(ctx context.Context, mod domain.ModificationRecord) error {
	_, err := l.db.ExecWithMetrics(ctx, `
		INSERT INTO modifications (
			idempotency_key, client_order_id, kind, seq, new_qty,
			new_limit_price, new_client_order_id, status, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	`,
		mod.IdempotencyKey, mod.ClientOrderID, mod.Kind, mod.Seq, decimalPtr(mod.NewQty),
		decimalPtr(mod.NewLimitPrice), mod.NewClientOrderID, mod.Status, mod.CreatedAt, mod.UpdatedAt,
	)
	if isUniqueViolation(err) {
		return &domain.ConflictError{Resource: "modification", Reason: "idempotency_key already exists"}
	}
	return err
}

func (l *Ledger) UpdateModificationStatus(ctx context.Context, idempotencyKey string, status domain.ModificationStatus, reason string) error {
	_, err := l.db.ExecWithMetrics(ctx, `
		UPDATE modifications SET status = $2, failure_reason = $3, updated_at = $4
		WHERE idempotency_key = $1
	`, idempotencyKey, status, reason, time.Now().UTC())
	return err
}

func (l *Ledger) FinalizeModification(ctx context.Context, idempotencyKey string, replacementOrderID *string) error {
	_, err := l.db.ExecWithMetrics(ctx, `
		UPDATE modifications SET status = $2, replacement_order_id = $3, updated_at = $4
		WHERE idempotency_key = $1
	`, idempotencyKey, domain.ModificationCompleted, replacementOrderID, time.Now().UTC())
	return err
}

func (l *Ledger) GetModificationByIdempotencyKey(ctx context.Context, idempotencyKey string) (domain.ModificationRecord, bool, error) {
	var m domain.ModificationRecord
	var newQty, newLimitPrice sql.NullString
	var replacementOrderID sql.NullString
	var failureReason sql.NullString

	row := l.db.QueryRowContext(ctx, `
		SELECT idempotency_key, client_order_id, kind, seq, new_qty, new_limit_price,
		       new_client_order_id, status, replacement_order_id, created_at, updated_at, failure_reason
		FROM modifications WHERE idempotency_key = $1
	`, idempotencyKey)

	err := row.Scan(
		&m.IdempotencyKey, &m.ClientOrderID, &m.Kind, &m.Seq, &newQty, &newLimitPrice,
		&m.NewClientOrderID, &m.Status, &replacementOrderID, &m.CreatedAt, &m.UpdatedAt, &failureReason,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ModificationRecord{}, false, nil
	}
	if err != nil {
		return domain.ModificationRecord{}, false, err
	}

	if newQty.Valid {
		d, perr := decimal.NewFromString(newQty.String)
		if perr != nil {
			return domain.ModificationRecord{}, false, perr
		}
		m.NewQty = &d
	}
	if newLimitPrice.Valid {
		d, perr := decimal.NewFromString(newLimitPrice.String)
		if perr != nil {
			return domain.ModificationRecord{}, false, perr
		}
		m.NewLimitPrice = &d
	}
	if replacementOrderID.Valid {
		m.ReplacementOrderID = &replacementOrderID.String
	}
	if failureReason.Valid {
		m.FailureReason = failureReason.String
	}

	return m, true, nil
}

func (l *Ledger) GetNextModificationSeq(ctx context.Context, clientOrderID string) (int64, error) {
	var seq int64
	row := l.db.QueryRowContext(ctx, `
		INSERT INTO modification_sequences (client_order_id, seq) VALUES ($1, 1)
		ON CONFLICT (client_order_id) DO UPDATE SET seq = modification_sequences.seq + 1
		RETURNING seq
	`, clientOrderID)
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

func (l *Ledger) ListStalePendingModifications(ctx context.Context, olderThan time.Duration) ([]domain.ModificationRecord, error) {
	cutoff := time.Now().Add(-olderThan)
	rows, err := l.db.QueryContext(ctx, `
		SELECT idempotency_key, client_order_id, kind, seq, new_qty, new_limit_price,
		       new_client_order_id, status, replacement_order_id, created_at, updated_at, failure_reason
		FROM modifications
		WHERE status = $1 AND created_at < $2
		ORDER BY created_at ASC
	`, domain.ModificationPending, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ModificationRecord
	for rows.Next() {
		var m domain.ModificationRecord
		var newQty, newLimitPrice, replacementOrderID, failureReason sql.NullString
		if err := rows.Scan(
			&m.IdempotencyKey, &m.ClientOrderID, &m.Kind, &m.Seq, &newQty, &newLimitPrice,
			&m.NewClientOrderID, &m.Status, &replacementOrderID, &m.CreatedAt, &m.UpdatedAt, &failureReason,
		); err != nil {
			return nil, err
		}
		if newQty.Valid {
			d, perr := decimal.NewFromString(newQty.String)
			if perr != nil {
				return nil, perr
			}
			m.NewQty = &d
		}
		if newLimitPrice.Valid {
			d, perr := decimal.NewFromString(newLimitPrice.String)
			if perr != nil {
				return nil, perr
			}
			m.NewLimitPrice = &d
		}
		if replacementOrderID.Valid {
			m.ReplacementOrderID = &replacementOrderID.String
		}
		if failureReason.Valid {
			m.FailureReason = failureReason.String
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (l *Ledger) CreateParentOrder(ctx context.Context, order domain.Order, _ domain.SlicingPlan) error {
	return l.CreateOrder(ctx, order)
}

func (l *Ledger) CreateChildSlice(ctx context.Context, order domain.Order) error {
	return l.CreateOrder(ctx, order)
}

func (l *Ledger) GetSlicesByParentID(ctx context.Context, parentOrderID string) ([]domain.Order, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT `+selectOrderColumns+` FROM orders WHERE parent_order_id = $1 ORDER BY slice_num ASC`, parentOrderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		o, ok, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, o)
		}
	}
	return out, rows.Err()
}

func (l *Ledger) CancelPendingSlices(ctx context.Context, parentOrderID string) (int, error) {
	result, err := l.db.ExecWithMetrics(ctx, `
		UPDATE orders SET status = $3, updated_at = $4
		WHERE parent_order_id = $1 AND status = $2
	`, parentOrderID, domain.StatusPendingNew, domain.StatusCanceled, time.Now().UTC())
	if err != nil {
		return 0, err
	}
	n, err := result.RowsAffected()
	return int(n), err
}

func (l *Ledger) GetPositionBySymbol(ctx context.Context, symbol string) (domain.Position, bool, error) {
	var p domain.Position
	row := l.db.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_entry_price, realized_pl, updated_at, last_trade_at
		FROM positions WHERE symbol = $1
	`, symbol)
	err := row.Scan(&p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.RealizedPL, &p.UpdatedAt, &p.LastTradeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{}, false, nil
	}
	return p, err == nil, err
}

func (l *Ledger) GetPositionForUpdate(ctx context.Context, tx ledger.Tx, symbol string) (domain.Position, error) {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return domain.Position{}, err
	}

	var p domain.Position
	row := sqlTx.QueryRowContext(ctx, `
		SELECT symbol, qty, avg_entry_price, realized_pl, updated_at, last_trade_at
		FROM positions WHERE symbol = $1 FOR UPDATE
	`, symbol)
	err = row.Scan(&p.Symbol, &p.Qty, &p.AvgEntryPrice, &p.RealizedPL, &p.UpdatedAt, &p.LastTradeAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Position{Symbol: symbol, Qty: decimal.Zero}, nil
	}
	return p, err
}

func (l *Ledger) UpdatePositionOnFillWithTx(ctx context.Context, tx ledger.Tx, position domain.Position) error {
	sqlTx, err := txFrom(tx)
	if err != nil {
		return err
	}
	_, err = sqlTx.ExecContext(ctx, `
		INSERT INTO positions (symbol, qty, avg_entry_price, realized_pl, updated_at, last_trade_at)
		VALUES ($1,$2,$3,$4,$5,$6)
		ON CONFLICT (symbol) DO UPDATE SET
			qty = $2, avg_entry_price = $3, realized_pl = $4, updated_at = $5, last_trade_at = $6
	`, position.Symbol, position.Qty, position.AvgEntryPrice, position.RealizedPL, position.UpdatedAt, position.LastTradeAt)
	return err
}

func (l *Ledger) IsSymbolQuarantined(ctx context.Context, symbol string) (bool, error) {
	var exists bool
	row := l.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM symbol_quarantine WHERE symbol = $1 AND expires_at > now())`, symbol)
	if err := row.Scan(&exists); err != nil {
		return false, err
	}
	return exists, nil
}

func decimalPtr(d *decimal.Decimal) interface{} {
	if d == nil {
		return nil
	}
	return d.String()
}

var _ ledger.Ledger = (*Ledger)(nil)
