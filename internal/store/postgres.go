package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vety/market-engine/internal/model"
)

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
type PostgresStore struct {
	pool *pgxpool.Pool
	q    querier
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx, so the same
// statement methods serve pooled and transactional execution.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, q: pool}
}

// Migrate creates the schema if it does not exist. Statements run one at a
// time because the extended protocol rejects multi-statement strings.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	stmts := []string{`
		CREATE TABLE IF NOT EXISTS instruments (
			symbol               TEXT PRIMARY KEY,
			price                NUMERIC NOT NULL,
			update_interval_secs BIGINT NOT NULL,
			min_fluct            NUMERIC NOT NULL,
			max_fluct            NUMERIC NOT NULL,
			notify_target        TEXT,
			issuer               TEXT
		)`, `
		CREATE TABLE IF NOT EXISTS price_history (
			id     TEXT PRIMARY KEY,
			symbol TEXT NOT NULL,
			ts     TIMESTAMPTZ NOT NULL,
			price  NUMERIC NOT NULL,
			delta  NUMERIC
		)`,
		`CREATE INDEX IF NOT EXISTS price_history_symbol_ts ON price_history (symbol, ts)`, `
		CREATE TABLE IF NOT EXISTS positions (
			id           TEXT PRIMARY KEY,
			user_id      TEXT NOT NULL,
			symbol       TEXT NOT NULL,
			quantity     BIGINT NOT NULL,
			entry_price  NUMERIC NOT NULL,
			class        TEXT NOT NULL,
			auto_sell_at TIMESTAMPTZ,
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS positions_fifo ON positions (user_id, symbol, class, created_at, id)`, `
		CREATE TABLE IF NOT EXISTS ledger (
			user_id  TEXT NOT NULL,
			currency TEXT NOT NULL,
			balance  NUMERIC NOT NULL DEFAULT 0,
			PRIMARY KEY (user_id, currency)
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.q.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// RunInTx runs fn in a serializable transaction. The callback receives a
// store bound to the transaction; pool-level state is untouched on error.
func (s *PostgresStore) RunInTx(ctx context.Context, fn func(Store) error) error {
	if _, inTx := s.q.(pgx.Tx); inTx {
		return fn(s) // already transactional
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.Serializable})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&PostgresStore{pool: s.pool, q: tx}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

// --- Instrument registry ---

func (s *PostgresStore) UpsertInstrument(ctx context.Context, inst *model.Instrument) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO instruments (symbol, price, update_interval_secs, min_fluct, max_fluct, notify_target, issuer)
		 VALUES ($1, $2::NUMERIC, $3, $4::NUMERIC, $5::NUMERIC, NULLIF($6, ''), NULLIF($7, ''))
		 ON CONFLICT (symbol) DO UPDATE SET
		   price = EXCLUDED.price,
		   update_interval_secs = EXCLUDED.update_interval_secs,
		   min_fluct = EXCLUDED.min_fluct,
		   max_fluct = EXCLUDED.max_fluct,
		   notify_target = EXCLUDED.notify_target,
		   issuer = EXCLUDED.issuer`,
		inst.Symbol, inst.Price.String(), int64(inst.UpdateInterval/time.Second),
		inst.MinFluct.String(), inst.MaxFluct.String(),
		inst.NotifyTarget, inst.Issuer,
	)
	return err
}

func (s *PostgresStore) GetInstrument(ctx context.Context, symbol string) (*model.Instrument, error) {
	inst, err := scanInstrument(s.q.QueryRow(ctx,
		`SELECT symbol, price::TEXT, update_interval_secs,
		        min_fluct::TEXT, max_fluct::TEXT,
		        COALESCE(notify_target, ''), COALESCE(issuer, '')
		 FROM instruments WHERE symbol = $1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, model.ErrUnknownInstrument
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument %s: %w", symbol, err)
	}
	return inst, nil
}

func (s *PostgresStore) ListInstruments(ctx context.Context) ([]model.Instrument, error) {
	rows, err := s.q.Query(ctx,
		`SELECT symbol, price::TEXT, update_interval_secs,
		        min_fluct::TEXT, max_fluct::TEXT,
		        COALESCE(notify_target, ''), COALESCE(issuer, '')
		 FROM instruments ORDER BY symbol`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Instrument
	for rows.Next() {
		inst, err := scanInstrument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *inst)
	}
	return out, rows.Err()
}

func (s *PostgresStore) UpdatePrice(ctx context.Context, symbol string, price decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE instruments SET price = $2::NUMERIC WHERE symbol = $1`,
		symbol, price.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrUnknownInstrument
	}
	return nil
}

// DeleteInstrument cascades to lots and history in one transaction.
func (s *PostgresStore) DeleteInstrument(ctx context.Context, symbol string) error {
	return s.RunInTx(ctx, func(tx Store) error {
		ps := tx.(*PostgresStore)
		for _, stmt := range []string{
			`DELETE FROM positions WHERE symbol = $1`,
			`DELETE FROM price_history WHERE symbol = $1`,
			`DELETE FROM instruments WHERE symbol = $1`,
		} {
			if _, err := ps.q.Exec(ctx, stmt, symbol); err != nil {
				return err
			}
		}
		return nil
	})
}

// --- Price history ---

func (s *PostgresStore) AppendSample(ctx context.Context, sample *model.PriceSample) error {
	var delta *string
	if sample.Delta != nil {
		v := sample.Delta.String()
		delta = &v
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO price_history (id, symbol, ts, price, delta)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC)`,
		sample.ID, sample.Symbol, sample.Timestamp, sample.Price.String(), delta)
	return err
}

func (s *PostgresStore) LatestSample(ctx context.Context, symbol string) (*model.PriceSample, error) {
	sample, err := scanSample(s.q.QueryRow(ctx,
		`SELECT id, symbol, ts, price::TEXT, delta::TEXT
		 FROM price_history WHERE symbol = $1
		 ORDER BY ts DESC, id DESC LIMIT 1`, symbol))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest sample %s: %w", symbol, err)
	}
	return sample, nil
}

func (s *PostgresStore) ListSamples(ctx context.Context, symbol string, limit int) ([]model.PriceSample, error) {
	// Newest `limit` rows, returned ascending.
	rows, err := s.q.Query(ctx,
		`SELECT id, symbol, ts, price::TEXT, delta::TEXT FROM (
		   SELECT id, symbol, ts, price, delta FROM price_history
		   WHERE symbol = $1 ORDER BY ts DESC, id DESC LIMIT $2
		 ) newest ORDER BY ts ASC, id ASC`,
		symbol, nullableLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.PriceSample
	for rows.Next() {
		sample, err := scanSample(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *sample)
	}
	return out, rows.Err()
}

func (s *PostgresStore) TrimSamples(ctx context.Context, symbol string, limit int) error {
	if limit < 0 {
		limit = 0
	}
	_, err := s.q.Exec(ctx,
		`DELETE FROM price_history WHERE id IN (
		   SELECT id FROM price_history WHERE symbol = $1
		   ORDER BY ts DESC, id DESC OFFSET $2
		 )`, symbol, limit)
	return err
}

// --- Ledger ---

func (s *PostgresStore) Credit(ctx context.Context, user, currency string, amount decimal.Decimal) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO ledger (user_id, currency, balance) VALUES ($1, $2, $3::NUMERIC)
		 ON CONFLICT (user_id, currency) DO UPDATE SET balance = ledger.balance + EXCLUDED.balance`,
		user, currency, amount.String())
	return err
}

// Debit is the conditional subtract-if-sufficient primitive: the balance
// check and the subtraction are one statement, so there is no window
// between reading a balance and acting on it.
func (s *PostgresStore) Debit(ctx context.Context, user, currency string, amount decimal.Decimal) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE ledger SET balance = balance - $3::NUMERIC
		 WHERE user_id = $1 AND currency = $2 AND balance >= $3::NUMERIC`,
		user, currency, amount.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return model.ErrInsufficientBalance
	}
	return nil
}

func (s *PostgresStore) Balance(ctx context.Context, user, currency string) (decimal.Decimal, error) {
	var balS string
	err := s.q.QueryRow(ctx,
		`SELECT balance::TEXT FROM ledger WHERE user_id = $1 AND currency = $2`,
		user, currency).Scan(&balS)
	if errors.Is(err, pgx.ErrNoRows) {
		return decimal.Zero, nil
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance %s: %w", user, err)
	}
	bal, err := decimal.NewFromString(balS)
	if err != nil {
		return decimal.Zero, err
	}
	return bal, nil
}

// --- Positions ---

func (s *PostgresStore) InsertLot(ctx context.Context, lot *model.Lot) error {
	var autoSellAt *time.Time
	if lot.Class == model.LotAuto {
		t := lot.AutoSellAt
		autoSellAt = &t
	}
	_, err := s.q.Exec(ctx,
		`INSERT INTO positions (id, user_id, symbol, quantity, entry_price, class, auto_sell_at, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7, $8)`,
		lot.ID, lot.UserID, lot.Symbol, lot.Quantity, lot.EntryPrice.String(),
		string(lot.Class), autoSellAt, lot.CreatedAt)
	return err
}

func (s *PostgresStore) LotsFIFO(ctx context.Context, user, symbol string, class model.LotClass) ([]model.Lot, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, symbol, quantity, entry_price::TEXT, class, auto_sell_at, created_at
		 FROM positions
		 WHERE user_id = $1 AND symbol = $2 AND class = $3
		 ORDER BY created_at ASC, id ASC`,
		user, symbol, string(class))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

func (s *PostgresStore) UpdateLotQuantity(ctx context.Context, lotID string, quantity int64) error {
	_, err := s.q.Exec(ctx,
		`UPDATE positions SET quantity = $2 WHERE id = $1`, lotID, quantity)
	return err
}

func (s *PostgresStore) DeleteLot(ctx context.Context, lotID string) error {
	_, err := s.q.Exec(ctx, `DELETE FROM positions WHERE id = $1`, lotID)
	return err
}

func (s *PostgresStore) Holdings(ctx context.Context, user string) ([]model.Holding, error) {
	rows, err := s.q.Query(ctx,
		`SELECT symbol, SUM(quantity) FROM positions
		 WHERE user_id = $1 GROUP BY symbol ORDER BY symbol`, user)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Holding
	for rows.Next() {
		var h model.Holding
		if err := rows.Scan(&h.Symbol, &h.Quantity); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

func (s *PostgresStore) DueLots(ctx context.Context, now time.Time) ([]model.Lot, error) {
	rows, err := s.q.Query(ctx,
		`SELECT id, user_id, symbol, quantity, entry_price::TEXT, class, auto_sell_at, created_at
		 FROM positions
		 WHERE class = $1 AND auto_sell_at <= $2
		 ORDER BY created_at ASC, id ASC`,
		string(model.LotAuto), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanLots(rows)
}

// --- scan helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstrument(row rowScanner) (*model.Instrument, error) {
	var inst model.Instrument
	var priceS, minS, maxS string
	var intervalSecs int64

	if err := row.Scan(&inst.Symbol, &priceS, &intervalSecs,
		&minS, &maxS, &inst.NotifyTarget, &inst.Issuer); err != nil {
		return nil, err
	}

	inst.UpdateInterval = time.Duration(intervalSecs) * time.Second
	inst.Price, _ = decimal.NewFromString(priceS)
	inst.MinFluct, _ = decimal.NewFromString(minS)
	inst.MaxFluct, _ = decimal.NewFromString(maxS)
	return &inst, nil
}

func scanSample(row rowScanner) (*model.PriceSample, error) {
	var sample model.PriceSample
	var priceS string
	var deltaS *string

	if err := row.Scan(&sample.ID, &sample.Symbol, &sample.Timestamp, &priceS, &deltaS); err != nil {
		return nil, err
	}

	sample.Price, _ = decimal.NewFromString(priceS)
	if deltaS != nil {
		d, _ := decimal.NewFromString(*deltaS)
		sample.Delta = &d
	}
	return &sample, nil
}

func scanLots(rows pgx.Rows) ([]model.Lot, error) {
	var out []model.Lot
	for rows.Next() {
		var lot model.Lot
		var entryS, classS string
		var autoSellAt *time.Time

		if err := rows.Scan(&lot.ID, &lot.UserID, &lot.Symbol, &lot.Quantity,
			&entryS, &classS, &autoSellAt, &lot.CreatedAt); err != nil {
			return nil, err
		}

		lot.EntryPrice, _ = decimal.NewFromString(entryS)
		lot.Class = model.LotClass(classS)
		if autoSellAt != nil {
			lot.AutoSellAt = *autoSellAt
		}
		out = append(out, lot)
	}
	return out, rows.Err()
}

// nullableLimit maps limit <= 0 to SQL NULL so LIMIT NULL means "all rows".
func nullableLimit(limit int) *int {
	if limit <= 0 {
		return nil
	}
	return &limit
}
