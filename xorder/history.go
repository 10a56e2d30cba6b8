package xorder

import (
	"database/sql"
	"sync"
	"time"
)

const historyTable = `
CREATE TABLE IF NOT EXISTS order_history (
	id TEXT PRIMARY KEY,
	from_currency TEXT NOT NULL,
	from_amount INTEGER NOT NULL,
	to_currency TEXT NOT NULL,
	to_amount INTEGER NOT NULL,
	role INTEGER NOT NULL,
	state INTEGER NOT NULL,
	reason INTEGER NOT NULL,
	bin_txid TEXT,
	pay_txid TEXT,
	ref_txid TEXT,
	created_at INTEGER NOT NULL,
	updated_at INTEGER NOT NULL
);`

// HistoricOrder is the flat record kept after an order leaves the live set.
type HistoricOrder struct {
	ID           string
	FromCurrency string
	FromAmount   uint64
	ToCurrency   string
	ToAmount     uint64
	Role         byte
	State        State
	Reason       CancelReason
	BinTxID      string
	PayTxID      string
	RefTxID      string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// stmtCache reuses prepared statements across history operations; the
// driver would otherwise re-prepare the same insert on every terminal
// order.
type stmtCache struct {
	db    *sql.DB
	mu    sync.Mutex
	stmts map[string]*sql.Stmt
}

func newStmtCache(db *sql.DB) *stmtCache {
	return &stmtCache{db: db, stmts: make(map[string]*sql.Stmt)}
}

func (c *stmtCache) prepare(query string) (*sql.Stmt, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if stmt, ok := c.stmts[query]; ok {
		return stmt, nil
	}
	stmt, err := c.db.Prepare(query)
	if err != nil {
		return nil, err
	}
	c.stmts[query] = stmt
	return stmt, nil
}

func (c *stmtCache) close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for query, stmt := range c.stmts {
		_ = stmt.Close()
		delete(c.stmts, query)
	}
}

// HistoryDB persists terminal orders in sqlite.
type HistoryDB struct {
	stmts *stmtCache
}

func NewHistoryDB(db *sql.DB) (*HistoryDB, error) {
	if _, err := db.Exec(historyTable); err != nil {
		return nil, err
	}
	return &HistoryDB{stmts: newStmtCache(db)}, nil
}

func (h *HistoryDB) Close() {
	h.stmts.close()
}

func (h *HistoryDB) Insert(o *Order) error {
	query := `INSERT OR REPLACE INTO order_history
		(id, from_currency, from_amount, to_currency, to_amount, role, state, reason, bin_txid, pay_txid, ref_txid, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	stmt, err := h.stmts.prepare(query)
	if err != nil {
		return err
	}
	_, err = stmt.Exec(
		o.ID.String(),
		o.FromCurrency, o.FromAmount,
		o.ToCurrency, o.ToAmount,
		byte(o.Role),
		int(o.State), uint32(o.Reason),
		o.BinTxID, o.PayTxID, o.RefTxID,
		o.CreatedAt.Unix(), o.UpdatedAt.Unix(),
	)
	return err
}

func (h *HistoryDB) Get(id OrderID) (*HistoricOrder, bool, error) {
	query := `SELECT id, from_currency, from_amount, to_currency, to_amount, role, state, reason, bin_txid, pay_txid, ref_txid, created_at, updated_at
		FROM order_history WHERE id = ?`
	stmt, err := h.stmts.prepare(query)
	if err != nil {
		return nil, false, err
	}

	ho, err := scanHistoric(stmt.QueryRow(id.String()))
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return ho, true, nil
}

func (h *HistoryDB) All() ([]*HistoricOrder, error) {
	query := `SELECT id, from_currency, from_amount, to_currency, to_amount, role, state, reason, bin_txid, pay_txid, ref_txid, created_at, updated_at
		FROM order_history ORDER BY updated_at DESC`
	stmt, err := h.stmts.prepare(query)
	if err != nil {
		return nil, err
	}
	rows, err := stmt.Query()
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*HistoricOrder
	for rows.Next() {
		ho, err := scanHistoric(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ho)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanHistoric(row rowScanner) (*HistoricOrder, error) {
	var ho HistoricOrder
	var role, state int
	var reason uint32
	var created, updated int64
	if err := row.Scan(
		&ho.ID,
		&ho.FromCurrency, &ho.FromAmount,
		&ho.ToCurrency, &ho.ToAmount,
		&role, &state, &reason,
		&ho.BinTxID, &ho.PayTxID, &ho.RefTxID,
		&created, &updated,
	); err != nil {
		return nil, err
	}
	ho.Role = byte(role)
	ho.State = State(state)
	ho.Reason = CancelReason(reason)
	ho.CreatedAt = time.Unix(created, 0).UTC()
	ho.UpdatedAt = time.Unix(updated, 0).UTC()
	return &ho, nil
}
