package state

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	cm "github.com/gleisnetz/blockstelle/src/common"
	"github.com/gleisnetz/blockstelle/src/ledger"
)

//go:embed schema.sql
var schemaSQL string

const indexedHeightName = "indexed_height"

// ValueRecord is one entry of a key's time series.
type ValueRecord struct {
	Owner      string
	Key        string
	Value      []byte
	Timestamp  int64
	BlockIndex int64
	TxIndex    int
}

// ValueFilter bounds a time-series query. Zero Start/End leave that side of
// the timestamp range open; Last > 0 keeps only the newest n records.
type ValueFilter struct {
	Start int64
	End   int64
	Last  int
}

// DataStore is the derived, queryable index over committed key-value writes:
// the full time series per (owner, key), ordered by timestamp with
// (block, position) as the deterministic tie-break. It is rebuilt from the
// chain on demand, so losing it costs a re-index, never data.
type DataStore struct {
	db   *sql.DB
	path string
}

// OpenDataStore opens (or creates) the index database at path.
func OpenDataStore(path string) (*DataStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)"+
		"&_pragma=synchronous(NORMAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writers poorly; keep the pool small.
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &DataStore{
		db:   db,
		path: path,
	}, nil
}

// Close ...
func (d *DataStore) Close() error {
	return d.db.Close()
}

// Path ...
func (d *DataStore) Path() string {
	return d.path
}

// IndexedHeight returns the last block index whose values are in the index,
// -1 when nothing was indexed yet.
func (d *DataStore) IndexedHeight(ctx context.Context) (int64, error) {
	var height int64
	err := d.db.QueryRowContext(ctx,
		`SELECT value FROM meta WHERE name = ?`,
		indexedHeightName).Scan(&height)

	if err == sql.ErrNoRows {
		return -1, nil
	}
	if err != nil {
		return -1, err
	}

	return height, nil
}

// WriteBlock indexes the accepted key-value writes of a committed block, in
// one database transaction together with the new indexed height. Re-indexing
// an already indexed block changes nothing, which keeps replay idempotent.
func (d *DataStore) WriteBlock(ctx context.Context, block *ledger.Block, receipts []TxReceipt) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO kv_values (owner, key, block_index, tx_index, timestamp, value)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(owner, key, block_index, tx_index) DO NOTHING`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	transactions := block.Transactions()
	for i := range transactions {
		t := &transactions[i]
		if t.Body.Type != ledger.KEY_VALUE {
			continue
		}
		if i < len(receipts) && !receipts[i].Accepted {
			continue
		}
		if _, err := stmt.ExecContext(ctx,
			t.Body.Sender, t.Body.Key, block.Index(), i, t.Body.Timestamp, t.Body.Value); err != nil {
			return err
		}
	}

	// The indexed height only ever advances.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO meta (name, value) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET value = excluded.value
		 WHERE excluded.value > meta.value`,
		indexedHeightName, block.Index()); err != nil {
		return err
	}

	return tx.Commit()
}

// GetValues returns the time series for (owner, key) selected by the filter,
// oldest first.
func (d *DataStore) GetValues(ctx context.Context, owner, key string, filter ValueFilter) ([]ValueRecord, error) {
	query := `SELECT owner, key, block_index, tx_index, timestamp, value
		 FROM kv_values WHERE owner = ? AND key = ?`
	args := []interface{}{owner, key}

	if filter.Start != 0 {
		query += ` AND timestamp >= ?`
		args = append(args, filter.Start)
	}
	if filter.End != 0 {
		query += ` AND timestamp <= ?`
		args = append(args, filter.End)
	}

	if filter.Last > 0 {
		query += ` ORDER BY timestamp DESC, block_index DESC, tx_index DESC LIMIT ?`
		args = append(args, filter.Last)
	} else {
		query += ` ORDER BY timestamp, block_index, tx_index`
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := []ValueRecord{}
	for rows.Next() {
		var rec ValueRecord
		if err := rows.Scan(&rec.Owner, &rec.Key, &rec.BlockIndex, &rec.TxIndex, &rec.Timestamp, &rec.Value); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if filter.Last > 0 {
		for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
			records[i], records[j] = records[j], records[i]
		}
	}

	return records, nil
}

// CurrentValue returns the newest record for (owner, key).
func (d *DataStore) CurrentValue(ctx context.Context, owner, key string) (*ValueRecord, error) {
	var rec ValueRecord
	err := d.db.QueryRowContext(ctx,
		`SELECT owner, key, block_index, tx_index, timestamp, value
		 FROM kv_values WHERE owner = ? AND key = ?
		 ORDER BY timestamp DESC, block_index DESC, tx_index DESC LIMIT 1`,
		owner, key).Scan(&rec.Owner, &rec.Key, &rec.BlockIndex, &rec.TxIndex, &rec.Timestamp, &rec.Value)

	if err == sql.ErrNoRows {
		return nil, cm.NewStoreErr("Value", cm.KeyNotFound, owner+"/"+key)
	}
	if err != nil {
		return nil, err
	}

	return &rec, nil
}

// Keys lists the keys with at least one value in owner's namespace.
func (d *DataStore) Keys(ctx context.Context, owner string) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT DISTINCT key FROM kv_values WHERE owner = ? ORDER BY key`,
		owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// Count returns the total number of indexed values.
func (d *DataStore) Count(ctx context.Context) (int64, error) {
	var count int64
	err := d.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM kv_values`).Scan(&count)
	return count, err
}
