// Package store is the local, non-authoritative snapshot cache (spec.md §7
// "Persistence (local cache, not authoritative)"): a sqlite-backed mirror of
// the in-memory Node's cell values, refreshed on a dirty-set/flush-worker
// cadence adapted from the teacher's internal/state cache.db pattern
// (DirtySet, CacheFlushWorker, golang-migrate schema management). Losing
// this cache costs only a resync from upstream/downstream peers on restart
// — it never gates correctness, so flush failures are logged and retried,
// never fatal.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/race-share/share/internal/model"
	"github.com/race-share/share/internal/wire"
)

//go:embed migrations/snapshot/*.sql
var migrationsFS embed.FS

// CellKey identifies one cell for dirty tracking and lookup.
type CellKey struct {
	ColumnID string
	RowID    string
}

// DirtyOp is the operation pending for a dirty key.
type DirtyOp int

const (
	OpUpsert DirtyOp = iota
	OpDelete
)

// Open connects to the sqlite file at path and applies migrations.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", path, err)
	}
	if err := Migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

// Migrate applies embedded snapshot migrations to db.
func Migrate(db *sql.DB) error {
	sourceDriver, err := iofs.New(migrationsFS, "migrations/snapshot")
	if err != nil {
		return fmt.Errorf("store: migrate source: %w", err)
	}
	dbDriver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("store: migrate driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("store: migrate init: %w", err)
	}
	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return fmt.Errorf("store: migrate up: %w", err)
	}
	return nil
}

// Store persists cell-value snapshots to a sqlite database. It never backs
// correctness decisions (spec.md §7) — it is a warm-start optimization,
// populated by Mark* calls from an engine.ChangeListener and drained by a
// FlushWorker.
type Store struct {
	db *sql.DB

	mu    sync.Mutex
	dirty map[CellKey]DirtyOp
}

// New wraps an already-migrated *sql.DB.
func New(db *sql.DB) *Store {
	return &Store{db: db, dirty: make(map[CellKey]DirtyOp)}
}

// MarkUpsert records that key's current in-memory value needs persisting;
// the value itself is read from node at flush time, not captured here, so a
// cell dirtied many times between flushes is written once with its latest
// value.
func (s *Store) MarkUpsert(key CellKey) {
	s.mu.Lock()
	s.dirty[key] = OpUpsert
	s.mu.Unlock()
}

// MarkDelete records that key's row was removed from the schema and its
// snapshot row should be dropped.
func (s *Store) MarkDelete(key CellKey) {
	s.mu.Lock()
	s.dirty[key] = OpDelete
	s.mu.Unlock()
}

// DirtyCount reports the number of pending dirty entries.
func (s *Store) DirtyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.dirty)
}

func (s *Store) drain() map[CellKey]DirtyOp {
	s.mu.Lock()
	old := s.dirty
	s.dirty = make(map[CellKey]DirtyOp, len(old)/2)
	s.mu.Unlock()
	return old
}

// merge re-merges a drained snapshot back in after a failed flush, without
// clobbering keys re-dirtied since the drain.
func (s *Store) merge(old map[CellKey]DirtyOp) {
	s.mu.Lock()
	for k, v := range old {
		if _, exists := s.dirty[k]; !exists {
			s.dirty[k] = v
		}
	}
	s.mu.Unlock()
}

// Flush writes every dirty key's current value (read from node) to sqlite
// in one transaction. On failure the drained keys are merged back into the
// dirty set for the next attempt.
func (s *Store) Flush(node *model.Node) error {
	dirty := s.drain()
	if len(dirty) == 0 {
		return nil
	}
	if err := s.flushTx(node, dirty); err != nil {
		s.merge(dirty)
		return err
	}
	return nil
}

func (s *Store) flushTx(node *model.Node, dirty map[CellKey]DirtyOp) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("store: begin flush tx: %w", err)
	}
	defer tx.Rollback()

	upsertStmt, err := tx.Prepare(`
		INSERT INTO cells (column_id, row_id, cell_type, value_json, date)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (column_id, row_id) DO UPDATE SET
			cell_type = excluded.cell_type,
			value_json = excluded.value_json,
			date = excluded.date
		WHERE excluded.date >= cells.date`)
	if err != nil {
		return fmt.Errorf("store: prepare upsert: %w", err)
	}
	defer upsertStmt.Close()

	deleteStmt, err := tx.Prepare(`DELETE FROM cells WHERE column_id = ? AND row_id = ?`)
	if err != nil {
		return fmt.Errorf("store: prepare delete: %w", err)
	}
	defer deleteStmt.Close()

	for key, op := range dirty {
		switch op {
		case OpDelete:
			if _, err := deleteStmt.Exec(key.ColumnID, key.RowID); err != nil {
				return fmt.Errorf("store: delete %s/%s: %w", key.ColumnID, key.RowID, err)
			}
		case OpUpsert:
			cd, ok := node.CDs[key.ColumnID]
			if !ok {
				continue
			}
			v, ok := cd.Values[key.RowID]
			if !ok {
				continue
			}
			raw, err := wire.EncodeCellValue(v)
			if err != nil {
				return fmt.Errorf("store: encode %s/%s: %w", key.ColumnID, key.RowID, err)
			}
			if _, err := upsertStmt.Exec(key.ColumnID, key.RowID, int(v.Type), string(raw), v.Date); err != nil {
				return fmt.Errorf("store: upsert %s/%s: %w", key.ColumnID, key.RowID, err)
			}
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit flush tx: %w", err)
	}
	return nil
}

// LoadAll reads every persisted cell snapshot, grouped by column, for
// warm-starting a Node before the upstream/downstream links resync it.
func (s *Store) LoadAll() (map[string][]model.CellPair, error) {
	rows, err := s.db.Query(`SELECT column_id, row_id, cell_type, value_json, date FROM cells`)
	if err != nil {
		return nil, fmt.Errorf("store: load all: %w", err)
	}
	defer rows.Close()

	out := make(map[string][]model.CellPair)
	for rows.Next() {
		var colID, rowID, valueJSON string
		var cellType int
		var date int64
		if err := rows.Scan(&colID, &rowID, &cellType, &valueJSON, &date); err != nil {
			return nil, fmt.Errorf("store: scan row: %w", err)
		}
		v, err := wire.DecodeCellValue(json.RawMessage(valueJSON), model.CellType(cellType), date)
		if err != nil {
			log.Printf("[store] skipping %s/%s: %v", colID, rowID, err)
			continue
		}
		out[colID] = append(out[colID], model.CellPair{RowID: rowID, Value: v})
	}
	return out, rows.Err()
}

// FlushWorker periodically drains a Store's dirty set to sqlite, triggered
// by a dirty-count threshold or an elapsed interval — whichever fires
// first (same condition shape as the teacher's CacheFlushWorker).
type FlushWorker struct {
	store     *Store
	node      func() *model.Node
	threshold int
	interval  time.Duration
	checkTick time.Duration

	stopCh   chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewFlushWorker constructs a worker that checks flush conditions every
// checkTick, flushing once dirty count reaches threshold or interval has
// elapsed since the last flush. node is called fresh on every flush so the
// worker always writes the latest published snapshot.
func NewFlushWorker(store *Store, node func() *model.Node, threshold int, interval, checkTick time.Duration) *FlushWorker {
	return &FlushWorker{
		store:     store,
		node:      node,
		threshold: threshold,
		interval:  interval,
		checkTick: checkTick,
		stopCh:    make(chan struct{}),
	}
}

// Start launches the background flush goroutine.
func (w *FlushWorker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop signals the worker to stop and blocks for a final flush.
func (w *FlushWorker) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

func (w *FlushWorker) run() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.checkTick)
	defer ticker.Stop()

	lastFlush := time.Now()
	for {
		select {
		case <-w.stopCh:
			w.doFlush()
			return
		case <-ticker.C:
			dirty := w.store.DirtyCount()
			if dirty == 0 {
				continue
			}
			if dirty >= w.threshold || time.Since(lastFlush) >= w.interval {
				w.doFlush()
				lastFlush = time.Now()
			}
		}
	}
}

func (w *FlushWorker) doFlush() {
	if err := w.store.Flush(w.node()); err != nil {
		log.Printf("[store] flush error (entries re-merged): %v", err)
	}
}
