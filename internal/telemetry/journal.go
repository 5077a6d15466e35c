// Package telemetry journals session transitions and periodic link samples
// to SQLite for offline diagnosis of bad connections. A nil *Journal is valid
// and records nothing.
package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	_ "modernc.org/sqlite"

	"github.com/isgasho/wosim/internal/logger"
	"github.com/isgasho/wosim/internal/session"
)

const (
	queueSize     = 1024
	batchSize     = 50
	flushInterval = 2 * time.Second
)

// TransitionRow is one journaled state change
type TransitionRow struct {
	SessionID string
	From      string
	To        string
	Cause     string
	At        time.Time
}

// SampleRow is one journaled link sample
type SampleRow struct {
	SessionID    string
	RTT          time.Duration
	DatagramsTx  uint64
	DatagramsRx  uint64
	Retransmits  uint64
	Stale        uint64
	DecodeErrors uint64
	At           time.Time
}

type record struct {
	transition *TransitionRow
	sample     *SampleRow
}

// Journal writes records on a background goroutine in batches. Record calls
// never block: when the queue is full the record is dropped and counted.
type Journal struct {
	db      *sql.DB
	log     *slog.Logger
	records chan record
	stop    chan struct{}
	mu      sync.RWMutex // closed and sends on records
	closed  bool
	wg      sync.WaitGroup
	once    sync.Once
	dropped atomic.Uint64
}

// Open opens (or creates) the journal database at dsn and starts the writer.
// An empty dsn returns a nil journal.
func Open(dsn string) (*Journal, error) {
	if dsn == "" {
		return nil, nil
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal: %w", err)
	}
	j := &Journal{
		db:      db,
		log:     logger.Logger("telemetry"),
		records: make(chan record, queueSize),
		stop:    make(chan struct{}),
	}
	j.wg.Add(1)
	go j.writer()
	return j, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		cause TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_id);

	CREATE TABLE IF NOT EXISTS link_samples (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id TEXT NOT NULL,
		rtt_us INTEGER NOT NULL,
		datagrams_tx INTEGER NOT NULL,
		datagrams_rx INTEGER NOT NULL,
		retransmits INTEGER NOT NULL,
		stale INTEGER NOT NULL,
		decode_errors INTEGER NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_link_samples_session ON link_samples(session_id);
	`)
	return err
}

// RecordTransition enqueues a state change of session id.
func (j *Journal) RecordTransition(id uuid.UUID, t session.Transition) {
	if j == nil {
		return
	}
	row := &TransitionRow{
		SessionID: id.String(),
		From:      t.From.String(),
		To:        t.To.String(),
		At:        t.At,
	}
	if t.Cause != nil {
		row.Cause = t.Cause.Error()
	}
	j.enqueue(record{transition: row})
}

// RecordSample enqueues a link sample of session id taken at at.
func (j *Journal) RecordSample(id uuid.UUID, st session.Stats, at time.Time) {
	if j == nil {
		return
	}
	j.enqueue(record{sample: &SampleRow{
		SessionID:    id.String(),
		RTT:          st.RTT,
		DatagramsTx:  st.Transport.DatagramsTx,
		DatagramsRx:  st.Transport.DatagramsRx,
		Retransmits:  st.Channel.Retransmits,
		Stale:        st.Channel.Stale,
		DecodeErrors: st.DecodeErrors,
		At:           at,
	}})
}

func (j *Journal) enqueue(r record) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	if j.closed {
		j.dropped.Add(1)
		return
	}
	select {
	case j.records <- r:
	default:
		j.dropped.Add(1)
	}
}

// Dropped returns the number of records lost to a full queue or a closed
// journal.
func (j *Journal) Dropped() uint64 {
	if j == nil {
		return 0
	}
	return j.dropped.Load()
}

// Close flushes queued records and closes the database.
func (j *Journal) Close() error {
	if j == nil {
		return nil
	}
	var err error
	j.once.Do(func() {
		j.mu.Lock()
		j.closed = true
		j.mu.Unlock()
		close(j.stop)
		j.wg.Wait()
		err = j.db.Close()
	})
	return err
}

func (j *Journal) writer() {
	defer j.wg.Done()

	batch := make([]record, 0, batchSize)
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	for {
		select {
		case r := <-j.records:
			batch = append(batch, r)
			if len(batch) >= batchSize {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				j.flush(batch)
				batch = batch[:0]
			}
		case <-j.stop:
			for len(j.records) > 0 {
				batch = append(batch, <-j.records)
			}
			if len(batch) > 0 {
				j.flush(batch)
			}
			return
		}
	}
}

func (j *Journal) flush(batch []record) {
	if err := j.write(batch); err != nil {
		j.log.Error("flush failed", "records", len(batch), "err", err)
	}
}

func (j *Journal) write(batch []record) (err error) {
	tx, err := j.db.Begin()
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, tx.Rollback())
		}
	}()

	transitions, err := tx.Prepare(`INSERT INTO transitions (session_id, from_state, to_state, cause, created_at) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer transitions.Close()
	samples, err := tx.Prepare(`INSERT INTO link_samples (session_id, rtt_us, datagrams_tx, datagrams_rx, retransmits, stale, decode_errors, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer samples.Close()

	for _, r := range batch {
		switch {
		case r.transition != nil:
			t := r.transition
			_, err = transitions.Exec(t.SessionID, t.From, t.To, t.Cause, t.At.UnixMicro())
		case r.sample != nil:
			s := r.sample
			_, err = samples.Exec(s.SessionID, s.RTT.Microseconds(), int64(s.DatagramsTx), int64(s.DatagramsRx),
				int64(s.Retransmits), int64(s.Stale), int64(s.DecodeErrors), s.At.UnixMicro())
		}
		if err != nil {
			return fmt.Errorf("insert: %w", err)
		}
	}
	return tx.Commit()
}

// Transitions returns the journaled transitions of session id in order.
func (j *Journal) Transitions(ctx context.Context, id uuid.UUID) ([]TransitionRow, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, from_state, to_state, cause, created_at FROM transitions
		WHERE session_id = ? ORDER BY id`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TransitionRow
	for rows.Next() {
		var r TransitionRow
		var at int64
		if err := rows.Scan(&r.SessionID, &r.From, &r.To, &r.Cause, &at); err != nil {
			return nil, err
		}
		r.At = time.UnixMicro(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Samples returns the journaled link samples of session id in order.
func (j *Journal) Samples(ctx context.Context, id uuid.UUID) ([]SampleRow, error) {
	if j == nil {
		return nil, nil
	}
	rows, err := j.db.QueryContext(ctx, `
		SELECT session_id, rtt_us, datagrams_tx, datagrams_rx, retransmits, stale, decode_errors, created_at
		FROM link_samples WHERE session_id = ? ORDER BY id`, id.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SampleRow
	for rows.Next() {
		var r SampleRow
		var rtt, tx, rx, re, stale, dec, at int64
		if err := rows.Scan(&r.SessionID, &rtt, &tx, &rx, &re, &stale, &dec, &at); err != nil {
			return nil, err
		}
		r.RTT = time.Duration(rtt) * time.Microsecond
		r.DatagramsTx, r.DatagramsRx = uint64(tx), uint64(rx)
		r.Retransmits, r.Stale, r.DecodeErrors = uint64(re), uint64(stale), uint64(dec)
		r.At = time.UnixMicro(at)
		out = append(out, r)
	}
	return out, rows.Err()
}
