// Package ledger is the hash-chained, append-only audit trail. Every other
// component appends a record at each stage transition; the chain's total
// order is guaranteed by funneling all appends through a single writer
// goroutine.
package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gowebpki/jcs"

	"backplane/internal/domain"
)

// ErrHalted is returned by Append after a chain break has been detected.
// Audit correctness is a hard guarantee: once the chain is suspect, no new
// records are accepted until an operator intervenes.
var ErrHalted = errors.New("ledger halted: hash chain integrity failure")

// ErrClosed is returned by Append once Close has run.
var ErrClosed = errors.New("ledger closed")

// IntegrityError reports a broken hash chain.
type IntegrityError struct {
	Sequence int64
	Reason   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("ledger integrity failure at sequence %d: %s", e.Sequence, e.Reason)
}

// Entry is the caller-facing view of a record to append.
type Entry struct {
	EnvelopeID string
	Stage      string
	Actor      string
	Detail     map[string]any
}

type appendReq struct {
	entry Entry
	reply chan appendRes
}

type appendRes struct {
	seq int64
	err error
}

type Ledger struct {
	db     *sql.DB
	reqs   chan appendReq
	done   chan struct{}
	halted atomic.Bool

	// mu guards closed against the channel close in Close, so a late
	// Append returns ErrClosed instead of panicking on a closed channel.
	mu     sync.RWMutex
	closed bool

	// writer-goroutine state
	lastSeq  int64
	lastHash string

	Now func() time.Time
}

// Open loads the chain tail and starts the writer goroutine.
func Open(db *sql.DB) (*Ledger, error) {
	l := &Ledger{
		db:   db,
		reqs: make(chan appendReq, 256),
		done: make(chan struct{}),
		Now:  time.Now,
	}
	row := db.QueryRow(`SELECT sequence, hash FROM audit_records ORDER BY sequence DESC LIMIT 1`)
	err := row.Scan(&l.lastSeq, &l.lastHash)
	if err != nil && err != sql.ErrNoRows {
		return nil, err
	}
	go l.writeLoop()
	return l, nil
}

// Close stops the writer after draining queued appends. Safe to call more
// than once.
func (l *Ledger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.reqs)
	l.mu.Unlock()
	<-l.done
}

// Append assigns the next sequence, links the record to the chain and
// persists it. Safe for concurrent use; total order is the writer's order.
func (l *Ledger) Append(ctx context.Context, e Entry) (int64, error) {
	if l.halted.Load() {
		return 0, ErrHalted
	}
	req := appendReq{entry: e, reply: make(chan appendRes, 1)}
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return 0, ErrClosed
	}
	select {
	case l.reqs <- req:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return 0, ctx.Err()
	}
	// No ctx select here: once queued, the append always completes so stage
	// transitions are never half-recorded.
	res := <-req.reply
	return res.seq, res.err
}

func (l *Ledger) writeLoop() {
	defer close(l.done)
	for req := range l.reqs {
		seq, err := l.append(req.entry)
		req.reply <- appendRes{seq: seq, err: err}
	}
}

func (l *Ledger) append(e Entry) (int64, error) {
	if l.halted.Load() {
		return 0, ErrHalted
	}
	now := l.Now().UTC().Format(time.RFC3339Nano)
	detail := ""
	if len(e.Detail) > 0 {
		b, err := json.Marshal(e.Detail)
		if err != nil {
			return 0, fmt.Errorf("marshal detail: %w", err)
		}
		detail = string(b)
	}
	rec := domain.AuditRecord{
		Sequence:   l.lastSeq + 1,
		EnvelopeID: e.EnvelopeID,
		Stage:      e.Stage,
		Actor:      e.Actor,
		Timestamp:  now,
		Detail:     detail,
		PriorHash:  l.lastHash,
	}
	hash, err := recordHash(rec)
	if err != nil {
		return 0, err
	}
	rec.Hash = hash
	_, err = l.db.Exec(`INSERT INTO audit_records(sequence,envelope_id,stage,actor,ts,detail_json,prior_hash,hash) VALUES (?,?,?,?,?,?,?,?)`,
		rec.Sequence, nullable(rec.EnvelopeID), rec.Stage, rec.Actor, rec.Timestamp, nullable(rec.Detail), rec.PriorHash, rec.Hash)
	if err != nil {
		// A failed insert means the persisted chain no longer matches the
		// writer's view of the tail. Fail closed.
		l.halted.Store(true)
		return 0, fmt.Errorf("append audit record: %w", err)
	}
	l.lastSeq = rec.Sequence
	l.lastHash = rec.Hash
	return rec.Sequence, nil
}

// recordHash computes SHA-256 over the canonical JSON (RFC 8785) of every
// field except Hash itself. Canonicalization keeps the digest stable across
// serializers.
func recordHash(rec domain.AuditRecord) (string, error) {
	fields := map[string]any{
		"sequence":    rec.Sequence,
		"envelope_id": rec.EnvelopeID,
		"stage":       rec.Stage,
		"actor":       rec.Actor,
		"timestamp":   rec.Timestamp,
		"detail":      rec.Detail,
		"prior_hash":  rec.PriorHash,
	}
	raw, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// Head returns the sequence of the most recent record (0 when empty).
func (l *Ledger) Head(ctx context.Context) (int64, error) {
	var seq int64
	err := l.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(sequence),0) FROM audit_records`).Scan(&seq)
	return seq, err
}

// Verify recomputes the hash chain over [fromSeq, toSeq] and reports whether
// it is intact. A detected break halts all further appends.
func (l *Ledger) Verify(ctx context.Context, fromSeq, toSeq int64) (bool, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	rows, err := l.db.QueryContext(ctx, `SELECT sequence,COALESCE(envelope_id,''),stage,actor,ts,COALESCE(detail_json,''),prior_hash,hash
FROM audit_records WHERE sequence BETWEEN ? AND ? ORDER BY sequence ASC`, fromSeq, toSeq)
	if err != nil {
		return false, err
	}
	defer rows.Close()

	priorHash := ""
	if fromSeq > 1 {
		err := l.db.QueryRowContext(ctx, `SELECT hash FROM audit_records WHERE sequence=?`, fromSeq-1).Scan(&priorHash)
		if err == sql.ErrNoRows {
			return l.fail(&IntegrityError{Sequence: fromSeq - 1, Reason: "missing predecessor record"})
		}
		if err != nil {
			return false, err
		}
	}
	want := fromSeq
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.Sequence, &rec.EnvelopeID, &rec.Stage, &rec.Actor, &rec.Timestamp, &rec.Detail, &rec.PriorHash, &rec.Hash); err != nil {
			return false, err
		}
		if rec.Sequence != want {
			return l.fail(&IntegrityError{Sequence: want, Reason: "sequence gap"})
		}
		if rec.PriorHash != priorHash {
			return l.fail(&IntegrityError{Sequence: rec.Sequence, Reason: "prior hash mismatch"})
		}
		computed, err := recordHash(rec)
		if err != nil {
			return false, err
		}
		if computed != rec.Hash {
			return l.fail(&IntegrityError{Sequence: rec.Sequence, Reason: "record hash mismatch"})
		}
		priorHash = rec.Hash
		want++
	}
	if err := rows.Err(); err != nil {
		return false, err
	}
	return true, nil
}

func (l *Ledger) fail(ie *IntegrityError) (bool, error) {
	l.halted.Store(true)
	return false, ie
}

// Halted reports whether appends have been stopped by an integrity failure.
func (l *Ledger) Halted() bool { return l.halted.Load() }

// Query returns every record for one envelope in sequence order. This is the
// canonical reconstruction of an envelope's lifecycle.
func (l *Ledger) Query(ctx context.Context, envelopeID string) ([]domain.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT sequence,COALESCE(envelope_id,''),stage,actor,ts,COALESCE(detail_json,''),prior_hash,hash
FROM audit_records WHERE envelope_id=? ORDER BY sequence ASC`, envelopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// Range returns records with sequence in [fromSeq, toSeq], for compliance
// tooling.
func (l *Ledger) Range(ctx context.Context, fromSeq, toSeq int64) ([]domain.AuditRecord, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT sequence,COALESCE(envelope_id,''),stage,actor,ts,COALESCE(detail_json,''),prior_hash,hash
FROM audit_records WHERE sequence BETWEEN ? AND ? ORDER BY sequence ASC`, fromSeq, toSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]domain.AuditRecord, error) {
	var res []domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		if err := rows.Scan(&rec.Sequence, &rec.EnvelopeID, &rec.Stage, &rec.Actor, &rec.Timestamp, &rec.Detail, &rec.PriorHash, &rec.Hash); err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
