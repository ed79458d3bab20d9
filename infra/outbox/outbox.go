// Package outbox is the durable staging area between settlement and
// the Kafka broadcaster. Terminal settlement events are appended here
// in the same step that produces them; the broadcaster drains pending
// rows and acknowledges what Kafka accepted. Delivery is
// at-least-once, consumers deduplicate by session id.
package outbox

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"
)

type State uint8

const (
	StateNew State = iota
	StateSent
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "NEW"
	case StateSent:
		return "SENT"
	case StateAcked:
		return "ACKED"
	default:
		return "UNKNOWN"
	}
}

type Record struct {
	Seq         uint64
	State       State
	Retries     uint32
	LastAttempt int64
	Payload     []byte
}

const recHeaderLen = 1 + 4 + 8

// value encoding: [state:1][retries:4][lastAttempt:8][payload...]
func encodeRecord(r Record) []byte {
	buf := make([]byte, recHeaderLen+len(r.Payload))
	buf[0] = byte(r.State)
	binary.BigEndian.PutUint32(buf[1:5], r.Retries)
	binary.BigEndian.PutUint64(buf[5:13], uint64(r.LastAttempt))
	copy(buf[recHeaderLen:], r.Payload)
	return buf
}

func decodeRecord(seq uint64, b []byte) (Record, error) {
	if len(b) < recHeaderLen {
		return Record{}, errors.New("outbox: record too short")
	}
	payload := make([]byte, len(b)-recHeaderLen)
	copy(payload, b[recHeaderLen:])
	return Record{
		Seq:         seq,
		State:       State(b[0]),
		Retries:     binary.BigEndian.Uint32(b[1:5]),
		LastAttempt: int64(binary.BigEndian.Uint64(b[5:13])),
		Payload:     payload,
	}, nil
}

var ErrNotFound = errors.New("outbox: record not found")

// Outbox is a pebble-backed sequence of settlement events.
type Outbox struct {
	db *pebble.DB

	mu      sync.Mutex
	nextSeq uint64
}

func Open(dir string) (*Outbox, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("outbox: open %s: %w", dir, err)
	}
	o := &Outbox{db: db, nextSeq: 1}
	if err := o.recoverSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return o, nil
}

func (o *Outbox) recoverSeq() error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()
	if iter.Last() && iter.Valid() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		o.nextSeq = seq + 1
	}
	return iter.Error()
}

func (o *Outbox) Close() error { return o.db.Close() }

// Append durably stores one event payload and returns its sequence.
func (o *Outbox) Append(payload []byte) (uint64, error) {
	o.mu.Lock()
	seq := o.nextSeq
	o.nextSeq++
	o.mu.Unlock()

	rec := Record{Seq: seq, State: StateNew, Payload: payload}
	if err := o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync); err != nil {
		return 0, fmt.Errorf("outbox: append: %w", err)
	}
	return seq, nil
}

func (o *Outbox) Get(seq uint64) (Record, error) {
	val, closer, err := o.db.Get(keyFor(seq))
	if errors.Is(err, pebble.ErrNotFound) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, err
	}
	defer closer.Close()
	return decodeRecord(seq, val)
}

// MarkSent bumps the retry counter and stamps the attempt. Idempotent
// across broadcaster restarts.
func (o *Outbox) MarkSent(seq uint64) error {
	return o.update(seq, func(r *Record) {
		r.State = StateSent
		r.Retries++
		r.LastAttempt = time.Now().UnixNano()
	})
}

// MarkAcked records that Kafka accepted the event.
func (o *Outbox) MarkAcked(seq uint64) error {
	return o.update(seq, func(r *Record) { r.State = StateAcked })
}

func (o *Outbox) Delete(seq uint64) error {
	return o.db.Delete(keyFor(seq), pebble.Sync)
}

func (o *Outbox) update(seq uint64, fn func(*Record)) error {
	rec, err := o.Get(seq)
	if err != nil {
		return err
	}
	fn(&rec)
	return o.db.Set(keyFor(seq), encodeRecord(rec), pebble.Sync)
}

// ScanPending visits every record not yet acked, in sequence order.
// SENT rows are included: an ack that never arrived must be retried.
func (o *Outbox) ScanPending(fn func(rec *Record) error) error {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		seq, err := parseKey(iter.Key())
		if err != nil {
			return err
		}
		rec, err := decodeRecord(seq, iter.Value())
		if err != nil {
			return err
		}
		if rec.State == StateAcked {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	return iter.Error()
}

// PruneAcked deletes acked rows and returns how many were removed.
func (o *Outbox) PruneAcked() (int, error) {
	iter, err := o.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("evt/"),
		UpperBound: []byte("evt/~"),
	})
	if err != nil {
		return 0, err
	}

	var seqs []uint64
	for iter.First(); iter.Valid(); iter.Next() {
		if len(iter.Value()) >= 1 && State(iter.Value()[0]) == StateAcked {
			seq, err := parseKey(iter.Key())
			if err != nil {
				iter.Close()
				return 0, err
			}
			seqs = append(seqs, seq)
		}
	}
	if err := iter.Close(); err != nil {
		return 0, err
	}
	for _, seq := range seqs {
		if err := o.Delete(seq); err != nil {
			return 0, err
		}
	}
	return len(seqs), nil
}

func keyFor(seq uint64) []byte {
	return []byte(fmt.Sprintf("evt/%020d", seq))
}

func parseKey(key []byte) (uint64, error) {
	var seq uint64
	if _, err := fmt.Sscanf(string(key), "evt/%d", &seq); err != nil {
		return 0, fmt.Errorf("outbox: malformed key %q: %w", key, err)
	}
	return seq, nil
}
