// Package swapstore archives terminal swap sessions in pebble. The
// coordinator destroys a session on reaching a terminal state; this is
// where it goes, keyed by session id, for audit and dispute handling.
package swapstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cockroachdb/pebble"

	"meshdex/domain/swap"
)

var ErrNotFound = errors.New("swapstore: session not found")

type Store struct {
	db *pebble.DB
}

func Open(dir string) (*Store, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("swapstore: open %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// entry is the stored form. JSON keeps the archive greppable with
// standard pebble tooling; this path is far off the hot path.
type entry struct {
	Session    swap.Session `json:"session"`
	ArchivedAt int64        `json:"archived_at"`
}

func (s *Store) Archive(sess swap.Session) error {
	raw, err := json.Marshal(entry{Session: sess, ArchivedAt: time.Now().UnixNano()})
	if err != nil {
		return fmt.Errorf("swapstore: marshal %s: %w", sess.ID, err)
	}
	if err := s.db.Set(keyFor(sess.ID), raw, pebble.Sync); err != nil {
		return fmt.Errorf("swapstore: archive %s: %w", sess.ID, err)
	}
	return nil
}

func (s *Store) Get(id string) (swap.Session, error) {
	val, closer, err := s.db.Get(keyFor(id))
	if errors.Is(err, pebble.ErrNotFound) {
		return swap.Session{}, ErrNotFound
	}
	if err != nil {
		return swap.Session{}, err
	}
	defer closer.Close()

	var e entry
	if err := json.Unmarshal(val, &e); err != nil {
		return swap.Session{}, fmt.Errorf("swapstore: decode %s: %w", id, err)
	}
	return e.Session, nil
}

// Each visits every archived session.
func (s *Store) Each(fn func(sess swap.Session) error) error {
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte("sess/"),
		UpperBound: []byte("sess/~"),
	})
	if err != nil {
		return err
	}
	defer iter.Close()

	for iter.First(); iter.Valid(); iter.Next() {
		var e entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			return fmt.Errorf("swapstore: decode %s: %w", iter.Key(), err)
		}
		if err := fn(e.Session); err != nil {
			return err
		}
	}
	return iter.Error()
}

func keyFor(id string) []byte {
	return []byte("sess/" + id)
}

var _ swap.Archiver = (*Store)(nil)
