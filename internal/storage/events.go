package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/nbd-wtf/go-nostr"
)

// SaveEvent stores an event. Duplicates are ignored.
func (s *Store) SaveEvent(ev *nostr.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	_, err = s.db.Exec(`
		INSERT INTO events (id, pubkey, kind, created_at, content, raw)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		ev.ID, ev.PubKey, ev.Kind, int64(ev.CreatedAt), ev.Content, string(raw))
	if err != nil {
		return fmt.Errorf("failed to save event: %w", err)
	}
	return nil
}

// HasEvent reports whether an event with the given id is stored.
func (s *Store) HasEvent(id string) (bool, error) {
	var n int
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM events WHERE id = ?`, id); err != nil {
		return false, fmt.Errorf("failed to check event: %w", err)
	}
	return n > 0, nil
}

// ReadEvent returns the stored event with the given id, or nil.
func (s *Store) ReadEvent(id string) (*nostr.Event, error) {
	var raw string
	err := s.db.Get(&raw, `SELECT raw FROM events WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}

	var ev nostr.Event
	if err := json.Unmarshal([]byte(raw), &ev); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", id, err)
	}
	return &ev, nil
}

// FindEvents returns stored events matching the given kinds and authors,
// created at or after since. Empty slices match everything. Results are
// ordered by creation time, newest first unless ascending.
func (s *Store) FindEvents(kinds []int, authors []string, since int64, ascending bool) ([]*nostr.Event, error) {
	query := `SELECT raw FROM events WHERE created_at >= ?`
	args := []any{since}

	if len(kinds) > 0 {
		q, a, err := sqlx.In(` AND kind IN (?)`, kinds)
		if err != nil {
			return nil, fmt.Errorf("failed to build kind clause: %w", err)
		}
		query += q
		args = append(args, a...)
	}
	if len(authors) > 0 {
		q, a, err := sqlx.In(` AND pubkey IN (?)`, authors)
		if err != nil {
			return nil, fmt.Errorf("failed to build author clause: %w", err)
		}
		query += q
		args = append(args, a...)
	}

	if ascending {
		query += ` ORDER BY created_at ASC`
	} else {
		query += ` ORDER BY created_at DESC`
	}

	var raws []string
	if err := s.db.Select(&raws, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to find events: %w", err)
	}
	return unmarshalEvents(raws)
}

// SearchEvents returns events whose content contains text, newest first.
func (s *Store) SearchEvents(text string) ([]*nostr.Event, error) {
	var raws []string
	err := s.db.Select(&raws, `
		SELECT raw FROM events WHERE content LIKE ?
		ORDER BY created_at DESC LIMIT 200`, "%"+text+"%")
	if err != nil {
		return nil, fmt.Errorf("failed to search events: %w", err)
	}
	return unmarshalEvents(raws)
}

func unmarshalEvents(raws []string) ([]*nostr.Event, error) {
	out := make([]*nostr.Event, 0, len(raws))
	for _, raw := range raws {
		var ev nostr.Event
		if err := json.Unmarshal([]byte(raw), &ev); err != nil {
			return nil, fmt.Errorf("failed to unmarshal stored event: %w", err)
		}
		out = append(out, &ev)
	}
	return out, nil
}

// LatestEventTime returns the created_at of the newest stored event with the
// given kind and author, or 0 when none is stored.
func (s *Store) LatestEventTime(kind int, pubkey string) (int64, error) {
	var ts sql.NullInt64
	err := s.db.Get(&ts, `SELECT MAX(created_at) FROM events WHERE kind = ? AND pubkey = ?`, kind, pubkey)
	if err != nil {
		return 0, fmt.Errorf("failed to find latest event: %w", err)
	}
	return ts.Int64, nil
}

// Follow adds a pubkey to the followed set.
func (s *Store) Follow(pubkey string) error {
	_, err := s.db.Exec(`INSERT INTO follows (pubkey) VALUES (?) ON CONFLICT DO NOTHING`, pubkey)
	if err != nil {
		return fmt.Errorf("failed to follow %s: %w", pubkey, err)
	}
	return nil
}

// Unfollow removes a pubkey from the followed set.
func (s *Store) Unfollow(pubkey string) error {
	if _, err := s.db.Exec(`DELETE FROM follows WHERE pubkey = ?`, pubkey); err != nil {
		return fmt.Errorf("failed to unfollow %s: %w", pubkey, err)
	}
	return nil
}

// FollowedPubkeys returns every followed pubkey in stable order.
func (s *Store) FollowedPubkeys() ([]string, error) {
	var out []string
	if err := s.db.Select(&out, `SELECT pubkey FROM follows ORDER BY pubkey`); err != nil {
		return nil, fmt.Errorf("failed to list follows: %w", err)
	}
	return out, nil
}
