package storage

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// CountEvents returns the total number of stored events.
func (s *Store) CountEvents() (int64, error) {
	var n int64
	if err := s.db.Get(&n, `SELECT COUNT(*) FROM events`); err != nil {
		return 0, fmt.Errorf("failed to count events: %w", err)
	}
	return n, nil
}

// CountEventsByKind returns per-kind event counts.
func (s *Store) CountEventsByKind() (map[int]int64, error) {
	var rows []struct {
		Kind  int   `db:"kind"`
		Count int64 `db:"count"`
	}
	err := s.db.Select(&rows, `SELECT kind, COUNT(*) AS count FROM events GROUP BY kind`)
	if err != nil {
		return nil, fmt.Errorf("failed to count events by kind: %w", err)
	}

	out := make(map[int]int64, len(rows))
	for _, row := range rows {
		out[row.Kind] = row.Count
	}
	return out, nil
}

// EventTimeRange returns the creation times of the oldest and newest stored
// events, or nil when the store is empty.
func (s *Store) EventTimeRange() (oldest, newest *time.Time, err error) {
	var row struct {
		Oldest *int64 `db:"oldest"`
		Newest *int64 `db:"newest"`
	}
	err = s.db.Get(&row, `SELECT MIN(created_at) AS oldest, MAX(created_at) AS newest FROM events`)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to read event time range: %w", err)
	}

	if row.Oldest != nil {
		t := time.Unix(*row.Oldest, 0)
		oldest = &t
	}
	if row.Newest != nil {
		t := time.Unix(*row.Newest, 0)
		newest = &t
	}
	return oldest, newest, nil
}

// DatabaseSizeBytes reports the sqlite file size from the page counters.
func (s *Store) DatabaseSizeBytes() (int64, error) {
	var pageCount, pageSize int64
	if err := s.db.Get(&pageCount, `PRAGMA page_count`); err != nil {
		return 0, fmt.Errorf("failed to read page count: %w", err)
	}
	if err := s.db.Get(&pageSize, `PRAGMA page_size`); err != nil {
		return 0, fmt.Errorf("failed to read page size: %w", err)
	}
	return pageCount * pageSize, nil
}

// PruneOldEvents deletes events created before cutoff, except events authored
// by keepPubkey (the user's own history survives pruning). Seen-on rows for
// deleted events go with them. Returns the number of events deleted.
func (s *Store) PruneOldEvents(cutoff time.Time, keepPubkey string) (int64, error) {
	var deleted int64
	err := s.WriteTx(func(tx *sqlx.Tx) error {
		res, err := tx.Exec(`
			DELETE FROM events WHERE created_at < ? AND pubkey != ?`,
			cutoff.Unix(), keepPubkey)
		if err != nil {
			return fmt.Errorf("failed to prune events: %w", err)
		}
		deleted, _ = res.RowsAffected()

		_, err = tx.Exec(`
			DELETE FROM event_relays
			WHERE event_id NOT IN (SELECT id FROM events)`)
		if err != nil {
			return fmt.Errorf("failed to prune event relays: %w", err)
		}
		return nil
	})
	return deleted, err
}

// PruneStaleEventRelays drops seen-on rows older than cutoff, bounding the
// relay-association cache independently of the events themselves.
func (s *Store) PruneStaleEventRelays(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec(`DELETE FROM event_relays WHERE seen_at < ?`, cutoff.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune stale event relays: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
