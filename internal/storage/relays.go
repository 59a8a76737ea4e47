package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/hearsay/internal/relay"
)

type relayRow struct {
	URL           string        `db:"url"`
	UsageBits     uint32        `db:"usage_bits"`
	Rank          int           `db:"rank"`
	Hidden        bool          `db:"hidden"`
	SuccessCount  uint64        `db:"success_count"`
	FailureCount  uint64        `db:"failure_count"`
	LastSuccessAt sql.NullInt64 `db:"last_success_at"`
}

func (r relayRow) record() *relay.Record {
	rec := &relay.Record{
		URL:          relay.URL(r.URL),
		Usage:        r.UsageBits,
		Rank:         r.Rank,
		Hidden:       r.Hidden,
		SuccessCount: r.SuccessCount,
		FailureCount: r.FailureCount,
	}
	if r.LastSuccessAt.Valid {
		t := time.Unix(r.LastSuccessAt.Int64, 0)
		rec.LastSuccessAt = &t
	}
	return rec
}

// ReadRelay returns the record for url, or nil if it is unknown.
func (s *Store) ReadRelay(url relay.URL) (*relay.Record, error) {
	var row relayRow
	err := s.db.Get(&row, `SELECT * FROM relays WHERE url = ?`, string(url))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read relay %s: %w", url, err)
	}
	return row.record(), nil
}

// WriteRelay upserts the full record.
func (s *Store) WriteRelay(rec *relay.Record) error {
	var last sql.NullInt64
	if rec.LastSuccessAt != nil {
		last = sql.NullInt64{Int64: rec.LastSuccessAt.Unix(), Valid: true}
	}
	_, err := s.db.Exec(`
		INSERT INTO relays (url, usage_bits, rank, hidden, success_count, failure_count, last_success_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			usage_bits = excluded.usage_bits,
			rank = excluded.rank,
			hidden = excluded.hidden,
			success_count = excluded.success_count,
			failure_count = excluded.failure_count,
			last_success_at = excluded.last_success_at`,
		string(rec.URL), rec.Usage, rec.Rank, rec.Hidden,
		rec.SuccessCount, rec.FailureCount, last)
	if err != nil {
		return fmt.Errorf("failed to write relay %s: %w", rec.URL, err)
	}
	return nil
}

// WriteRelayIfMissing creates a default record for url when none exists and
// returns the stored record either way.
func (s *Store) WriteRelayIfMissing(url relay.URL) (*relay.Record, error) {
	existing, err := s.ReadRelay(url)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	rec := relay.NewRecord(url)
	if err := s.WriteRelay(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// FilterRelays returns all records matching the predicate.
func (s *Store) FilterRelays(pred func(*relay.Record) bool) ([]*relay.Record, error) {
	var rows []relayRow
	if err := s.db.Select(&rows, `SELECT * FROM relays`); err != nil {
		return nil, fmt.Errorf("failed to list relays: %w", err)
	}

	out := make([]*relay.Record, 0, len(rows))
	for _, row := range rows {
		rec := row.record()
		if pred == nil || pred(rec) {
			out = append(out, rec)
		}
	}
	return out, nil
}

// BumpRelaySuccess increments the success counter and stamps last_success_at.
func (s *Store) BumpRelaySuccess(url relay.URL, at time.Time) error {
	_, err := s.db.Exec(`
		UPDATE relays SET success_count = success_count + 1, last_success_at = ?
		WHERE url = ?`, at.Unix(), string(url))
	if err != nil {
		return fmt.Errorf("failed to bump success for %s: %w", url, err)
	}
	return nil
}

// BumpRelayFailure increments the failure counter.
func (s *Store) BumpRelayFailure(url relay.URL) error {
	_, err := s.db.Exec(`
		UPDATE relays SET failure_count = failure_count + 1 WHERE url = ?`, string(url))
	if err != nil {
		return fmt.Errorf("failed to bump failure for %s: %w", url, err)
	}
	return nil
}

// RelayScore pairs a relay with its score for one person.
type RelayScore struct {
	URL   relay.URL
	Score uint64
}

// SetPersonRelayScore records how strongly a person is associated with a
// relay in each direction. Idempotent per (pubkey, url).
func (s *Store) SetPersonRelayScore(pubkey string, url relay.URL, readScore, writeScore uint64) error {
	_, err := s.db.Exec(`
		INSERT INTO person_relays (pubkey, url, read_score, write_score)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(pubkey, url) DO UPDATE SET
			read_score = excluded.read_score,
			write_score = excluded.write_score`,
		pubkey, string(url), readScore, writeScore)
	if err != nil {
		return fmt.Errorf("failed to set person relay score: %w", err)
	}
	return nil
}

// BestRelays returns the relays a person is most likely reachable on in the
// given direction, best first. Zero-scored pairings are omitted.
func (s *Store) BestRelays(pubkey string, dir relay.Direction) ([]RelayScore, error) {
	column := "read_score"
	if dir == relay.DirectionWrite {
		column = "write_score"
	}

	var rows []struct {
		URL   string `db:"url"`
		Score uint64 `db:"score"`
	}
	query := fmt.Sprintf(`
		SELECT url, %s AS score FROM person_relays
		WHERE pubkey = ? AND %s > 0
		ORDER BY score DESC, url ASC`, column, column)
	if err := s.db.Select(&rows, query, pubkey); err != nil {
		return nil, fmt.Errorf("failed to get best relays for %s: %w", pubkey, err)
	}

	out := make([]RelayScore, 0, len(rows))
	for _, row := range rows {
		out = append(out, RelayScore{URL: relay.URL(row.URL), Score: row.Score})
	}
	return out, nil
}

// AddEventSeenOnRelay records that an event was delivered by a relay.
func (s *Store) AddEventSeenOnRelay(eventID string, url relay.URL, at time.Time) error {
	_, err := s.db.Exec(`
		INSERT INTO event_relays (event_id, url, seen_at) VALUES (?, ?, ?)
		ON CONFLICT(event_id, url) DO UPDATE SET seen_at = excluded.seen_at`,
		eventID, string(url), at.Unix())
	if err != nil {
		return fmt.Errorf("failed to record event relay: %w", err)
	}
	return nil
}

// EventSeen pairs a relay with when an event was last seen there.
type EventSeen struct {
	URL    relay.URL
	SeenAt time.Time
}

// GetEventSeenOnRelay returns every relay an event was seen on, most recent
// first.
func (s *Store) GetEventSeenOnRelay(eventID string) ([]EventSeen, error) {
	var rows []struct {
		URL    string `db:"url"`
		SeenAt int64  `db:"seen_at"`
	}
	err := s.db.Select(&rows, `
		SELECT url, seen_at FROM event_relays
		WHERE event_id = ? ORDER BY seen_at DESC`, eventID)
	if err != nil {
		return nil, fmt.Errorf("failed to get event relays: %w", err)
	}

	out := make([]EventSeen, 0, len(rows))
	for _, row := range rows {
		out = append(out, EventSeen{URL: relay.URL(row.URL), SeenAt: time.Unix(row.SeenAt, 0)})
	}
	return out, nil
}
