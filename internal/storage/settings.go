package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"

	"github.com/sandwichfarm/hearsay/internal/config"
)

// Setting keys. The core reads tunables through these so that a settings UI
// can change them at runtime without a restart.
const (
	SettingOffline              = "offline"
	SettingFeedChunk            = "feed_chunk"
	SettingOverlap              = "overlap"
	SettingNumRelaysPerPerson   = "num_relays_per_person"
	SettingMaxRelays            = "max_relays"
	SettingSetClientTag         = "set_client_tag"
	SettingPowBits              = "pow"
	SettingCachePrunePeriodDays = "cache_prune_period_days"
	SettingPrunePeriodDays      = "prune_period_days"
)

// SeedSettings copies config values into the settings table, overwriting
// whatever was stored before.
func (s *Store) SeedSettings(settings *config.Settings) error {
	pairs := map[string]string{
		SettingOffline:              strconv.FormatBool(settings.Offline),
		SettingFeedChunk:            strconv.FormatInt(settings.FeedChunkSeconds, 10),
		SettingOverlap:              strconv.FormatInt(settings.OverlapSeconds, 10),
		SettingNumRelaysPerPerson:   strconv.Itoa(int(settings.NumRelaysPerPerson)),
		SettingMaxRelays:            strconv.Itoa(settings.MaxRelays),
		SettingSetClientTag:         strconv.FormatBool(settings.SetClientTag),
		SettingPowBits:              strconv.Itoa(int(settings.PowBits)),
		SettingCachePrunePeriodDays: strconv.Itoa(settings.CachePrunePeriodDays),
		SettingPrunePeriodDays:      strconv.Itoa(settings.PrunePeriodDays),
	}

	for key, value := range pairs {
		if err := s.WriteSetting(key, value); err != nil {
			return err
		}
	}
	return nil
}

// WriteSetting upserts one setting.
func (s *Store) WriteSetting(key, value string) error {
	_, err := s.db.Exec(`
		INSERT INTO settings (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write setting %s: %w", key, err)
	}
	return nil
}

func (s *Store) readSetting(key string) (string, bool) {
	var value string
	err := s.db.Get(&value, `SELECT value FROM settings WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) || err != nil {
		return "", false
	}
	return value, true
}

// ReadSettingBool returns the stored boolean for key, or def when unset.
func (s *Store) ReadSettingBool(key string, def bool) bool {
	value, ok := s.readSetting(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return def
	}
	return b
}

// ReadSettingInt64 returns the stored integer for key, or def when unset.
func (s *Store) ReadSettingInt64(key string, def int64) int64 {
	value, ok := s.readSetting(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		return def
	}
	return n
}

// ReadSettingOffline reports whether networking is disabled.
func (s *Store) ReadSettingOffline() bool {
	return s.ReadSettingBool(SettingOffline, false)
}

// ReadSettingFeedChunk is how far back feed subscriptions look, in seconds.
func (s *Store) ReadSettingFeedChunk() int64 {
	return s.ReadSettingInt64(SettingFeedChunk, 60*60*12)
}

// ReadSettingOverlap is the re-fetch overlap in seconds.
func (s *Store) ReadSettingOverlap() int64 {
	return s.ReadSettingInt64(SettingOverlap, 300)
}

// ReadSettingNumRelaysPerPerson is the per-person relay redundancy.
func (s *Store) ReadSettingNumRelaysPerPerson() uint8 {
	return uint8(s.ReadSettingInt64(SettingNumRelaysPerPerson, 2))
}

// ReadSettingMaxRelays is the global connection cap.
func (s *Store) ReadSettingMaxRelays() int {
	return int(s.ReadSettingInt64(SettingMaxRelays, 30))
}

// ReadSettingSetClientTag reports whether posts carry a client tag.
func (s *Store) ReadSettingSetClientTag() bool {
	return s.ReadSettingBool(SettingSetClientTag, false)
}
