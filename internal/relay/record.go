package relay

import "time"

// Usage bits describe what a relay is used for. A relay record with no usage
// bits is known but never subscribed for that purpose.
const (
	UsageRead uint32 = 1 << iota
	UsageWrite
	UsageAdvertise
	UsageDiscover
	UsageInbox
	UsageOutbox
	UsagePrivate
)

// DefaultRank is assigned to newly created relay records.
const DefaultRank = 3

// Direction selects which side of a person-relay pairing a score refers to:
// where the person reads, or where they write.
type Direction int

const (
	DirectionRead Direction = iota
	DirectionWrite
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "read"
}

// Record is the persistent catalog entry for a relay. It is the sole source
// of truth for whether a relay should be used: rank 0 disables it entirely,
// usage bits gate per-purpose subscriptions.
type Record struct {
	URL           URL        `db:"url"`
	Usage         uint32     `db:"usage_bits"`
	Rank          int        `db:"rank"`
	Hidden        bool       `db:"hidden"`
	SuccessCount  uint64     `db:"success_count"`
	FailureCount  uint64     `db:"failure_count"`
	LastSuccessAt *time.Time `db:"last_success_at"`
}

// NewRecord returns a record with default rank and no usage bits.
func NewRecord(url URL) *Record {
	return &Record{
		URL:  url,
		Rank: DefaultRank,
	}
}

// HasUsage reports whether all the given usage bits are set.
func (r *Record) HasUsage(bits uint32) bool {
	return r.Usage&bits == bits
}

// SetUsage sets or clears the given usage bits.
func (r *Record) SetUsage(bits uint32, on bool) {
	if on {
		r.Usage |= bits
	} else {
		r.Usage &^= bits
	}
}

// SuccessRate is the fraction of connection attempts that succeeded, in
// [0,1]. A relay never attempted counts as 0.5 so that new relays are not
// starved before they have a history.
func (r *Record) SuccessRate() float32 {
	attempts := r.SuccessCount + r.FailureCount
	if attempts == 0 {
		return 0.5
	}
	return float32(r.SuccessCount) / float32(attempts)
}
