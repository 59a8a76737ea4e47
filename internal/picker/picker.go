// Package picker decides which relays cover which followed pubkeys. It is
// owned by the overlord and only ever called from the overlord's turn, so
// its state is plain maps without locking.
package picker

import (
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

// Ways a single pick pass can stop.
var (
	// ErrNoRelays means there is nothing to pick from.
	ErrNoRelays = errors.New("no relays to pick from")
	// ErrNoPeopleLeft means every followed pubkey is covered. A good result.
	ErrNoPeopleLeft = errors.New("all people accounted for")
	// ErrNoProgress means nobody scored; picking is stuck.
	ErrNoProgress = errors.New("unable to make further progress")
)

// Store is the slice of the storage surface the picker consumes.
type Store interface {
	FilterRelays(pred func(*relay.Record) bool) ([]*relay.Record, error)
	BestRelays(pubkey string, dir relay.Direction) ([]storage.RelayScore, error)
	FollowedPubkeys() ([]string, error)
	ReadSettingNumRelaysPerPerson() uint8
	ReadSettingMaxRelays() int
}

// Assignment records a relay serving the general feed for a set of pubkeys.
type Assignment struct {
	RelayURL relay.URL
	Pubkeys  []string
}

// MergeIn unions another assignment for the same relay into this one.
func (a *Assignment) MergeIn(other Assignment) error {
	if a.RelayURL != other.RelayURL {
		return fmt.Errorf("cannot merge assignments for %s and %s", a.RelayURL, other.RelayURL)
	}
	a.Pubkeys = append(a.Pubkeys, other.Pubkeys...)
	return nil
}

// Contains reports whether the assignment covers pubkey.
func (a *Assignment) Contains(pubkey string) bool {
	for _, p := range a.Pubkeys {
		if p == pubkey {
			return true
		}
	}
	return false
}

// Picker assigns followed pubkeys to relays, bounded by a global connection
// cap and a per-person fan-out.
type Picker struct {
	store Store
	log   *ops.Logger

	allRelays         map[relay.URL]*relay.Record
	connectedRelays   map[relay.URL]bool
	relayAssignments  map[relay.URL]*Assignment
	excludedRelays    map[relay.URL]int64 // expiry unixtime
	pubkeyCounts      map[string]uint8
	personRelayScores map[string][]storage.RelayScore

	numRelaysPerPerson uint8
	maxRelays          int

	// injectable for tests
	now func() time.Time
}

// New creates an empty picker; call Init before the first pick.
func New(store Store, log *ops.Logger) *Picker {
	return &Picker{
		store:             store,
		log:               log.WithComponent("picker"),
		allRelays:         make(map[relay.URL]*relay.Record),
		connectedRelays:   make(map[relay.URL]bool),
		relayAssignments:  make(map[relay.URL]*Assignment),
		excludedRelays:    make(map[relay.URL]int64),
		pubkeyCounts:      make(map[string]uint8),
		personRelayScores: make(map[string][]storage.RelayScore),
		now:               time.Now,
	}
}

// Init loads relays and followed pubkeys and resets all counters.
func (p *Picker) Init() error {
	p.allRelays = make(map[relay.URL]*relay.Record)
	p.connectedRelays = make(map[relay.URL]bool)
	p.relayAssignments = make(map[relay.URL]*Assignment)
	p.excludedRelays = make(map[relay.URL]int64)
	p.pubkeyCounts = make(map[string]uint8)
	p.personRelayScores = make(map[string][]storage.RelayScore)

	p.numRelaysPerPerson = p.store.ReadSettingNumRelaysPerPerson()
	p.maxRelays = p.store.ReadSettingMaxRelays()

	if err := p.reloadRelays(); err != nil {
		return err
	}
	return p.RefreshScores(true)
}

func (p *Picker) reloadRelays() error {
	records, err := p.store.FilterRelays(nil)
	if err != nil {
		return fmt.Errorf("failed to load relays: %w", err)
	}
	p.allRelays = make(map[relay.URL]*relay.Record, len(records))
	for _, rec := range records {
		p.allRelays[rec.URL] = rec
	}
	return nil
}

// RefreshScores rebuilds person-relay scores from storage. When
// initializeCounts is set (startup), every followed pubkey starts out
// seeking numRelaysPerPerson assignments.
func (p *Picker) RefreshScores(initializeCounts bool) error {
	if err := p.reloadRelays(); err != nil {
		return err
	}

	p.personRelayScores = make(map[string][]storage.RelayScore)
	if initializeCounts {
		p.pubkeyCounts = make(map[string]uint8)
	}

	pubkeys, err := p.store.FollowedPubkeys()
	if err != nil {
		return fmt.Errorf("failed to load followed pubkeys: %w", err)
	}

	for _, pubkey := range pubkeys {
		best, err := p.store.BestRelays(pubkey, relay.DirectionWrite)
		if err != nil {
			return fmt.Errorf("failed to score relays for %s: %w", pubkey, err)
		}
		p.personRelayScores[pubkey] = best

		if initializeCounts {
			p.pubkeyCounts[pubkey] = p.numRelaysPerPerson
		}
	}
	return nil
}

// AddPubkey starts seeking relays for a newly followed pubkey. Pubkeys that
// already have counts or assignments are left alone.
func (p *Picker) AddPubkey(pubkey string) {
	if _, ok := p.pubkeyCounts[pubkey]; ok {
		return
	}
	for _, assignment := range p.relayAssignments {
		if assignment.Contains(pubkey) {
			return
		}
	}
	p.pubkeyCounts[pubkey] = p.numRelaysPerPerson
}

// RemovePubkey stops seeking relays for pubkey and strips it from existing
// assignments. The relays keep their subscriptions until re-subscribed.
func (p *Picker) RemovePubkey(pubkey string) {
	delete(p.pubkeyCounts, pubkey)
	for _, assignment := range p.relayAssignments {
		for i, pk := range assignment.Pubkeys {
			if pk == pubkey {
				assignment.Pubkeys = append(assignment.Pubkeys[:i], assignment.Pubkeys[i+1:]...)
				break
			}
		}
	}
}

// SetConnected records whether a minion is currently serving url. Only
// connected relays are eligible once the assignment count hits maxRelays.
func (p *Picker) SetConnected(url relay.URL, connected bool) {
	if connected {
		p.connectedRelays[url] = true
	} else {
		delete(p.connectedRelays, url)
	}
}

// MarkDisconnected removes url's assignment, returns its pubkeys to the
// seeking pool, and excludes the relay for the given number of seconds.
func (p *Picker) MarkDisconnected(url relay.URL, seconds int64) {
	delete(p.connectedRelays, url)

	assignment, ok := p.relayAssignments[url]
	if seconds > 0 {
		hence := p.now().Unix() + seconds
		if existing, found := p.excludedRelays[url]; !found || existing < hence {
			p.excludedRelays[url] = hence
		}
		p.log.Debug("relay excluded", "relay", url.String(), "until", hence)
	}
	if !ok {
		return
	}
	delete(p.relayAssignments, url)

	for _, pubkey := range assignment.Pubkeys {
		count := p.pubkeyCounts[pubkey] + 1
		if count > p.numRelaysPerPerson {
			count = p.numRelaysPerPerson
		}
		p.pubkeyCounts[pubkey] = count
	}
}

// Assignment returns the current assignment for url, or nil.
func (p *Picker) Assignment(url relay.URL) *Assignment {
	return p.relayAssignments[url]
}

// AssignmentCount returns the number of relays holding assignments.
func (p *Picker) AssignmentCount() int {
	return len(p.relayAssignments)
}

// SeekingCount returns how many pubkeys are still seeking assignments.
func (p *Picker) SeekingCount() int {
	return len(p.pubkeyCounts)
}

// PubkeyCount returns how many more assignments pubkey is seeking.
func (p *Picker) PubkeyCount(pubkey string) uint8 {
	return p.pubkeyCounts[pubkey]
}

// UpdateRelay refreshes the picker's copy of one relay record.
func (p *Picker) UpdateRelay(rec *relay.Record) {
	p.allRelays[rec.URL] = rec
}

// Pick creates the next assignment and returns the relay holding it. The
// caller is responsible for making the assignment actually happen.
func (p *Picker) Pick() (relay.URL, error) {
	now := p.now().Unix()
	for url, expiry := range p.excludedRelays {
		if expiry <= now {
			delete(p.excludedRelays, url)
		}
	}

	if len(p.pubkeyCounts) == 0 {
		return "", ErrNoPeopleLeft
	}
	if len(p.allRelays) == 0 {
		return "", ErrNoRelays
	}

	atMaxRelays := len(p.relayAssignments) >= p.maxRelays

	scoreboard := make(map[relay.URL]uint64, len(p.allRelays))
	for url := range p.allRelays {
		scoreboard[url] = 0
	}

	for pubkey, relayScores := range p.personRelayScores {
		if p.pubkeyCounts[pubkey] == 0 {
			continue // person doesn't need any more
		}

		for _, rs := range relayScores {
			if _, excluded := p.excludedRelays[rs.URL]; excluded {
				continue
			}
			if atMaxRelays && !p.connectedRelays[rs.URL] {
				continue
			}
			if assignment, ok := p.relayAssignments[rs.URL]; ok && assignment.Contains(pubkey) {
				continue
			}
			if _, known := scoreboard[rs.URL]; known {
				scoreboard[rs.URL] += rs.Score
			}
		}
	}

	// Adjust by relay rank and success rate.
	for url := range scoreboard {
		rec := p.allRelays[url]
		multiplier := uint64(float32(rec.Rank) * 1.3 * rec.SuccessRate())
		scoreboard[url] *= multiplier
	}

	var winner relay.URL
	var winningScore uint64
	for url, score := range scoreboard {
		if score > winningScore {
			winner = url
			winningScore = score
		}
	}

	if winningScore == 0 {
		return "", ErrNoProgress
	}

	// Work out which pubkeys this relay covers, decrementing their counts.
	var covered []string
	for pubkey, count := range p.pubkeyCounts {
		if count == 0 {
			continue
		}
		if assignment, ok := p.relayAssignments[winner]; ok && assignment.Contains(pubkey) {
			continue
		}
		for _, rs := range p.personRelayScores[pubkey] {
			if rs.URL == winner {
				covered = append(covered, pubkey)
				p.pubkeyCounts[pubkey] = count - 1
				break
			}
		}
	}

	if len(covered) == 0 {
		return "", ErrNoProgress
	}

	for pubkey, count := range p.pubkeyCounts {
		if count == 0 {
			delete(p.pubkeyCounts, pubkey)
		}
	}

	assignment := Assignment{RelayURL: winner, Pubkeys: covered}
	if existing, ok := p.relayAssignments[winner]; ok {
		if err := existing.MergeIn(assignment); err != nil {
			return "", err
		}
	} else {
		p.relayAssignments[winner] = &assignment
	}

	return winner, nil
}

// GarbageCollect strips pubkeys that are no longer followed from every
// assignment and returns the relays whose assignments became empty. The
// caller finishes those relays' follow jobs.
func (p *Picker) GarbageCollect() []relay.URL {
	var idle []relay.URL

	for url, assignment := range p.relayAssignments {
		kept := assignment.Pubkeys[:0]
		for _, pubkey := range assignment.Pubkeys {
			if _, followed := p.personRelayScores[pubkey]; followed {
				kept = append(kept, pubkey)
			}
		}
		assignment.Pubkeys = kept

		if len(assignment.Pubkeys) == 0 {
			delete(p.relayAssignments, url)
			idle = append(idle, url)
		}
	}
	return idle
}
