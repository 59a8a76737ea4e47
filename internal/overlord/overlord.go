// Package overlord supervises the relay fleet. It owns the picker, spawns
// one minion per connected relay, and serializes all coordination through a
// single command loop fed by an unbounded inbox.
package overlord

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/config"
	"github.com/sandwichfarm/hearsay/internal/entities"
	"github.com/sandwichfarm/hearsay/internal/minion"
	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/picker"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

const (
	// shutdownNudge is how long to wait for minions before repeating the
	// shutdown broadcast.
	shutdownNudge = 10 * time.Second

	// reengageDelay pads the exclusion period before persistent jobs are
	// retried, so the retry lands safely past the expiry.
	reengageDelay = 5 * time.Second

	// maxExclusion: exclusions at or past this are treated as permanent
	// and persistent jobs are not retried.
	maxExclusion = 86400
)

// Signer signs events on the user's behalf. A nil signer makes the client
// read-only.
type Signer interface {
	PubKey() string
	Sign(ev *nostr.Event) error
}

// minionState is the overlord's book-keeping for one connected relay.
type minionState struct {
	jobs   []comms.RelayJob
	since  time.Time
	cancel context.CancelFunc
}

// RelayActivity is a read-only snapshot of one connected relay, for status
// surfaces outside the command loop.
type RelayActivity struct {
	URL            relay.URL
	Jobs           []comms.JobReason
	ConnectedSince time.Time
}

// SpawnFunc starts a minion task for url. Injectable so tests can supply a
// fake fleet.
type SpawnFunc func(ctx context.Context, url relay.URL, rec *relay.Record, payloads []comms.Payload)

// Overlord is the supervisor. Create with New, drive with Run, talk to it
// with Send.
type Overlord struct {
	cfg    *config.Config
	store  *storage.Store
	log    *ops.Logger
	status *ops.StatusQueue
	signer Signer

	inbox    *comms.Inbox
	bus      *comms.Bus
	picker   *picker.Picker
	resolver *entities.Resolver

	// minions is written only from the command loop but read concurrently
	// by status surfaces, hence the concurrent map.
	minions *xsync.MapOf[string, *minionState]

	loopCtx      context.Context
	threadRoot   string
	dmChannel    string
	shuttingDown bool

	// injectable for tests
	spawn SpawnFunc
	now   func() time.Time
	after func(d time.Duration, f func()) *time.Timer
}

// New wires an overlord. signer may be nil for a read-only session.
func New(cfg *config.Config, store *storage.Store, log *ops.Logger, status *ops.StatusQueue, signer Signer) *Overlord {
	o := &Overlord{
		cfg:     cfg,
		store:   store,
		log:     log.WithComponent("overlord"),
		status:  status,
		signer:  signer,
		inbox:   comms.NewInbox(),
		bus:     comms.NewBus(),
		minions: xsync.NewMapOf[string, *minionState](),
		now:     time.Now,
		after:   time.AfterFunc,
	}
	o.picker = picker.New(store, log)
	o.resolver = entities.NewResolver(store)
	o.spawn = o.spawnMinion
	return o
}

// Send queues a command for the overlord. Safe from any goroutine.
func (o *Overlord) Send(cmd comms.Command) bool {
	return o.inbox.Send(cmd)
}

// ConnectedRelays snapshots the current fleet for display.
func (o *Overlord) ConnectedRelays() []RelayActivity {
	var out []RelayActivity
	o.minions.Range(func(url string, st *minionState) bool {
		act := RelayActivity{URL: relay.URL(url), ConnectedSince: st.since}
		for _, job := range st.jobs {
			act.Jobs = append(act.Jobs, job.Reason)
		}
		out = append(out, act)
		return true
	})
	return out
}

// ConnectedRelayStatuses feeds the diagnostics collector.
func (o *Overlord) ConnectedRelayStatuses() []ops.RelayStatus {
	var out []ops.RelayStatus
	o.minions.Range(func(url string, st *minionState) bool {
		status := ops.RelayStatus{URL: url, ConnectedSince: st.since}
		for _, job := range st.jobs {
			status.Jobs = append(status.Jobs, job.Reason.String())
		}
		out = append(out, status)
		return true
	})
	return out
}

// ourPubkey is the configured identity, preferring the signer's.
func (o *Overlord) ourPubkey() string {
	if o.signer != nil {
		return o.signer.PubKey()
	}
	return o.cfg.Identity.Pubkey
}

// Run performs startup and serves commands until ctx ends or a ShutdownCmd
// completes. Minions get a grace period to close their sockets.
func (o *Overlord) Run(ctx context.Context) error {
	// Minions live on an internal context so that cancelling ctx begins a
	// graceful shutdown instead of tearing sockets down mid-frame.
	loopCtx, cancelAll := context.WithCancel(context.Background())
	defer cancelAll()
	o.loopCtx = loopCtx

	go func() {
		<-ctx.Done()
		o.inbox.Send(comms.ShutdownCmd{})
	}()

	if err := o.startup(); err != nil {
		return err
	}

	for {
		cmd, ok := o.inbox.Recv(loopCtx)
		if !ok {
			return nil
		}
		if done := o.handleCommand(cmd); done {
			return nil
		}
	}
}

// startup seeds configured relays, engages the standing subscriptions, and
// runs the first pick.
func (o *Overlord) startup() error {
	for _, raw := range o.cfg.Relays.Discover {
		url, err := relay.ParseURL(raw)
		if err != nil {
			o.log.Warn("skipping bad discover relay", "url", raw, "error", err)
			continue
		}
		rec, err := o.store.WriteRelayIfMissing(url)
		if err != nil {
			return err
		}
		if !rec.HasUsage(relay.UsageDiscover) {
			rec.SetUsage(relay.UsageDiscover|relay.UsageAdvertise, true)
			if err := o.store.WriteRelay(rec); err != nil {
				return err
			}
		}
	}

	if err := o.picker.Init(); err != nil {
		return fmt.Errorf("failed to initialize picker: %w", err)
	}

	if o.store.ReadSettingOffline() {
		o.log.Info("offline mode, not connecting to anything")
		return nil
	}

	// Keep our own relay list current, and go looking for the relay lists
	// of anyone the picker cannot place yet.
	discover := make([]string, 0, 8)
	if pk := o.ourPubkey(); pk != "" {
		discover = append(discover, pk)
	}
	if follows, err := o.store.FollowedPubkeys(); err == nil {
		for _, pubkey := range follows {
			if best, err := o.store.BestRelays(pubkey, relay.DirectionWrite); err == nil && len(best) == 0 {
				discover = append(discover, pubkey)
			}
		}
	}
	o.subscribeDiscover(discover, nil)

	if o.ourPubkey() != "" {
		o.subscribeMentions()
		o.subscribeConfig()
		o.subscribeDms()
	}

	o.pickRelays()
	return nil
}

func (o *Overlord) spawnMinion(ctx context.Context, url relay.URL, rec *relay.Record, payloads []comms.Payload) {
	deps := minion.Deps{
		Log:       o.log,
		Store:     o.store,
		Bus:       o.bus,
		Overlord:  o,
		Ingest:    &Ingester{Store: o.store, Log: o.log, Commands: o, OurPubkey: o.ourPubkey()},
		OurPubkey: o.ourPubkey(),
	}

	go func() {
		m, err := minion.New(url, rec, deps)
		if err == nil {
			err = m.Run(ctx, payloads)
		}
		o.inbox.Send(comms.MinionExited{URL: url, Err: err})
	}()
}

// engageMinion makes sure a minion serves url and hands it the given jobs.
// Already-connected relays get the payloads over the bus; otherwise a new
// minion starts with them.
func (o *Overlord) engageMinion(url relay.URL, jobs []comms.RelayJob) {
	if len(jobs) == 0 {
		return
	}
	if o.store.ReadSettingOffline() {
		o.log.Debug("offline, dropping jobs", "relay", url.String())
		return
	}
	if o.shuttingDown {
		return
	}

	if st, ok := o.minions.Load(url.String()); ok {
		st.jobs = append(st.jobs, jobs...)
		for _, job := range jobs {
			o.bus.Send(comms.ToMinion{Target: url.String(), Payload: job.Payload})
		}
		return
	}

	rec, err := o.store.WriteRelayIfMissing(url)
	if err != nil {
		o.log.Warn("failed to load relay record", "relay", url.String(), "error", err)
		return
	}
	if rec.Rank == 0 {
		o.log.Debug("relay is disabled by rank, not engaging", "relay", url.String())
		return
	}

	minionCtx, cancel := context.WithCancel(o.loopCtx)
	st := &minionState{jobs: jobs, since: o.now(), cancel: cancel}
	o.minions.Store(url.String(), st)
	o.picker.SetConnected(url, true)

	payloads := make([]comms.Payload, 0, len(jobs))
	for _, job := range jobs {
		payloads = append(payloads, job.Payload)
	}

	o.log.Info("engaging relay", "relay", url.String(), "jobs", len(jobs))
	o.spawn(minionCtx, url, rec, payloads)
}

// finishJob removes a completed job and disconnects the relay if nothing is
// left for it to do.
func (o *Overlord) finishJob(url relay.URL, jobID uint64) {
	st, ok := o.minions.Load(url.String())
	if !ok {
		return
	}

	kept := st.jobs[:0]
	for _, job := range st.jobs {
		if job.Payload.JobID == jobID {
			o.log.LogJobOutcome(url.String(), jobID, job.Reason.String())
			continue
		}
		kept = append(kept, job)
	}
	st.jobs = kept

	o.maybeDisconnect(url, st)
}

// updateJob folds a re-issued persistent job: the row holding oldID takes
// newID, and the duplicate row appended at engage time is dropped.
func (o *Overlord) updateJob(url relay.URL, oldID, newID uint64) {
	st, ok := o.minions.Load(url.String())
	if !ok {
		return
	}

	kept := st.jobs[:0]
	for _, job := range st.jobs {
		switch job.Payload.JobID {
		case newID:
			continue
		case oldID:
			job.Payload.JobID = newID
		}
		kept = append(kept, job)
	}
	st.jobs = kept
}

func (o *Overlord) maybeDisconnect(url relay.URL, st *minionState) {
	switch {
	case len(st.jobs) == 0:
	case len(st.jobs) == 1 && st.jobs[0].Reason == comms.ReasonFetchAugments:
		// Augments alone are not worth keeping a socket open.
	default:
		return
	}
	if a := o.picker.Assignment(url); a != nil && len(a.Pubkeys) > 0 {
		return
	}
	o.log.Debug("nothing left to do, disconnecting", "relay", url.String())
	o.bus.Send(comms.ToMinion{Target: url.String(), Payload: comms.Payload{Detail: comms.Shutdown{}}})
}

// handleMinionExit classifies the exit, excludes the relay accordingly, and
// schedules persistent jobs for re-engagement once the exclusion lapses.
func (o *Overlord) handleMinionExit(url relay.URL, exitErr error) {
	st, ok := o.minions.LoadAndDelete(url.String())
	if !ok {
		return
	}
	st.cancel()

	seconds := exclusionSeconds(exitErr)
	o.picker.MarkDisconnected(url, seconds)

	o.log.LogRelayConnection(url.String(), false, exitErr)
	if exitErr != nil {
		if err := o.store.BumpRelayFailure(url); err != nil {
			o.log.Warn("failed to bump failure count", "relay", url.String(), "error", err)
		}
		o.status.Write(fmt.Sprintf("relay %s failed: %v", url, exitErr))
	}

	if o.shuttingDown {
		if o.minions.Size() == 0 {
			o.inbox.Close()
		}
		return
	}

	var persistent []comms.RelayJob
	for _, job := range st.jobs {
		if job.Reason.Persistent() {
			persistent = append(persistent, job)
		}
	}
	if len(persistent) > 0 && seconds < maxExclusion {
		delay := time.Duration(seconds)*time.Second + reengageDelay
		o.after(delay, func() {
			o.inbox.Send(comms.ReengageMinion{URL: url, Jobs: persistent})
		})
	}

	// Someone else may be able to cover the dropped pubkeys right away.
	o.inbox.Send(comms.PickRelays{})
}

// exclusionSeconds maps an exit to how long the relay sits out.
func exclusionSeconds(exitErr error) int64 {
	if exitErr == nil {
		return 0
	}

	var exit *minion.ExitError
	if !errors.As(exitErr, &exit) {
		return 60
	}

	switch exit.Kind {
	case minion.ExitConnReset:
		return 30
	case minion.ExitRelayRejected:
		return 365 * 86400
	case minion.ExitHandshakeStatus:
		switch exit.HTTPStatus {
		case 301, 308, 401, 402, 403, 404, 407, 451, 501, 502:
			return 86400
		}
		if exit.HTTPStatus >= 400 {
			return 90
		}
		return 60
	}
	return 60
}

// pickRelays drives the picker until everyone is covered or it stalls, and
// engages the winners.
func (o *Overlord) pickRelays() {
	if o.store.ReadSettingOffline() || o.shuttingDown {
		return
	}

	if err := o.picker.RefreshScores(false); err != nil {
		o.log.Warn("failed to refresh relay scores", "error", err)
		return
	}

	for _, url := range o.picker.GarbageCollect() {
		if st, ok := o.minions.Load(url.String()); ok {
			kept := st.jobs[:0]
			for _, job := range st.jobs {
				if job.Reason != comms.ReasonFollow {
					kept = append(kept, job)
				}
			}
			st.jobs = kept
			o.maybeDisconnect(url, st)
		}
	}

	for {
		url, err := o.picker.Pick()
		if err != nil {
			switch {
			case errors.Is(err, picker.ErrNoPeopleLeft):
				o.log.Debug("relay coverage complete")
			case errors.Is(err, picker.ErrNoRelays), errors.Is(err, picker.ErrNoProgress):
				o.log.Debug("relay picking stalled", "reason", err)
			default:
				o.log.Warn("relay picking failed", "error", err)
			}
			o.log.LogPickerPass(o.picker.AssignmentCount(), o.picker.SeekingCount())
			return
		}

		assignment := o.picker.Assignment(url)
		if assignment == nil {
			continue
		}
		pubkeys := append([]string(nil), assignment.Pubkeys...)

		o.engageMinion(url, []comms.RelayJob{{
			Reason: comms.ReasonFollow,
			Payload: comms.Payload{
				JobID:  comms.NewJobID(),
				Detail: comms.SubscribeGeneralFeed{Pubkeys: pubkeys},
			},
		}})
	}
}

// beginShutdown broadcasts shutdown and nudges stragglers until the fleet
// drains. Returns true when the loop can exit immediately.
func (o *Overlord) beginShutdown() bool {
	if o.shuttingDown {
		return false
	}
	o.shuttingDown = true
	o.log.LogShutdown(fmt.Sprintf("draining %d minions", o.minions.Size()))

	if err := o.store.Sync(); err != nil {
		o.log.Warn("failed to sync storage", "error", err)
	}

	if o.minions.Size() == 0 {
		return true
	}

	o.bus.Send(comms.ToMinion{Target: comms.TargetAll, Payload: comms.Payload{Detail: comms.Shutdown{}}})
	o.after(shutdownNudge, o.nudgeShutdown)
	return false
}

// nudgeShutdown repeats the shutdown broadcast until every minion has
// reported its exit. Runs off-loop; only touches the bus, the fleet size,
// and the timer, all safe.
func (o *Overlord) nudgeShutdown() {
	if o.minions.Size() == 0 {
		return
	}
	o.bus.Send(comms.ToMinion{Target: comms.TargetAll, Payload: comms.Payload{Detail: comms.Shutdown{}}})
	o.after(shutdownNudge, o.nudgeShutdown)
}
