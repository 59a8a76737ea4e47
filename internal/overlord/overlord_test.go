package overlord

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/config"
	"github.com/sandwichfarm/hearsay/internal/minion"
	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/relay"
	"github.com/sandwichfarm/hearsay/internal/storage"
)

type spawnCall struct {
	url      relay.URL
	payloads []comms.Payload
}

type afterCall struct {
	delay time.Duration
	fn    func()
}

type testHarness struct {
	ovl    *Overlord
	store  *storage.Store
	spawns []spawnCall
	afters []afterCall
}

func newTestHarness(t *testing.T) *testHarness {
	t.Helper()

	store, err := storage.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := config.Default()
	log := ops.NewLoggerWithWriter(&config.Logging{Level: "error"}, io.Discard)
	ovl := New(cfg, store, log, ops.NewStatusQueue(64), nil)
	ovl.loopCtx = context.Background()
	ovl.now = func() time.Time { return time.Unix(1700000000, 0) }

	h := &testHarness{ovl: ovl, store: store}
	ovl.spawn = func(ctx context.Context, url relay.URL, rec *relay.Record, payloads []comms.Payload) {
		h.spawns = append(h.spawns, spawnCall{url: url, payloads: payloads})
	}
	ovl.after = func(d time.Duration, f func()) *time.Timer {
		h.afters = append(h.afters, afterCall{delay: d, fn: f})
		return nil
	}
	return h
}

func followJob(pubkeys ...string) comms.RelayJob {
	return comms.RelayJob{
		Reason: comms.ReasonFollow,
		Payload: comms.Payload{
			JobID:  comms.NewJobID(),
			Detail: comms.SubscribeGeneralFeed{Pubkeys: pubkeys},
		},
	}
}

func minionJobs(t *testing.T, o *Overlord, url relay.URL) []comms.RelayJob {
	t.Helper()
	st, ok := o.minions.Load(url.String())
	if !ok {
		t.Fatalf("no minion state for %s", url)
	}
	return st.jobs
}

var testRelay = relay.MustParseURL("wss://relay.example.com")

func TestEngageSpawnsNewMinion(t *testing.T) {
	h := newTestHarness(t)

	job := followJob("pk1")
	h.ovl.engageMinion(testRelay, []comms.RelayJob{job})

	if len(h.spawns) != 1 {
		t.Fatalf("expected 1 spawn, got %d", len(h.spawns))
	}
	if h.spawns[0].url != testRelay {
		t.Errorf("spawned wrong relay: %s", h.spawns[0].url)
	}
	if len(h.spawns[0].payloads) != 1 || h.spawns[0].payloads[0].JobID != job.Payload.JobID {
		t.Errorf("expected initial payload carried to the minion")
	}
	if got := minionJobs(t, h.ovl, testRelay); len(got) != 1 {
		t.Errorf("expected 1 tracked job, got %d", len(got))
	}
}

func TestEngageExistingMinionUsesBus(t *testing.T) {
	h := newTestHarness(t)
	ch, cancel := h.ovl.bus.Subscribe()
	defer cancel()

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})
	second := comms.RelayJob{
		Reason:  comms.ReasonFetchMentions,
		Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeMentions{}},
	}
	h.ovl.engageMinion(testRelay, []comms.RelayJob{second})

	if len(h.spawns) != 1 {
		t.Fatalf("expected no second spawn, got %d", len(h.spawns))
	}
	if got := minionJobs(t, h.ovl, testRelay); len(got) != 2 {
		t.Errorf("expected jobs appended, got %d", len(got))
	}

	select {
	case msg := <-ch:
		if !msg.Matches(testRelay.String()) || msg.Payload.JobID != second.Payload.JobID {
			t.Errorf("unexpected bus message: %+v", msg)
		}
	default:
		t.Error("expected the second job delivered over the bus")
	}
}

func TestEngageRefusesRankZero(t *testing.T) {
	h := newTestHarness(t)

	rec, _ := h.store.WriteRelayIfMissing(testRelay)
	rec.Rank = 0
	h.store.WriteRelay(rec)

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})
	if len(h.spawns) != 0 {
		t.Error("rank-0 relay must never be engaged")
	}
}

func TestEngageRefusesWhenOffline(t *testing.T) {
	h := newTestHarness(t)
	h.store.WriteSetting(storage.SettingOffline, "true")

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})
	if len(h.spawns) != 0 {
		t.Error("offline mode must not open connections")
	}
}

func TestFinishJobDisconnectsIdleMinion(t *testing.T) {
	h := newTestHarness(t)
	ch, cancel := h.ovl.bus.Subscribe()
	defer cancel()

	job := followJob("pk1")
	h.ovl.engageMinion(testRelay, []comms.RelayJob{job})
	h.ovl.finishJob(testRelay, job.Payload.JobID)

	if got := minionJobs(t, h.ovl, testRelay); len(got) != 0 {
		t.Fatalf("expected no jobs left, got %d", len(got))
	}

	// With no jobs and no assignment, the minion is told to shut down.
	select {
	case msg := <-ch:
		if _, ok := msg.Payload.Detail.(comms.Shutdown); !ok || !msg.Matches(testRelay.String()) {
			t.Errorf("expected targeted shutdown, got %+v", msg)
		}
	default:
		t.Error("expected a shutdown message for the idle minion")
	}
}

func TestAugmentsOnlyMinionDisconnects(t *testing.T) {
	h := newTestHarness(t)
	ch, cancel := h.ovl.bus.Subscribe()
	defer cancel()

	augments := comms.RelayJob{
		Reason:  comms.ReasonFetchAugments,
		Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.SubscribeAugments{IDs: []string{"ev1"}}},
	}
	h.ovl.engageMinion(testRelay, []comms.RelayJob{augments})

	// Some other job finishing leaves only the augments subscription, which
	// on its own does not justify keeping the socket open.
	h.ovl.finishJob(testRelay, comms.NewJobID())

	select {
	case msg := <-ch:
		if _, ok := msg.Payload.Detail.(comms.Shutdown); !ok || !msg.Matches(testRelay.String()) {
			t.Errorf("expected targeted shutdown, got %+v", msg)
		}
	default:
		t.Error("a minion holding only an augments job must be told to shut down")
	}
}

func TestDropRelayDoesNotReengage(t *testing.T) {
	h := newTestHarness(t)
	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})

	h.ovl.dropRelay(testRelay)
	h.ovl.handleMinionExit(testRelay, nil)

	if len(h.afters) != 0 {
		t.Error("a deliberately dropped relay must not be re-engaged")
	}
	rec, _ := h.store.ReadRelay(testRelay)
	if rec.Usage != 0 {
		t.Errorf("expected usage cleared, got %d", rec.Usage)
	}
}

func TestUpdateJobFoldsReissuedJob(t *testing.T) {
	h := newTestHarness(t)

	first := followJob("pk1")
	h.ovl.engageMinion(testRelay, []comms.RelayJob{first})

	// A second engage for the same reason appends a row; the minion answers
	// with MinionJobUpdated and the overlord folds the two rows back into one.
	second := followJob("pk1", "pk2")
	h.ovl.engageMinion(testRelay, []comms.RelayJob{second})
	h.ovl.updateJob(testRelay, first.Payload.JobID, second.Payload.JobID)

	jobs := minionJobs(t, h.ovl, testRelay)
	if len(jobs) != 1 {
		t.Fatalf("expected jobs folded to 1, got %d", len(jobs))
	}
	if jobs[0].Payload.JobID != second.Payload.JobID {
		t.Errorf("surviving row should carry the new job id")
	}
	if jobs[0].Reason != comms.ReasonFollow {
		t.Errorf("unexpected reason %s", jobs[0].Reason)
	}
}

func TestExclusionSeconds(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int64
	}{
		{"clean exit", nil, 0},
		{"plain error", errors.New("boom"), 60},
		{"generic exit", &minion.ExitError{Kind: minion.ExitGeneric}, 60},
		{"connection reset", &minion.ExitError{Kind: minion.ExitConnReset}, 30},
		{"relay rejected", &minion.ExitError{Kind: minion.ExitRelayRejected}, 365 * 86400},
		{"handshake 403", &minion.ExitError{Kind: minion.ExitHandshakeStatus, HTTPStatus: 403}, 86400},
		{"handshake 301", &minion.ExitError{Kind: minion.ExitHandshakeStatus, HTTPStatus: 301}, 86400},
		{"handshake 429", &minion.ExitError{Kind: minion.ExitHandshakeStatus, HTTPStatus: 429}, 90},
		{"handshake 302", &minion.ExitError{Kind: minion.ExitHandshakeStatus, HTTPStatus: 302}, 60},
		{"wrapped exit error", &minion.ExitError{Kind: minion.ExitConnReset, Err: errors.New("eof")}, 30},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := exclusionSeconds(tt.err); got != tt.want {
				t.Errorf("exclusionSeconds = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestMinionExitReengagesPersistentJobs(t *testing.T) {
	h := newTestHarness(t)

	persistent := followJob("pk1")
	ephemeral := comms.RelayJob{
		Reason:  comms.ReasonFetchEvent,
		Payload: comms.Payload{JobID: comms.NewJobID(), Detail: comms.FetchEvent{ID: "ev1"}},
	}
	h.ovl.engageMinion(testRelay, []comms.RelayJob{persistent, ephemeral})

	h.ovl.handleMinionExit(testRelay, &minion.ExitError{Kind: minion.ExitConnReset})

	if _, ok := h.ovl.minions.Load(testRelay.String()); ok {
		t.Error("expected minion state removed")
	}

	if len(h.afters) != 1 {
		t.Fatalf("expected 1 scheduled re-engage, got %d", len(h.afters))
	}
	wantDelay := 30*time.Second + reengageDelay
	if h.afters[0].delay != wantDelay {
		t.Errorf("expected delay %v, got %v", wantDelay, h.afters[0].delay)
	}

	// Firing the timer queues a ReengageMinion carrying only the
	// persistent jobs.
	h.afters[0].fn()
	drainPick := func() comms.Command {
		cmd, ok := h.ovl.inbox.Recv(context.Background())
		if !ok {
			t.Fatal("inbox unexpectedly closed")
		}
		return cmd
	}
	cmd := drainPick()
	if _, ok := cmd.(comms.PickRelays); !ok {
		t.Fatalf("expected PickRelays first, got %#v", cmd)
	}
	cmd = drainPick()
	re, ok := cmd.(comms.ReengageMinion)
	if !ok {
		t.Fatalf("expected ReengageMinion, got %#v", cmd)
	}
	if re.URL != testRelay || len(re.Jobs) != 1 || re.Jobs[0].Reason != comms.ReasonFollow {
		t.Errorf("unexpected re-engage: %+v", re)
	}

	// Failures count against the relay record.
	rec, _ := h.store.ReadRelay(testRelay)
	if rec.FailureCount != 1 {
		t.Errorf("expected failure bumped, got %d", rec.FailureCount)
	}
}

func TestMinionExitSkipsReengageOnLongExclusion(t *testing.T) {
	h := newTestHarness(t)

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})
	h.ovl.handleMinionExit(testRelay, &minion.ExitError{Kind: minion.ExitRelayRejected})

	if len(h.afters) != 0 {
		t.Error("rejected relays must not be retried")
	}
}

func TestMinionExitCleanNoFailureBump(t *testing.T) {
	h := newTestHarness(t)

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})
	h.ovl.handleMinionExit(testRelay, nil)

	rec, _ := h.store.ReadRelay(testRelay)
	if rec.FailureCount != 0 {
		t.Errorf("clean exits must not count as failures, got %d", rec.FailureCount)
	}
	// Persistent jobs still come back, immediately past the zero exclusion.
	if len(h.afters) != 1 || h.afters[0].delay != reengageDelay {
		t.Errorf("expected prompt re-engage, got %+v", h.afters)
	}
}

func TestPickRelaysEngagesWinners(t *testing.T) {
	h := newTestHarness(t)

	h.store.Follow("pk1")
	h.store.WriteRelayIfMissing(testRelay)
	h.store.SetPersonRelayScore("pk1", testRelay, 0, 20)
	if err := h.ovl.picker.Init(); err != nil {
		t.Fatal(err)
	}

	h.ovl.pickRelays()

	if len(h.spawns) != 1 {
		t.Fatalf("expected 1 relay engaged, got %d", len(h.spawns))
	}
	feed, ok := h.spawns[0].payloads[0].Detail.(comms.SubscribeGeneralFeed)
	if !ok {
		t.Fatalf("expected a general feed payload, got %#v", h.spawns[0].payloads[0].Detail)
	}
	if len(feed.Pubkeys) != 1 || feed.Pubkeys[0] != "pk1" {
		t.Errorf("expected pk1 assigned, got %v", feed.Pubkeys)
	}
}

func TestShutdownLifecycle(t *testing.T) {
	h := newTestHarness(t)
	ch, cancel := h.ovl.bus.Subscribe()
	defer cancel()

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})

	if exit := h.ovl.handleCommand(comms.ShutdownCmd{}); exit {
		t.Fatal("loop must wait for the fleet to drain")
	}

	select {
	case msg := <-ch:
		if _, ok := msg.Payload.Detail.(comms.Shutdown); !ok || msg.Target != comms.TargetAll {
			t.Errorf("expected broadcast shutdown, got %+v", msg)
		}
	default:
		t.Fatal("expected a shutdown broadcast")
	}
	if len(h.afters) != 1 || h.afters[0].delay != shutdownNudge {
		t.Errorf("expected a nudge timer, got %+v", h.afters)
	}

	// While shutting down no new work is accepted.
	other := relay.MustParseURL("wss://other.example.com")
	h.ovl.engageMinion(other, []comms.RelayJob{followJob("pk2")})
	if len(h.spawns) != 1 {
		t.Error("engage during shutdown must be refused")
	}

	// The last minion exiting ends the loop.
	if exit := h.ovl.handleCommand(comms.MinionExited{URL: testRelay, Err: nil}); !exit {
		t.Error("expected loop exit once the fleet is empty")
	}
}

func TestShutdownNudgeRepeatsUntilFleetDrains(t *testing.T) {
	h := newTestHarness(t)
	ch, cancel := h.ovl.bus.Subscribe()
	defer cancel()

	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})
	h.ovl.handleCommand(comms.ShutdownCmd{})
	<-ch // initial broadcast

	if len(h.afters) != 1 {
		t.Fatalf("expected a nudge timer, got %d", len(h.afters))
	}

	// A straggling minion is nudged again and the timer is re-armed.
	h.afters[0].fn()
	select {
	case msg := <-ch:
		if _, ok := msg.Payload.Detail.(comms.Shutdown); !ok {
			t.Errorf("expected a repeated shutdown broadcast, got %+v", msg)
		}
	default:
		t.Fatal("expected a repeated shutdown broadcast")
	}
	if len(h.afters) != 2 {
		t.Fatalf("expected the nudge re-armed, got %d timers", len(h.afters))
	}
	if !h.ovl.inbox.Send(comms.PickRelays{}) {
		t.Error("the inbox must stay open while minions are still live")
	}

	// Once the fleet drains, the next nudge does nothing.
	h.ovl.handleCommand(comms.MinionExited{URL: testRelay, Err: nil})
	h.afters[1].fn()
	if len(h.afters) != 2 {
		t.Error("expected no further nudges after the fleet drained")
	}
}

func TestShutdownWithEmptyFleetExitsImmediately(t *testing.T) {
	h := newTestHarness(t)
	if exit := h.ovl.handleCommand(comms.ShutdownCmd{}); !exit {
		t.Error("expected immediate exit with no minions")
	}
}

func TestConnectedRelaysSnapshot(t *testing.T) {
	h := newTestHarness(t)
	h.ovl.engageMinion(testRelay, []comms.RelayJob{followJob("pk1")})

	relays := h.ovl.ConnectedRelays()
	if len(relays) != 1 {
		t.Fatalf("expected 1 connected relay, got %d", len(relays))
	}
	if relays[0].URL != testRelay || len(relays[0].Jobs) != 1 || relays[0].Jobs[0] != comms.ReasonFollow {
		t.Errorf("unexpected snapshot: %+v", relays[0])
	}

	statuses := h.ovl.ConnectedRelayStatuses()
	if len(statuses) != 1 || statuses[0].Jobs[0] != comms.ReasonFollow.String() {
		t.Errorf("unexpected status snapshot: %+v", statuses)
	}
}
