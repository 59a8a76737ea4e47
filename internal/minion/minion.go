// Package minion runs one worker per connected relay. A minion owns the
// websocket, multiplexes every logical subscription the overlord asks for
// over it, and reports job outcomes back through the overlord inbox.
package minion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/coder/websocket"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/hearsay/internal/comms"
	"github.com/sandwichfarm/hearsay/internal/ops"
	"github.com/sandwichfarm/hearsay/internal/relay"
)

const (
	handshakeTimeout   = 15 * time.Second
	keepaliveInterval  = 55 * time.Second
	maxFrameSize       = 16 * 1024 * 1024
	writeTimeout       = 30 * time.Second
	requestedCacheSize = 4096
)

// Overlord is where the minion reports job outcomes.
type Overlord interface {
	Send(cmd comms.Command) bool
}

// EventSink receives events from the relay for the ingest pipeline.
type EventSink interface {
	Consume(url relay.URL, ev *nostr.Event)
}

// Store is the slice of the storage surface a minion touches.
type Store interface {
	BumpRelaySuccess(url relay.URL, at time.Time) error
	ReadSettingOverlap() int64
	ReadSettingFeedChunk() int64
}

// Deps are the injected collaborators of a minion.
type Deps struct {
	Log       *ops.Logger
	Store     Store
	Bus       *comms.Bus
	Overlord  Overlord
	Ingest    EventSink
	OurPubkey string
}

// Minion is the per-relay worker task.
type Minion struct {
	url    relay.URL
	record *relay.Record
	deps   Deps
	log    *ops.Logger

	conn *websocket.Conn
	info *InfoDocument
	subs *Subscriptions

	// subJobs maps subscription handles to the job id currently credited
	// with them; postedJobs maps posted event ids to the job that sent
	// them, for OK correlation.
	subJobs    map[string]uint64
	postedJobs map[string]uint64

	// requested coalesces FetchEvent: an id asked for once on this
	// connection is not asked for again.
	requested *lru.Cache[string, struct{}]

	tempEventsCounter int

	// injectable for tests
	now func() time.Time
}

// New validates the URL and prepares a worker. The relay record must
// already exist; the overlord guarantees that before spawning.
func New(url relay.URL, record *relay.Record, deps Deps) (*Minion, error) {
	if _, err := relay.ParseURL(url.String()); err != nil {
		return nil, err
	}

	requested, err := lru.New[string, struct{}](requestedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create request cache: %w", err)
	}

	return &Minion{
		url:        url,
		record:     record,
		deps:       deps,
		log:        deps.Log.WithComponent("minion").WithRelay(url.String()),
		subs:       NewSubscriptions(),
		subJobs:    make(map[string]uint64),
		postedJobs: make(map[string]uint64),
		requested:  requested,
		now:        time.Now,
	}, nil
}

type frame struct {
	data []byte
	err  error
}

// Run connects and serves until shutdown or a fatal error. The returned
// error, if any, is an *ExitError the overlord classifies for backoff.
func (m *Minion) Run(ctx context.Context, initial []comms.Payload) error {
	inbox, cancelSub := m.deps.Bus.Subscribe()
	defer cancelSub()

	// The information document is best-effort.
	if doc, err := fetchInfoDocument(ctx, m.url); err == nil {
		m.info = doc
		m.log.Debug("relay info", "software", doc.Software, "version", doc.Version)
	} else {
		m.log.Debug("no relay info document", "error", err)
	}

	dialCtx, cancelDial := context.WithTimeout(ctx, handshakeTimeout)
	conn, resp, err := websocket.Dial(dialCtx, m.url.String(), nil)
	cancelDial()
	if err != nil {
		if resp != nil && resp.StatusCode >= 300 {
			return &ExitError{Kind: ExitHandshakeStatus, HTTPStatus: resp.StatusCode, Err: err}
		}
		return &ExitError{Kind: ExitGeneric, Err: err}
	}
	conn.SetReadLimit(maxFrameSize)
	m.conn = conn
	defer conn.Close(websocket.StatusNormalClosure, "")

	m.deps.Log.WithComponent("minion").LogRelayConnection(m.url.String(), true, nil)
	if err := m.deps.Store.BumpRelaySuccess(m.url, m.now()); err != nil {
		m.log.Warn("failed to bump success count", "error", err)
	}

	for _, payload := range initial {
		keep, err := m.handlePayload(ctx, payload)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}

	frames := make(chan frame)
	readCtx, stopRead := context.WithCancel(ctx)
	defer stopRead()
	go m.readLoop(readCtx, frames)

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := m.conn.Ping(pingCtx)
			cancel()
			if err != nil {
				return &ExitError{Kind: ExitGeneric, Err: fmt.Errorf("keepalive failed: %w", err)}
			}

		case fr := <-frames:
			if fr.err != nil {
				return m.classifyReadError(fr.err)
			}
			if err := m.handleRelayMessage(ctx, fr.data); err != nil {
				var exit *ExitError
				if errors.As(err, &exit) {
					return exit
				}
				// Non-fatal protocol trouble: log and keep going.
				m.log.Warn("bad relay message", "error", err)
			}

		case msg, ok := <-inbox:
			if !ok {
				return nil
			}
			if !msg.Matches(m.url.String()) {
				continue
			}
			keep, err := m.handlePayload(ctx, msg.Payload)
			if err != nil {
				m.log.Warn("payload failed", "error", err)
				continue
			}
			if !keep {
				return nil
			}
		}
	}
}

func (m *Minion) readLoop(ctx context.Context, frames chan<- frame) {
	for {
		typ, data, err := m.conn.Read(ctx)
		if err != nil {
			select {
			case frames <- frame{err: err}:
			case <-ctx.Done():
			}
			return
		}
		if typ != websocket.MessageText {
			m.log.Warn("unexpected binary message")
			continue
		}
		select {
		case frames <- frame{data: data}:
		case <-ctx.Done():
			return
		}
	}
}

func (m *Minion) classifyReadError(err error) error {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway:
		return nil
	case -1:
		// not a close frame
	default:
		return &ExitError{Kind: ExitGeneric, Err: err}
	}

	if errors.Is(err, context.Canceled) {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &ExitError{Kind: ExitConnReset, Err: err}
	}
	return &ExitError{Kind: ExitGeneric, Err: err}
}

func (m *Minion) sendEnvelope(ctx context.Context, env nostr.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to marshal envelope: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := m.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	return nil
}

// handleRelayMessage dispatches one inbound text frame.
func (m *Minion) handleRelayMessage(ctx context.Context, data []byte) error {
	env := nostr.ParseMessage(string(data))
	if env == nil {
		return fmt.Errorf("unparseable frame: %.80s", string(data))
	}

	switch env := env.(type) {
	case *nostr.EventEnvelope:
		if env.SubscriptionID == nil {
			return fmt.Errorf("event frame without subscription id")
		}
		sub := m.subs.ByID(*env.SubscriptionID)
		if sub == nil {
			m.log.Debug("event for unknown subscription", "sub", *env.SubscriptionID)
			return nil
		}
		if m.deps.Ingest != nil {
			m.deps.Ingest.Consume(m.url, &env.Event)
		}

	case *nostr.EOSEEnvelope:
		m.handleEOSE(ctx, string(*env))

	case *nostr.OKEnvelope:
		if jobID, ok := m.postedJobs[env.EventID]; ok {
			delete(m.postedJobs, env.EventID)
			m.deps.Overlord.Send(comms.MinionJobComplete{URL: m.url, JobID: jobID})
		}
		if !env.OK {
			m.log.Warn("event rejected", "id", env.EventID, "reason", env.Reason)
			if strings.HasPrefix(env.Reason, "restricted:") || strings.HasPrefix(env.Reason, "blocked:") {
				return &ExitError{Kind: ExitRelayRejected, Err: fmt.Errorf("relay rejected event: %s", env.Reason)}
			}
		}

	case *nostr.NoticeEnvelope:
		m.log.Info("relay notice", "text", string(*env))

	case *nostr.AuthEnvelope:
		// We cannot answer a challenge yet; treat it as a retryable
		// refusal so the overlord backs off.
		return &ExitError{Kind: ExitGeneric, Err: fmt.Errorf("auth challenge before ready")}

	case *nostr.ClosedEnvelope:
		if handle, ok := m.subs.HandleByID(string(env.SubscriptionID)); ok {
			m.log.Warn("subscription closed by relay", "handle", handle, "reason", env.Reason)
			m.finishSubscriptionJob(handle)
			m.subs.Remove(handle)
		}

	default:
		m.log.Debug("ignoring frame", "type", env.Label())
	}

	return nil
}

func (m *Minion) handleEOSE(ctx context.Context, subID string) {
	handle, ok := m.subs.HandleByID(subID)
	if !ok {
		return
	}
	sub := m.subs.Get(handle)
	sub.EOSE = true

	// One-shot subscriptions are closed as soon as the backlog drains.
	if strings.HasPrefix(handle, "temp_") {
		if err := m.sendEnvelope(ctx, sub.CloseEnvelope()); err != nil {
			m.log.Warn("failed to close subscription", "handle", handle, "error", err)
		}
		m.finishSubscriptionJob(handle)
		m.subs.Remove(handle)
	}
}

// finishSubscriptionJob reports completion of the job credited with handle.
func (m *Minion) finishSubscriptionJob(handle string) {
	if jobID, ok := m.subJobs[handle]; ok {
		delete(m.subJobs, handle)
		m.deps.Overlord.Send(comms.MinionJobComplete{URL: m.url, JobID: jobID})
	}
}

// subscribe installs or replaces the subscription for handle and keeps the
// overlord's job table in sync: replacing a handle supersedes the job that
// previously owned it.
func (m *Minion) subscribe(ctx context.Context, handle string, filters nostr.Filters, jobID uint64) error {
	sub, replaced := m.subs.Add(handle, filters)
	if err := m.sendEnvelope(ctx, sub.ReqEnvelope()); err != nil {
		return err
	}

	if old, ok := m.subJobs[handle]; ok && replaced && jobID != 0 && old != jobID {
		m.deps.Overlord.Send(comms.MinionJobUpdated{URL: m.url, OldJobID: old, NewJobID: jobID})
	}
	if jobID != 0 {
		m.subJobs[handle] = jobID
	}
	return nil
}

func (m *Minion) unsubscribe(ctx context.Context, handle string) error {
	sub := m.subs.Get(handle)
	if sub == nil {
		return nil
	}
	if err := m.sendEnvelope(ctx, sub.CloseEnvelope()); err != nil {
		return err
	}
	delete(m.subJobs, handle)
	m.subs.Remove(handle)
	return nil
}

// handlePayload executes one payload from the overlord. The bool is false
// when the minion should exit.
func (m *Minion) handlePayload(ctx context.Context, payload comms.Payload) (bool, error) {
	switch detail := payload.Detail.(type) {
	case comms.Shutdown:
		m.log.Info("shutting down")
		return false, nil

	case comms.SubscribeGeneralFeed:
		feedSince, specialSince := feedSinces(
			m.record.LastSuccessAt,
			m.deps.Store.ReadSettingOverlap(),
			m.deps.Store.ReadSettingFeedChunk(),
			m.now(),
		)
		filters := generalFeedFilters(detail.Pubkeys, m.deps.OurPubkey, feedSince, specialSince)
		if len(filters) == 0 {
			return true, m.unsubscribe(ctx, "general_feed")
		}
		return true, m.subscribe(ctx, "general_feed", filters, payload.JobID)

	case comms.SubscribeMentions:
		if m.deps.OurPubkey == "" {
			return true, nil
		}
		_, specialSince := feedSinces(
			m.record.LastSuccessAt,
			m.deps.Store.ReadSettingOverlap(),
			m.deps.Store.ReadSettingFeedChunk(),
			m.now(),
		)
		filters := nostr.Filters{mentionsFilter(m.deps.OurPubkey, specialSince)}
		return true, m.subscribe(ctx, "mentions", filters, payload.JobID)

	case comms.SubscribeOutbox:
		if m.deps.OurPubkey == "" {
			return true, nil
		}
		filters := nostr.Filters{outboxFilter(m.deps.OurPubkey)}
		return true, m.subscribe(ctx, "outbox", filters, payload.JobID)

	case comms.SubscribeDiscover:
		if len(detail.Pubkeys) == 0 {
			return true, nil
		}
		filters := nostr.Filters{discoverFilter(detail.Pubkeys)}
		return true, m.subscribe(ctx, "discover", filters, payload.JobID)

	case comms.SubscribeThreadFeed:
		filters := threadFilters(detail.Root, detail.Ancestors, m.deps.Store.ReadSettingFeedChunk(), m.now())
		return true, m.subscribe(ctx, "thread_feed", filters, payload.JobID)

	case comms.UnsubscribeThreadFeed:
		return true, m.unsubscribe(ctx, "thread_feed")

	case comms.SubscribeDmChannel:
		if m.deps.OurPubkey == "" {
			return true, nil
		}
		handle := "dm_channel_" + shortKey(detail.Channel)
		filters := dmFilters(detail.Channel, m.deps.OurPubkey)
		return true, m.subscribe(ctx, handle, filters, payload.JobID)

	case comms.SubscribeAugments:
		if len(detail.IDs) == 0 {
			return true, nil
		}
		filters := nostr.Filters{augmentsFilter(detail.IDs)}
		return true, m.subscribe(ctx, "augments", filters, payload.JobID)

	case comms.TempSubscribeMetadata:
		if len(detail.Pubkeys) == 0 {
			return true, nil
		}
		handle := "temp_metadata_" + shortKey(detail.Pubkeys[0])
		return true, m.subscribe(ctx, handle, metadataFilters(detail.Pubkeys), payload.JobID)

	case comms.FetchEvent:
		if _, seen := m.requested.Get(detail.ID); seen {
			// Already asked this relay; complete immediately.
			m.finishJobID(payload.JobID)
			return true, nil
		}
		m.requested.Add(detail.ID, struct{}{})
		handle := m.nextTempEventsHandle()
		return true, m.subscribe(ctx, handle, nostr.Filters{fetchEventFilter(detail.ID)}, payload.JobID)

	case comms.FetchEventAddr:
		handle := m.nextTempEventsHandle()
		filters := nostr.Filters{fetchEventAddrFilter(detail.Kind, detail.Pubkey, detail.DTag)}
		return true, m.subscribe(ctx, handle, filters, payload.JobID)

	case comms.PostEvent:
		if detail.Event == nil {
			return true, nil
		}
		env := nostr.EventEnvelope{Event: *detail.Event}
		if err := m.sendEnvelope(ctx, &env); err != nil {
			return true, err
		}
		if payload.JobID != 0 {
			m.postedJobs[detail.Event.ID] = payload.JobID
		}
		m.log.Info("posted event", "id", detail.Event.ID)
		return true, nil

	default:
		m.log.Warn("unhandled payload", "detail", fmt.Sprintf("%T", payload.Detail))
		return true, nil
	}
}

func (m *Minion) finishJobID(jobID uint64) {
	if jobID != 0 {
		m.deps.Overlord.Send(comms.MinionJobComplete{URL: m.url, JobID: jobID})
	}
}

func (m *Minion) nextTempEventsHandle() string {
	handle := fmt.Sprintf("temp_events_%d", m.tempEventsCounter)
	m.tempEventsCounter++
	return handle
}

func shortKey(hexKey string) string {
	if len(hexKey) > 8 {
		return hexKey[:8]
	}
	return hexKey
}
