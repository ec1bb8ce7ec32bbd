// Package collab binds a text document replica and its awareness state
// to a relay transport, and keeps both convergent with remote peers
// across disconnects. One Session exists per active editor instance; all
// of its handlers (local edits, inbound frames, timers) are serialized
// onto a single event loop goroutine.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"

	"github.com/astromechza/automerge-collab/pkg/awareness"
	"github.com/astromechza/automerge-collab/pkg/textdoc"
	"github.com/astromechza/automerge-collab/pkg/wire"
)

const (
	defaultReconnectBase    = 2 * time.Second
	defaultReconnectCap     = 30 * time.Second
	defaultMaxReconnects    = 5
	defaultSnapshotDebounce = 300 * time.Millisecond
)

// defaultPalette matches the colors the original editor hands out.
var defaultPalette = []string{
	"#F87171", "#34D399", "#60A5FA", "#FBBF24",
	"#A78BFA", "#F472B6", "#4ADE80", "#22D3EE",
}

// Config carries the session parameters. The zero value is usable: every
// field has a default.
type Config struct {
	// Endpoint is the relay base URL, e.g. wss://host/ws.
	Endpoint string

	// Name and Color are advertised to peers via awareness.
	Name  string
	Color string

	// Reconnect schedule: delay = min(Base * 2^(attempt-1), Cap), up to
	// MaxAttempts consecutive failures before the failed phase.
	ReconnectBase        time.Duration
	ReconnectCap         time.Duration
	MaxReconnectAttempts int

	// SnapshotDebounce is the quiet window after the last document
	// mutation before a full snapshot is pushed as a resync safety net.
	SnapshotDebounce time.Duration

	// AwarenessTimeout evicts peers whose records were not refreshed in
	// time. Zero disables expiry.
	AwarenessTimeout time.Duration

	Dial   DialFunc
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Name == "" {
		c.Name = fmt.Sprintf("user-%d", rand.Intn(1000))
	}
	if c.Color == "" {
		c.Color = defaultPalette[rand.Intn(len(defaultPalette))]
	}
	if c.ReconnectBase <= 0 {
		c.ReconnectBase = defaultReconnectBase
	}
	if c.ReconnectCap <= 0 {
		c.ReconnectCap = defaultReconnectCap
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = defaultMaxReconnects
	}
	if c.SnapshotDebounce <= 0 {
		c.SnapshotDebounce = defaultSnapshotDebounce
	}
	if c.Dial == nil {
		c.Dial = DialWebsocket
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// Session orchestrates the connect/reconnect lifecycle for one document
// at a time. Exactly one document and one awareness instance are bound
// to it between Connect calls; switching documents discards and
// recreates both.
type Session struct {
	cfg Config
	log *slog.Logger

	cmds chan func()
	done chan struct{}

	// Everything below is owned by the event loop goroutine.
	docID     string
	phase     Status
	doc       *textdoc.Document
	aware     *awareness.Awareness
	transport Transport

	// epoch invalidates timers, dials and read pumps that belong to a
	// torn-down document binding; a stale callback must never touch a
	// replacement instance.
	epoch          int
	attempt        int
	retrySchedule  *backoff.ExponentialBackOff
	reconnectTimer *time.Timer
	snapshotTimer  *time.Timer

	textObs     []func(string)
	statusObs   []func(Status)
	presenceObs []func([]Peer)
	lastText    string
	lastPeers   []Peer
}

// New starts a session event loop. The session is idle (disconnected)
// until Connect is called.
func New(cfg Config) *Session {
	s := &Session{
		cfg:   cfg.withDefaults(),
		cmds:  make(chan func(), 128),
		done:  make(chan struct{}),
		phase: StatusDisconnected,
	}
	s.log = s.cfg.Logger
	go s.run()
	return s
}

func (s *Session) run() {
	for {
		select {
		case fn := <-s.cmds:
			fn()
		case <-s.done:
			return
		}
	}
}

// post hands a closure to the event loop. After Close it is a no-op.
func (s *Session) post(fn func()) {
	select {
	case s.cmds <- fn:
	case <-s.done:
	}
}

// Connect binds the session to docID and starts connecting. Calling it
// again while already connecting to the same document is a no-op; any
// other call tears down the previous document, transport and timers
// first. It also resets the attempt counter, so it is the explicit way
// out of the failed phase.
func (s *Session) Connect(docID string) {
	s.ConnectWithSnapshot(docID, nil)
}

// ConnectWithSnapshot is Connect seeded with a previously persisted
// snapshot. A snapshot that fails to load degrades to an empty document:
// the session still connects rather than stranding the user.
func (s *Session) ConnectWithSnapshot(docID string, snapshot []byte) {
	s.post(func() {
		if s.docID == docID && s.phase == StatusConnecting {
			return
		}
		s.teardown()
		s.docID = docID
		s.installDoc(snapshot)
		s.setStatus(StatusConnecting)
		// Show the fresh document before any remote state lands so the
		// previous document's content never flashes through.
		s.emitText()
		s.emitPresence()
		s.dial()
	})
}

// ResetDocument discards the current binding entirely: timers cancelled,
// transport closed, document and awareness instances dropped. The
// session returns to the disconnected phase with empty text.
func (s *Session) ResetDocument() {
	s.post(func() {
		s.teardown()
		s.docID = ""
		s.doc = nil
		s.aware = nil
		s.setStatus(StatusDisconnected)
		s.emitRawText("")
		s.emitRawPeers(nil)
	})
}

// Close shuts the session down permanently.
func (s *Session) Close() {
	s.post(func() {
		s.teardown()
		s.setStatus(StatusDisconnected)
		close(s.done)
	})
}

// UpdateLocalText replaces the document text with next as a local edit.
// The resulting delta is broadcast before text observers are notified
// (write-through). Passing the current text is a no-op.
func (s *Session) UpdateLocalText(next string) {
	s.post(func() {
		if s.doc == nil {
			return
		}
		if _, err := s.doc.ReplaceText(next); err != nil {
			s.log.Error("failed to apply local edit", "err", err)
		}
	})
}

// SetLocalCursor publishes the local caret/selection as absolute rune
// offsets in the current text.
func (s *Session) SetLocalCursor(anchor, head int) {
	s.post(func() {
		if s.doc == nil || s.aware == nil {
			return
		}
		st, _ := s.aware.Local()
		st.Cursor = awareness.Cursor{
			Anchor: s.doc.PositionAt(anchor),
			Head:   s.doc.PositionAt(head),
		}
		s.aware.SetLocal(st)
	})
}

// ClearLocalCursor withdraws the local selection from presence.
func (s *Session) ClearLocalCursor() {
	s.post(func() {
		if s.aware == nil {
			return
		}
		st, _ := s.aware.Local()
		st.Cursor = awareness.Cursor{}
		s.aware.SetLocal(st)
	})
}

// Snapshot returns the full serialized document state, or nil when no
// document is bound. The result can be persisted and later passed to
// ConnectWithSnapshot.
func (s *Session) Snapshot() []byte {
	reply := make(chan []byte, 1)
	s.post(func() {
		if s.doc == nil {
			reply <- nil
			return
		}
		reply <- s.doc.EncodeFullState()
	})
	select {
	case raw := <-reply:
		return raw
	case <-s.done:
		return nil
	}
}

// OnText subscribes to text changes; the current value is delivered
// immediately. Observers run on the event loop and must not block.
func (s *Session) OnText(fn func(string)) {
	s.post(func() {
		s.textObs = append(s.textObs, fn)
		fn(s.lastText)
	})
}

// OnStatus subscribes to connection phase changes.
func (s *Session) OnStatus(fn func(Status)) {
	s.post(func() {
		s.statusObs = append(s.statusObs, fn)
		fn(s.phase)
	})
}

// OnPresence subscribes to peer list changes.
func (s *Session) OnPresence(fn func([]Peer)) {
	s.post(func() {
		s.presenceObs = append(s.presenceObs, fn)
		fn(s.lastPeers)
	})
}

// ---- event loop internals ----

func (s *Session) installDoc(snapshot []byte) {
	if len(snapshot) > 0 {
		doc, err := textdoc.Load(snapshot)
		if err != nil {
			s.log.Warn("failed to load snapshot, starting empty", "doc", s.docID, "err", err)
			doc = textdoc.New()
		}
		s.doc = doc
	} else {
		s.doc = textdoc.New()
	}

	s.doc.OnUpdate(func(update []byte, remote bool) {
		if !remote && len(update) > 0 {
			// Write-through: broadcast before observers see the text.
			s.sendFrame(wire.KindUpdate, update)
		}
		s.emitText()
		s.emitPresence()
		s.scheduleSnapshot()
	})

	s.aware = awareness.New(s.doc.ClientID(), s.cfg.AwarenessTimeout)
	s.aware.OnChange(func(changed []string, origin awareness.Origin) {
		if origin == awareness.OriginLocal {
			// Remote-origin deltas are never re-broadcast: no feedback loop.
			if raw, err := s.aware.EncodeDelta(changed); err != nil {
				s.log.Error("failed to encode awareness delta", "err", err)
			} else {
				s.sendFrame(wire.KindAwareness, raw)
			}
		}
		s.emitPresence()
	})
	s.aware.SetLocal(awareness.State{Name: s.cfg.Name, Color: s.cfg.Color})

	s.attempt = 0
	s.retrySchedule = newRetrySchedule(s.cfg.ReconnectBase, s.cfg.ReconnectCap)
}

// teardown cancels the pending timers, invalidates in-flight callbacks
// and closes the transport. Timer cancellation happens before the old
// instances are discarded: a stale timer must never mutate or re-arm a
// replaced document.
func (s *Session) teardown() {
	s.epoch++
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	if s.snapshotTimer != nil {
		s.snapshotTimer.Stop()
		s.snapshotTimer = nil
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
}

func (s *Session) dial() {
	epoch := s.epoch
	docID := s.docID
	go func() {
		t, err := s.cfg.Dial(context.Background(), s.cfg.Endpoint, docID)
		s.post(func() { s.dialDone(epoch, t, err) })
	}()
}

func (s *Session) dialDone(epoch int, t Transport, err error) {
	if epoch != s.epoch {
		if t != nil {
			_ = t.Close()
		}
		return
	}
	if err != nil {
		s.log.Warn("failed to connect", "doc", s.docID, "err", err)
		s.scheduleReconnect()
		return
	}

	s.transport = t
	s.setStatus(StatusConnected)
	s.attempt = 0
	s.retrySchedule.Reset()

	// Document-state intent before presence: sync request first, then the
	// local awareness advertisement.
	s.sendFrame(wire.KindSyncRequest, nil)
	if raw, err := s.aware.EncodeDelta([]string{s.aware.ClientID()}); err != nil {
		s.log.Error("failed to encode awareness delta", "err", err)
	} else {
		s.sendFrame(wire.KindAwareness, raw)
	}

	// One snapshot push per (re)connect: edits made while disconnected
	// never left this replica, and the peers' sync requests may have
	// crossed the wire before we were listening.
	s.scheduleSnapshot()

	go s.readPump(epoch, t)
}

func (s *Session) readPump(epoch int, t Transport) {
	for {
		frame, err := t.ReadMessage()
		if err != nil {
			s.post(func() { s.transportClosed(epoch) })
			return
		}
		f := frame
		s.post(func() { s.handleFrame(epoch, f) })
	}
}

func (s *Session) transportClosed(epoch int) {
	if epoch != s.epoch {
		return
	}
	if s.transport != nil {
		_ = s.transport.Close()
		s.transport = nil
	}
	s.setStatus(StatusReconnecting)
	s.scheduleReconnect()
}

func (s *Session) scheduleReconnect() {
	s.attempt++
	if s.attempt > s.cfg.MaxReconnectAttempts {
		s.log.Warn("reconnect attempts exhausted", "doc", s.docID, "attempts", s.cfg.MaxReconnectAttempts)
		s.setStatus(StatusFailed)
		return
	}
	delay := s.retrySchedule.NextBackOff()
	if delay == backoff.Stop {
		s.setStatus(StatusFailed)
		return
	}
	s.setStatus(StatusReconnecting)
	s.log.Info("scheduling reconnect", "doc", s.docID, "attempt", s.attempt, "delay", delay)

	epoch := s.epoch
	s.reconnectTimer = time.AfterFunc(delay, func() {
		s.post(func() {
			if epoch != s.epoch {
				return
			}
			s.setStatus(StatusConnecting)
			s.dial()
		})
	})
}

func (s *Session) handleFrame(epoch int, frame []byte) {
	if epoch != s.epoch {
		return
	}
	kind, payload, ok := wire.Decode(frame)
	if !ok {
		return
	}
	switch kind {
	case wire.KindUpdate, wire.KindSyncResponse:
		if err := s.doc.ApplyRemote(payload); err != nil {
			// Rejected by the library boundary; local state is untouched.
			s.log.Warn("dropping bad document payload", "kind", kind, "err", err)
		}
	case wire.KindSyncRequest:
		// Always answered, even mid-convergence: idempotent merges make
		// request ordering irrelevant.
		s.sendFrame(wire.KindSyncResponse, s.doc.EncodeFullState())
	case wire.KindAwareness:
		if _, err := s.aware.ApplyDelta(payload, awareness.OriginRemote); err != nil {
			s.log.Warn("dropping bad awareness payload", "err", err)
		}
	default:
		// Unknown kinds are a forward-compatible no-op.
	}
}

// scheduleSnapshot (re)starts the debounce timer. Once the document goes
// quiet for the debounce window the full state is pushed unsolicited, a
// safety net against missed deltas at the cost of bounded redundant
// bandwidth.
func (s *Session) scheduleSnapshot() {
	if s.snapshotTimer != nil {
		s.snapshotTimer.Stop()
	}
	epoch := s.epoch
	s.snapshotTimer = time.AfterFunc(s.cfg.SnapshotDebounce, func() {
		s.post(func() {
			if epoch != s.epoch || s.doc == nil {
				return
			}
			s.sendFrame(wire.KindSyncResponse, s.doc.EncodeFullState())
		})
	})
}

func (s *Session) sendFrame(kind wire.Kind, payload []byte) {
	if s.transport == nil || s.phase != StatusConnected {
		return
	}
	if err := s.transport.WriteMessage(wire.Encode(kind, payload)); err != nil {
		// The read pump surfaces the close; just record it here.
		s.log.Warn("failed to send frame", "kind", kind, "err", err)
	}
}

func (s *Session) setStatus(p Status) {
	if s.phase == p {
		return
	}
	s.phase = p
	for _, fn := range s.statusObs {
		fn(p)
	}
}

func (s *Session) emitText() {
	if s.doc == nil {
		return
	}
	s.emitRawText(s.doc.Text())
}

func (s *Session) emitRawText(text string) {
	s.lastText = text
	for _, fn := range s.textObs {
		fn(text)
	}
}

func (s *Session) emitPresence() {
	if s.doc == nil || s.aware == nil {
		return
	}
	s.emitRawPeers(projectPresence(s.aware, s.doc))
}

func (s *Session) emitRawPeers(peers []Peer) {
	s.lastPeers = peers
	for _, fn := range s.presenceObs {
		fn(peers)
	}
}

// newRetrySchedule yields base, 2*base, 4*base, ... capped, with no
// jitter so the schedule is exact.
func newRetrySchedule(base, limit time.Duration) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.RandomizationFactor = 0
	b.Multiplier = 2
	b.MaxInterval = limit
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
