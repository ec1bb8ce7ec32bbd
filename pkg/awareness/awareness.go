// Package awareness tracks the ephemeral per-client state (name, color,
// cursor) that travels alongside the durable document. Entries are last
// write wins per replica: only the owning replica ever produces writes
// for its own identifier.
package awareness

import (
	"encoding/json"
	"fmt"
	"reflect"
	"time"

	"github.com/patrickmn/go-cache"

	"github.com/astromechza/automerge-collab/pkg/textdoc"
)

// Origin distinguishes locally produced awareness changes from ones that
// arrived over the transport, so the session can avoid re-broadcasting
// the latter.
type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Cursor references a selection in the shared text. Nil tokens mean the
// client has no selection to show.
type Cursor struct {
	Anchor *textdoc.Position `json:"anchor,omitempty"`
	Head   *textdoc.Position `json:"head,omitempty"`
}

// State is one client's published record. Unknown wire fields are
// ignored and missing ones default to their zero values.
type State struct {
	Name   string `json:"name"`
	Color  string `json:"color"`
	Cursor Cursor `json:"cursor"`
}

type wireEntry struct {
	ClientID string `json:"clientId"`
	State    *State `json:"state"`
}

type wireDelta struct {
	Entries []wireEntry `json:"entries"`
}

// Awareness holds the records of all known clients, keyed by replica
// identifier. Remote entries expire if not refreshed within the
// configured timeout (zero disables expiry); eviction is lazy, expired
// entries are simply excluded from States. Not safe for concurrent use.
type Awareness struct {
	clientID string
	timeout  time.Duration
	states   *cache.Cache

	onChange func(changed []string, origin Origin)
}

// New returns an awareness instance for the given replica identifier.
func New(clientID string, timeout time.Duration) *Awareness {
	ttl := timeout
	if ttl <= 0 {
		ttl = cache.NoExpiration
	}
	// No cleanup interval: expiry stays lazy so no background goroutine
	// races the session's event loop.
	return &Awareness{
		clientID: clientID,
		timeout:  ttl,
		states:   cache.New(ttl, 0),
	}
}

func (a *Awareness) ClientID() string { return a.clientID }

// OnChange registers the change notification hook.
func (a *Awareness) OnChange(fn func(changed []string, origin Origin)) {
	a.onChange = fn
}

// SetLocal overwrites this replica's record. Publishing an identical
// record is elided.
func (a *Awareness) SetLocal(st State) {
	if prev, ok := a.lookup(a.clientID); ok && reflect.DeepEqual(prev, st) {
		return
	}
	a.states.Set(a.clientID, st, cache.NoExpiration)
	a.notify([]string{a.clientID}, OriginLocal)
}

// Local returns this replica's current record.
func (a *Awareness) Local() (State, bool) {
	return a.lookup(a.clientID)
}

// States returns all live records keyed by client identifier.
func (a *Awareness) States() map[string]State {
	out := make(map[string]State)
	for id, item := range a.states.Items() {
		if st, ok := item.Object.(State); ok {
			out[id] = st
		}
	}
	return out
}

// EncodeDelta encodes the records of the given clients as an incremental
// delta: only the named entries travel, never a full snapshot. A client
// with no record encodes as a removal.
func (a *Awareness) EncodeDelta(ids []string) ([]byte, error) {
	delta := wireDelta{Entries: make([]wireEntry, 0, len(ids))}
	for _, id := range ids {
		e := wireEntry{ClientID: id}
		if st, ok := a.lookup(id); ok {
			e.State = &st
		}
		delta.Entries = append(delta.Entries, e)
	}
	raw, err := json.Marshal(delta)
	if err != nil {
		return nil, fmt.Errorf("failed to encode awareness delta: %w", err)
	}
	return raw, nil
}

// ApplyDelta merges a delta into the known records, overwriting each
// carried entry wholesale and refreshing its expiry. An entry carrying
// this replica's own identifier is accepted like any other: multi-tab
// echoes are legal, the no-feedback-loop rule lives in the session's
// origin handling. Returns the identifiers whose records changed.
func (a *Awareness) ApplyDelta(raw []byte, origin Origin) ([]string, error) {
	var delta wireDelta
	if err := json.Unmarshal(raw, &delta); err != nil {
		return nil, fmt.Errorf("failed to decode awareness delta: %w", err)
	}

	var changed []string
	for _, e := range delta.Entries {
		if e.ClientID == "" {
			continue
		}
		prev, had := a.lookup(e.ClientID)
		if e.State == nil {
			if had {
				a.states.Delete(e.ClientID)
				changed = append(changed, e.ClientID)
			}
			continue
		}
		ttl := a.timeout
		if e.ClientID == a.clientID {
			ttl = cache.NoExpiration
		}
		a.states.Set(e.ClientID, *e.State, ttl)
		if !had || !reflect.DeepEqual(prev, *e.State) {
			changed = append(changed, e.ClientID)
		}
	}

	if len(changed) > 0 {
		a.notify(changed, origin)
	}
	return changed, nil
}

// Remove drops a record, e.g. when a peer departs cleanly.
func (a *Awareness) Remove(id string) {
	if _, ok := a.lookup(id); ok {
		a.states.Delete(id)
		a.notify([]string{id}, OriginLocal)
	}
}

func (a *Awareness) lookup(id string) (State, bool) {
	v, ok := a.states.Get(id)
	if !ok {
		return State{}, false
	}
	st, ok := v.(State)
	return st, ok
}

func (a *Awareness) notify(changed []string, origin Origin) {
	if a.onChange != nil {
		a.onChange(changed, origin)
	}
}
