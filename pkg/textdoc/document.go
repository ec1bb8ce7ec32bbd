// Package textdoc wraps an automerge document holding a single shared
// text value, and exposes the update/snapshot operations the sync
// session needs to keep replicas convergent.
package textdoc

import (
	"encoding/hex"
	"fmt"
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/google/uuid"
)

// ContentKey is the root map key under which the shared text lives.
const ContentKey = "content"

// Document is one replica of the shared text. It is not safe for
// concurrent use: the owning session serializes all access.
type Document struct {
	doc      *automerge.Doc
	clientID string

	// applyingRemote is held while a remote delta is merged so that the
	// resulting change notification is not mistaken for a local edit.
	applyingRemote bool

	onUpdate func(update []byte, remote bool)
}

// New returns an empty replica with a fresh actor identity.
func New() *Document {
	doc := automerge.New()
	return &Document{doc: doc, clientID: assignActor(doc)}
}

// Load rebuilds a replica from a full state snapshot, assigning it a
// fresh actor identity so late joiners never collide with the snapshot's
// original author.
func Load(snapshot []byte) (*Document, error) {
	doc, err := automerge.Load(snapshot)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot: %w", err)
	}
	return &Document{doc: doc, clientID: assignActor(doc)}, nil
}

func assignActor(doc *automerge.Doc) string {
	id := uuid.New()
	actor := hex.EncodeToString(id[:])
	_ = doc.SetActorID(actor)
	return actor
}

// ClientID returns the replica identifier, fixed for the lifetime of
// this document instance.
func (d *Document) ClientID() string { return d.clientID }

// OnUpdate registers the change notification hook. Local edits carry the
// broadcastable delta and remote=false; remote applies carry nil bytes
// and remote=true.
func (d *Document) OnUpdate(fn func(update []byte, remote bool)) {
	d.onUpdate = fn
}

func (d *Document) text() *automerge.Text {
	return d.doc.Path(ContentKey).Text()
}

// Text returns the current value of the shared text.
func (d *Document) Text() string {
	s, _ := d.text().Get()
	return s
}

// ReplaceText replaces the whole text with next as a single committed
// change and returns the minimal delta describing it. Replacing with the
// current value is elided and returns nil: redundant writes must not
// cause broadcast storms. Calls made while a remote delta is being
// applied are ignored.
func (d *Document) ReplaceText(next string) ([]byte, error) {
	if d.applyingRemote {
		return nil, nil
	}
	cur := d.Text()
	if cur == next {
		return nil, nil
	}

	t := d.text()
	if n := utf8.RuneCountInString(cur); n > 0 {
		if err := t.Delete(0, n); err != nil {
			return nil, fmt.Errorf("failed to delete text: %w", err)
		}
	}
	if next != "" {
		if err := t.Insert(0, next); err != nil {
			return nil, fmt.Errorf("failed to insert text: %w", err)
		}
	}
	if _, err := d.doc.Commit("replace text"); err != nil {
		return nil, fmt.Errorf("failed to commit: %w", err)
	}

	update := d.doc.SaveIncremental()
	d.notify(update, false)
	return update, nil
}

// ApplyRemote merges a delta (or full snapshot: the encodings compose)
// produced by another replica. A payload that fails validation is
// rejected with an error and leaves local state untouched. A payload
// whose changes are all already known is a silent no-op: only a merge
// that moves the heads produces a notification, so idle peers trading
// redundant snapshots cannot keep waking each other up. The re-entrancy
// guard is held around both the merge and the notification.
func (d *Document) ApplyRemote(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	before := d.doc.Heads()
	d.applyingRemote = true
	defer func() { d.applyingRemote = false }()

	if err := d.doc.LoadIncremental(raw); err != nil {
		return fmt.Errorf("failed to apply remote update: %w", err)
	}
	// Reset the incremental save point: the merged change must not leak
	// into the next locally produced delta.
	_ = d.doc.SaveIncremental()
	if headsEqual(before, d.doc.Heads()) {
		return nil
	}
	d.notify(nil, true)
	return nil
}

func headsEqual(a, b []automerge.ChangeHash) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].String() != b[i].String() {
			return false
		}
	}
	return true
}

// ApplyingRemote reports whether a remote merge is in progress.
func (d *Document) ApplyingRemote() bool { return d.applyingRemote }

// EncodeFullState serializes the full causal history into a snapshot a
// fresh replica can be rebuilt from.
func (d *Document) EncodeFullState() []byte {
	return d.doc.Save()
}

// History exposes the underlying automerge document for inspection
// tooling. Mutating it directly bypasses the session's guarantees.
func (d *Document) History() *automerge.Doc { return d.doc }

func (d *Document) notify(update []byte, remote bool) {
	if d.onUpdate != nil {
		d.onUpdate(update, remote)
	}
}
