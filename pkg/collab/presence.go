package collab

import (
	"sort"

	"github.com/astromechza/automerge-collab/pkg/awareness"
	"github.com/astromechza/automerge-collab/pkg/textdoc"
)

// Peer is the read-only projection of one remote client's presence. Nil
// offsets mean "caret not displayable": the selection is cleared or its
// anchor was deleted, consumers must not render it (and must not treat
// nil as offset zero).
type Peer struct {
	ClientID string
	Name     string
	Color    string
	Anchor   *int
	Head     *int
}

// projectPresence derives the peer list from the live awareness records
// and the current document state, excluding the local client. Pure
// function: recomputed on every document or awareness change, never
// stored. Output is sorted by client identifier for stable rendering.
func projectPresence(aw *awareness.Awareness, doc *textdoc.Document) []Peer {
	states := aw.States()
	peers := make([]Peer, 0, len(states))
	for id, st := range states {
		if id == aw.ClientID() {
			continue
		}
		name := st.Name
		if name == "" {
			name = "user-" + shortID(id)
		}
		color := st.Color
		if color == "" {
			color = "#999999"
		}
		p := Peer{ClientID: id, Name: name, Color: color}
		if off, ok := doc.Resolve(st.Cursor.Anchor); ok {
			v := off
			p.Anchor = &v
		}
		if off, ok := doc.Resolve(st.Cursor.Head); ok {
			v := off
			p.Head = &v
		}
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ClientID < peers[j].ClientID })
	return peers
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
