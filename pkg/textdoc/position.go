package textdoc

import (
	"unicode/utf8"

	"github.com/automerge/automerge-go"
	"github.com/sergi/go-diff/diffmatchpatch"
)

// Position is a stable reference to a point in the text: the boundary
// before the rune at Offset as of the document state identified by
// Heads. It survives concurrent edits elsewhere in the document because
// resolution replays the text as of Heads and maps the offset through
// the changes since. Positions are wire-encodable and remain meaningful
// on any replica that shares the document's history; they are not valid
// across document replacement.
type Position struct {
	Heads  []string `json:"heads"`
	Offset int      `json:"offset"`
}

// PositionAt captures a position for the boundary before the rune at
// offset in the current text. Offsets outside the text are clamped.
func (d *Document) PositionAt(offset int) *Position {
	if offset < 0 {
		offset = 0
	}
	if n := utf8.RuneCountInString(d.Text()); offset > n {
		offset = n
	}
	heads := d.doc.Heads()
	hs := make([]string, 0, len(heads))
	for _, h := range heads {
		hs = append(hs, h.String())
	}
	return &Position{Heads: hs, Offset: offset}
}

// Resolve maps a position back to an absolute rune offset in the current
// text. ok is false when the position cannot be resolved: the rune it
// anchors was deleted, or its heads are not (yet) part of this replica's
// history. Callers treat that as "position unknown", not as an error. A
// nil position resolves to nothing: absence means "no selection".
func (d *Document) Resolve(p *Position) (int, bool) {
	if p == nil {
		return 0, false
	}
	then, ok := d.textAt(p.Heads)
	if !ok {
		return 0, false
	}
	return mapOffset(then, d.Text(), p.Offset)
}

// textAt returns the text value as of the given heads, or ok=false if
// any head is unknown to this replica.
func (d *Document) textAt(heads []string) (string, bool) {
	if len(heads) == 0 {
		// Captured against the empty document before any change existed.
		return "", true
	}
	changes, err := d.doc.Changes()
	if err != nil {
		return "", false
	}
	known := make(map[string]automerge.ChangeHash, len(changes))
	for _, c := range changes {
		known[c.Hash().String()] = c.Hash()
	}
	asOf := make([]automerge.ChangeHash, 0, len(heads))
	for _, h := range heads {
		ch, ok := known[h]
		if !ok {
			return "", false
		}
		asOf = append(asOf, ch)
	}
	fork, err := d.doc.Fork(asOf...)
	if err != nil {
		return "", false
	}
	s, err := fork.Path(ContentKey).Text().Get()
	if err != nil {
		return "", false
	}
	return s, true
}

// mapOffset transforms a rune offset valid in before into the equivalent
// offset in after. The position anchors the rune to its right: edits in
// front of it shift it, deleting the anchored rune unresolves it.
func mapOffset(before, after string, offset int) (int, bool) {
	if n := utf8.RuneCountInString(before); offset > n {
		offset = n
	}
	if before == after {
		return offset, true
	}

	diffs := diffmatchpatch.New().DiffMain(before, after, false)
	oldPos, newPos := 0, 0
	for _, df := range diffs {
		n := utf8.RuneCountInString(df.Text)
		switch df.Type {
		case diffmatchpatch.DiffEqual:
			if oldPos+n > offset {
				return newPos + (offset - oldPos), true
			}
			oldPos += n
			newPos += n
		case diffmatchpatch.DiffDelete:
			if oldPos+n > offset {
				return 0, false
			}
			oldPos += n
		case diffmatchpatch.DiffInsert:
			newPos += n
		}
	}
	// The position sat at the very end of the old text.
	return newPos, true
}
