package collab

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-collab/pkg/awareness"
	"github.com/astromechza/automerge-collab/pkg/textdoc"
)

func TestProjectPresenceFiltersSelf(t *testing.T) {
	doc := textdoc.New()
	_, err := doc.ReplaceText("hello")
	require.NoError(t, err)

	aw := awareness.New(doc.ClientID(), 0)
	aw.SetLocal(awareness.State{Name: "me", Color: "#F87171"})

	peers := projectPresence(aw, doc)
	assert.Empty(t, peers)
}

func TestProjectPresenceResolvesCursors(t *testing.T) {
	doc := textdoc.New()
	_, err := doc.ReplaceText("hello")
	require.NoError(t, err)

	aw := awareness.New(doc.ClientID(), 0)
	remote := awareness.New("zz-remote", 0)
	remote.SetLocal(awareness.State{
		Name:   "bob",
		Color:  "#60A5FA",
		Cursor: awareness.Cursor{Anchor: doc.PositionAt(1), Head: doc.PositionAt(4)},
	})
	raw, err := remote.EncodeDelta([]string{"zz-remote"})
	require.NoError(t, err)
	_, err = aw.ApplyDelta(raw, awareness.OriginRemote)
	require.NoError(t, err)

	peers := projectPresence(aw, doc)
	require.Len(t, peers, 1)
	assert.Equal(t, "zz-remote", peers[0].ClientID)
	assert.Equal(t, "bob", peers[0].Name)
	require.NotNil(t, peers[0].Anchor)
	require.NotNil(t, peers[0].Head)
	assert.Equal(t, 1, *peers[0].Anchor)
	assert.Equal(t, 4, *peers[0].Head)
}

func TestProjectPresenceNilOffsetsForClearedSelection(t *testing.T) {
	doc := textdoc.New()
	_, err := doc.ReplaceText("hello")
	require.NoError(t, err)

	aw := awareness.New(doc.ClientID(), 0)
	remote := awareness.New("peer-1", 0)
	remote.SetLocal(awareness.State{Name: "idle"})
	raw, err := remote.EncodeDelta([]string{"peer-1"})
	require.NoError(t, err)
	_, err = aw.ApplyDelta(raw, awareness.OriginRemote)
	require.NoError(t, err)

	peers := projectPresence(aw, doc)
	require.Len(t, peers, 1)
	assert.Nil(t, peers[0].Anchor, "no selection renders nothing, not offset zero")
	assert.Nil(t, peers[0].Head)
}

func TestProjectPresenceDefaultsMissingFields(t *testing.T) {
	doc := textdoc.New()
	aw := awareness.New(doc.ClientID(), 0)
	_, err := aw.ApplyDelta([]byte(`{"entries":[{"clientId":"abcdef0123456789","state":{}}]}`), awareness.OriginRemote)
	require.NoError(t, err)

	peers := projectPresence(aw, doc)
	require.Len(t, peers, 1)
	assert.Equal(t, "user-abcdef01", peers[0].Name)
	assert.Equal(t, "#999999", peers[0].Color)
}

func TestProjectPresenceSortedByClientID(t *testing.T) {
	doc := textdoc.New()
	aw := awareness.New(doc.ClientID(), 0)
	raw := []byte(`{"entries":[{"clientId":"bbb","state":{"name":"b"}},{"clientId":"aaa","state":{"name":"a"}}]}`)
	_, err := aw.ApplyDelta(raw, awareness.OriginRemote)
	require.NoError(t, err)

	peers := projectPresence(aw, doc)
	require.Len(t, peers, 2)
	assert.Equal(t, "aaa", peers[0].ClientID)
	assert.Equal(t, "bbb", peers[1].ClientID)
}
