package textdoc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPositionShiftsForwardOnInsertBefore(t *testing.T) {
	d := New()
	_, err := d.ReplaceText("hello")
	require.NoError(t, err)

	p := d.PositionAt(3)
	require.NotNil(t, p)

	_, err = d.ReplaceText("ab" + "hello")
	require.NoError(t, err)

	off, ok := d.Resolve(p)
	require.True(t, ok)
	assert.Equal(t, 5, off)
}

func TestPositionStableOnEditAfter(t *testing.T) {
	d := New()
	_, err := d.ReplaceText("hello")
	require.NoError(t, err)

	p := d.PositionAt(2)
	_, err = d.ReplaceText("hello world")
	require.NoError(t, err)

	off, ok := d.Resolve(p)
	require.True(t, ok)
	assert.Equal(t, 2, off)
}

func TestPositionUnresolvableWhenAnchorDeleted(t *testing.T) {
	d := New()
	_, err := d.ReplaceText("hello world")
	require.NoError(t, err)

	p := d.PositionAt(6) // anchors the 'w'
	_, err = d.ReplaceText("hello ")
	require.NoError(t, err)

	_, ok := d.Resolve(p)
	assert.False(t, ok, "a deleted anchor resolves to unknown, not an error")
}

func TestPositionAcrossRemoteEdits(t *testing.T) {
	a := New()
	b := New()

	ua, err := a.ReplaceText("hello")
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemote(ua))

	// b places a caret, then a prepends text and the delta arrives.
	p := b.PositionAt(3)
	u2, err := a.ReplaceText("xx" + "hello")
	require.NoError(t, err)
	require.NoError(t, b.ApplyRemote(u2))

	off, ok := b.Resolve(p)
	require.True(t, ok)
	assert.Equal(t, 5, off)
}

func TestPositionWithUnknownHeadsIsUnresolved(t *testing.T) {
	a := New()
	b := New()
	_, err := a.ReplaceText("only a knows this")
	require.NoError(t, err)

	p := a.PositionAt(4)
	_, ok := b.Resolve(p)
	assert.False(t, ok)
}

func TestResolveNilPosition(t *testing.T) {
	d := New()
	_, ok := d.Resolve(nil)
	assert.False(t, ok)
}

func TestPositionAtClampsOffset(t *testing.T) {
	d := New()
	_, err := d.ReplaceText("abc")
	require.NoError(t, err)

	p := d.PositionAt(100)
	off, ok := d.Resolve(p)
	require.True(t, ok)
	assert.Equal(t, 3, off)

	p = d.PositionAt(-5)
	off, ok = d.Resolve(p)
	require.True(t, ok)
	assert.Equal(t, 0, off)
}

func TestPositionSerializesForTheWire(t *testing.T) {
	d := New()
	_, err := d.ReplaceText("serialize")
	require.NoError(t, err)

	p := d.PositionAt(4)
	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var back Position
	require.NoError(t, json.Unmarshal(raw, &back))
	off, ok := d.Resolve(&back)
	require.True(t, ok)
	assert.Equal(t, 4, off)
}

func TestMapOffsetEndOfText(t *testing.T) {
	off, ok := mapOffset("hi", "hi there", 2)
	require.True(t, ok)
	assert.Equal(t, 8, off)
}
