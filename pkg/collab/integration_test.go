package collab_test

import (
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/astromechza/automerge-collab/internal/relaytest"
	"github.com/astromechza/automerge-collab/pkg/collab"
)

type watcher struct {
	mu    sync.Mutex
	text  string
	phase collab.Status
	peers []collab.Peer
}

func watch(s *collab.Session) *watcher {
	w := &watcher{}
	s.OnText(func(text string) { w.mu.Lock(); w.text = text; w.mu.Unlock() })
	s.OnStatus(func(st collab.Status) { w.mu.Lock(); w.phase = st; w.mu.Unlock() })
	s.OnPresence(func(p []collab.Peer) { w.mu.Lock(); w.peers = p; w.mu.Unlock() })
	return w
}

func (w *watcher) textIs(want string) func() bool {
	return func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.text == want
	}
}

func (w *watcher) phaseIs(want collab.Status) func() bool {
	return func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		return w.phase == want
	}
}

func (w *watcher) peerHeadAt(name string, off int) func() bool {
	return func() bool {
		w.mu.Lock()
		defer w.mu.Unlock()
		for _, p := range w.peers {
			if p.Name == name && p.Head != nil && *p.Head == off {
				return true
			}
		}
		return false
	}
}

func startRelay(t *testing.T) string {
	t.Helper()
	srv := httptest.NewServer(relaytest.New(nil).Handler())
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
}

func TestSessionsConvergeOverRelay(t *testing.T) {
	endpoint := startRelay(t)

	alice := collab.New(collab.Config{Endpoint: endpoint, Name: "alice", SnapshotDebounce: 50 * time.Millisecond})
	defer alice.Close()
	bob := collab.New(collab.Config{Endpoint: endpoint, Name: "bob", SnapshotDebounce: 50 * time.Millisecond})
	defer bob.Close()

	wa, wb := watch(alice), watch(bob)
	alice.Connect("doc-1")
	bob.Connect("doc-1")
	require.Eventually(t, wa.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, wb.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)

	alice.UpdateLocalText("hello from alice")
	require.Eventually(t, wb.textIs("hello from alice"), 5*time.Second, 10*time.Millisecond)

	bob.UpdateLocalText("hello from alice, hi from bob")
	require.Eventually(t, wa.textIs("hello from alice, hi from bob"), 5*time.Second, 10*time.Millisecond)
}

func TestLateJoinerCatchesUpViaSyncRequest(t *testing.T) {
	endpoint := startRelay(t)

	alice := collab.New(collab.Config{Endpoint: endpoint, Name: "alice", SnapshotDebounce: 50 * time.Millisecond})
	defer alice.Close()
	wa := watch(alice)
	alice.Connect("doc-2")
	require.Eventually(t, wa.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)
	alice.UpdateLocalText("already here")
	require.Eventually(t, wa.textIs("already here"), 5*time.Second, 10*time.Millisecond)

	bob := collab.New(collab.Config{Endpoint: endpoint, Name: "bob", SnapshotDebounce: 50 * time.Millisecond})
	defer bob.Close()
	wb := watch(bob)
	bob.Connect("doc-2")
	require.Eventually(t, wb.textIs("already here"), 5*time.Second, 10*time.Millisecond)
}

func TestPresenceFlowsBetweenSessions(t *testing.T) {
	endpoint := startRelay(t)

	alice := collab.New(collab.Config{Endpoint: endpoint, Name: "alice", SnapshotDebounce: 50 * time.Millisecond})
	defer alice.Close()
	bob := collab.New(collab.Config{Endpoint: endpoint, Name: "bob", SnapshotDebounce: 50 * time.Millisecond})
	defer bob.Close()

	wa, wb := watch(alice), watch(bob)
	alice.Connect("doc-3")
	bob.Connect("doc-3")
	require.Eventually(t, wa.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, wb.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)

	alice.UpdateLocalText("shared words")
	require.Eventually(t, wb.textIs("shared words"), 5*time.Second, 10*time.Millisecond)

	alice.SetLocalCursor(6, 6)
	require.Eventually(t, wb.peerHeadAt("alice", 6), 5*time.Second, 10*time.Millisecond)

	alice.ClearLocalCursor()
	require.Eventually(t, func() bool {
		wb.mu.Lock()
		defer wb.mu.Unlock()
		for _, p := range wb.peers {
			if p.Name == "alice" {
				return p.Head == nil && p.Anchor == nil
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond)

	// Rooms are isolated: bob never sees himself.
	wb.mu.Lock()
	for _, p := range wb.peers {
		assert.NotEqual(t, "bob", p.Name)
	}
	wb.mu.Unlock()
}

func TestSeparateDocumentsDoNotLeak(t *testing.T) {
	endpoint := startRelay(t)

	alice := collab.New(collab.Config{Endpoint: endpoint, Name: "alice", SnapshotDebounce: 50 * time.Millisecond})
	defer alice.Close()
	carol := collab.New(collab.Config{Endpoint: endpoint, Name: "carol", SnapshotDebounce: 50 * time.Millisecond})
	defer carol.Close()

	wa, wc := watch(alice), watch(carol)
	alice.Connect("doc-a")
	carol.Connect("doc-b")
	require.Eventually(t, wa.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, wc.phaseIs(collab.StatusConnected), 5*time.Second, 10*time.Millisecond)

	alice.UpdateLocalText("only for doc-a")
	time.Sleep(300 * time.Millisecond)
	assert.True(t, wc.textIs("")())
}
