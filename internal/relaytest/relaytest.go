// Package relaytest provides an in-memory relay endpoint for exercising
// sessions end to end: frames received from one member of a document
// room are forwarded verbatim to the other members. It exists for tests
// and local experiments only; it persists nothing and interprets no
// payloads.
package relaytest

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/felixge/httpsnoop"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

type Relay struct {
	log *slog.Logger

	mu    sync.Mutex
	rooms map[string]map[*member]struct{}
}

type member struct {
	conn *websocket.Conn
	out  chan []byte
}

func New(log *slog.Logger) *Relay {
	if log == nil {
		log = slog.Default()
	}
	return &Relay{log: log, rooms: map[string]map[*member]struct{}{}}
}

// Handler mounts the relay at /ws.
func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(func(handler http.Handler) http.Handler {
		return http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
			m := httpsnoop.CaptureMetrics(handler, writer, request)
			r.log.Debug("handled", "method", request.Method, "url", request.URL, "duration", m.Duration, "status", m.Code)
		})
	})
	router.Methods(http.MethodGet).Path("/ws").HandlerFunc(r.serveWS)
	return router
}

func (r *Relay) serveWS(writer http.ResponseWriter, request *http.Request) {
	docID := request.URL.Query().Get("docId")
	if docID == "" {
		http.Error(writer, "docId required", http.StatusBadRequest)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(writer, request, nil)
	if err != nil {
		r.log.Error("failed to upgrade", "err", err)
		return
	}

	m := &member{conn: conn, out: make(chan []byte, 256)}
	r.join(docID, m)
	defer func() {
		r.leave(docID, m)
		_ = conn.Close()
	}()

	go func() {
		for frame := range m.out {
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}()

	for {
		mt, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if mt != websocket.BinaryMessage {
			continue
		}
		r.broadcast(docID, m, frame)
	}
}

func (r *Relay) join(docID string, m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	room := r.rooms[docID]
	if room == nil {
		room = map[*member]struct{}{}
		r.rooms[docID] = room
	}
	room[m] = struct{}{}
}

func (r *Relay) leave(docID string, m *member) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if room := r.rooms[docID]; room != nil {
		if _, ok := room[m]; ok {
			delete(room, m)
			close(m.out)
		}
		if len(room) == 0 {
			delete(r.rooms, docID)
		}
	}
}

// broadcast forwards a frame to every other member of the room without
// blocking; a member with a full buffer misses the frame and recovers
// via its own sync requests.
func (r *Relay) broadcast(docID string, from *member, frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for m := range r.rooms[docID] {
		if m == from {
			continue
		}
		select {
		case m.out <- frame:
		default:
		}
	}
}
