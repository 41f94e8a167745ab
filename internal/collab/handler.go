package collab

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// RoomVar is the route variable holding the canvas id.
const RoomVar = "canvasId"

// Handler performs the upgrade handshake for the collaboration endpoint and
// runs the connection until it closes.
type Handler struct {
	manager  *Manager
	cfg      WSConfig
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
}

// NewHandler builds the endpoint. An empty allowedOrigins accepts any Origin.
func NewHandler(m *Manager, cfg WSConfig, allowedOrigins []string, log logrus.FieldLogger) *Handler {
	return &Handler{
		manager: m,
		cfg:     cfg.withDefaults(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     originChecker(allowedOrigins),
		},
		log: log,
	}
}

func originChecker(allowed []string) func(r *http.Request) bool {
	if len(allowed) == 0 {
		return func(r *http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		set[strings.TrimRight(strings.ToLower(o), "/")] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(origin)]
		return ok
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.ServeRoom(w, r, mux.Vars(r)[RoomVar])
}

// ServeRoom validates the handshake for roomID, upgrades, and blocks reading
// the connection until it ends.
func (h *Handler) ServeRoom(w http.ResponseWriter, r *http.Request, roomID string) {
	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "Expected WebSocket", http.StatusBadRequest)
		return
	}
	if roomID == "" {
		http.Error(w, "Missing canvas id", http.StatusBadRequest)
		return
	}
	q := r.URL.Query()
	userID := q.Get("userId")
	if userID == "" {
		http.Error(w, "Missing userId", http.StatusBadRequest)
		return
	}
	p := Participant{ID: userID, Name: q.Get("userName")}
	if p.Name == "" {
		p.Name = DefaultParticipantName
	}

	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already answered with an HTTP error.
		h.log.WithError(err).WithField("canvas", roomID).Debug("upgrade failed")
		return
	}

	conn := newWSConn(ws, h.cfg)
	sess, err := h.manager.Join(r.Context(), roomID, p, conn)
	if err != nil {
		h.log.WithError(err).WithFields(logrus.Fields{"canvas": roomID, "user": p.ID}).Warn("join failed")
		ws.Close()
		return
	}

	go conn.writePump(func(err error) { sess.Close(err) })
	err = conn.readPump(func(frame []byte) { _ = sess.Handle(frame) })
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
		sess.log.WithError(err).Info("connection lost")
	}
	sess.Close(err)
}
