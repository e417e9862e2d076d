package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/carephone/carephone/internal/nag"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPongWait   = 60 * time.Second
	eventsPingPeriod = eventsPongWait * 9 / 10
)

// Event types sent on the events stream.
const (
	eventCall        = "call"
	eventMissedCalls = "missed_calls"
	eventNag         = "nag"
)

// eventMessage is one frame on the events stream.
type eventMessage struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// nagStatusResponse is the JSON shape of the reminder state.
type nagStatusResponse struct {
	State  string           `json:"state"`
	Target *callLogResponse `json:"target,omitempty"`
	Unread int              `json:"unread"`
}

func toNagStatusResponse(st nag.Status) nagStatusResponse {
	resp := nagStatusResponse{State: string(st.State), Unread: st.Unread}
	if st.Target != nil {
		t := toCallLogResponse(st.Target)
		resp.Target = &t
	}
	return resp
}

// handleEvents upgrades to a WebSocket and streams the current call, the
// missed-call set and the reminder state. Each stream sends its latest
// value on connect and then every change.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     s.origins.AllowsUpgrade,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("events: upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	calls, cancelCalls := s.calls.Subscribe()
	defer cancelCalls()
	missed, cancelMissed := s.missed.Subscribe()
	defer cancelMissed()
	nagStatus, cancelNag := s.nag.Subscribe()
	defer cancelNag()

	// Every stream replays its latest value on subscribe, so a new client
	// starts with the current call, missed set and reminder state.
	done := make(chan struct{})
	go s.readEvents(conn, done)

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	s.logger.Debug("events: client connected", "remote_addr", r.RemoteAddr)
	for {
		var (
			typ  string
			data any
		)
		select {
		case <-done:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			continue
		case c, ok := <-calls:
			if !ok {
				return
			}
			typ, data = eventCall, c
		case set, ok := <-missed:
			if !ok {
				return
			}
			typ, data = eventMissedCalls, toCallLogResponses(set)
		case st, ok := <-nagStatus:
			if !ok {
				return
			}
			typ, data = eventNag, toNagStatusResponse(st)
		}
		if err := s.writeEvent(conn, typ, data); err != nil {
			s.logger.Debug("events: write failed", "error", err)
			return
		}
	}
}

func (s *Server) writeEvent(conn *websocket.Conn, typ string, data any) error {
	payload, err := json.Marshal(eventMessage{Type: typ, Data: data})
	if err != nil {
		return err
	}
	conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

// readEvents drains client frames so pongs and close frames are processed.
// It closes done when the connection fails.
func (s *Server) readEvents(conn *websocket.Conn, done chan<- struct{}) {
	defer close(done)
	conn.SetReadLimit(512)
	conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(eventsPongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
