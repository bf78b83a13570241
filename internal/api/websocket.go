package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/websocket"

	"github.com/bbernstein/lacylights-node/internal/services/pubsub"
)

const (
	frameBuffer = 16
	writeWait   = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins for WebSocket
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// FrameMessage is one frame on the websocket stream. Slots are numbers so
// browsers need no base64 decoding.
type FrameMessage struct {
	Kind  string `json:"kind"` // "output" or "input"
	Port  int    `json:"port"`
	Slots []int  `json:"slots"`
}

func frameMessage(kind string, ev pubsub.FrameEvent) FrameMessage {
	slots := make([]int, len(ev.Data))
	for i, b := range ev.Data {
		slots[i] = int(b)
	}
	return FrameMessage{Kind: kind, Port: ev.Port, Slots: slots}
}

// frames streams merged output and received input frames. ?port=N limits the
// stream to one port.
func (s *Server) frames(w http.ResponseWriter, r *http.Request) {
	filter := r.URL.Query().Get("port")
	if filter != "" {
		if _, err := strconv.Atoi(filter); err != nil {
			http.Error(w, "port must be a number", http.StatusBadRequest)
			return
		}
	}
	if s.deps.Bus == nil {
		http.Error(w, "frame stream unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied
		s.log.WithError(err).Debug("Websocket upgrade failed")
		return
	}
	defer conn.Close()

	out := s.deps.Bus.Subscribe(pubsub.TopicPortFrame, filter, frameBuffer)
	defer s.deps.Bus.Unsubscribe(out)
	in := s.deps.Bus.Subscribe(pubsub.TopicInputFrame, filter, frameBuffer)
	defer s.deps.Bus.Unsubscribe(in)

	// the read side only watches for the client going away
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	s.log.WithField("filter", filter).Debug("Frame stream opened")
	ping := time.NewTicker(s.opts.KeepAlive)
	defer ping.Stop()

	for {
		var msg FrameMessage
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
			continue
		case m, ok := <-out.Channel:
			if !ok {
				return
			}
			ev, isFrame := m.(pubsub.FrameEvent)
			if !isFrame {
				continue
			}
			msg = frameMessage("output", ev)
		case m, ok := <-in.Channel:
			if !ok {
				return
			}
			ev, isFrame := m.(pubsub.FrameEvent)
			if !isFrame {
				continue
			}
			msg = frameMessage("input", ev)
		}

		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(msg); err != nil {
			s.log.WithError(err).Debug("Frame stream closed")
			return
		}
	}
}
