package hub

import (
	"encoding/json"
	"time"

	"github.com/gorilla/websocket"

	"github.com/smartsensor/sensor-gateway/internal/codec"
)

// clientFrame is the wire shape of messages from stream clients.
type clientFrame struct {
	Type   string     `json:"type"`
	Filter FilterSpec `json:"filter,omitempty"`
}

// serverFrame is the wire shape of control replies to stream clients.
type serverFrame struct {
	Type    string `json:"type"`
	Message string `json:"message,omitempty"`
}

// readPump consumes client messages until the socket dies, then tears
// the subscription down.
func (s *Subscriber) readPump() {
	defer func() {
		s.hub.unregister(s)
		s.conn.Close()
	}()

	deadline := s.hub.opts.HeartbeatInterval + s.hub.opts.PongTimeout
	s.conn.SetReadLimit(s.hub.opts.MaxMessageSize)
	//nolint:errcheck // Best-effort deadline on connection setup
	s.conn.SetReadDeadline(time.Now().Add(deadline))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(deadline))
	})

	for {
		_, message, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.hub.logger.Debug("stream read error", "subscriber_id", s.ID, "error", err)
			}
			return
		}
		// Any client message keeps the connection alive.
		//nolint:errcheck // Best-effort deadline reset
		s.conn.SetReadDeadline(time.Now().Add(deadline))
		s.handleMessage(message)
	}
}

// writePump owns all writes on the socket: broadcast blobs, heartbeat
// pings, and close frames.
func (s *Subscriber) writePump() {
	ticker := time.NewTicker(s.hub.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	writeWait := s.hub.opts.PongTimeout

	for {
		select {
		case blob, ok := <-s.outbox:
			if !ok {
				// Hub closed the subscription.
				//nolint:errcheck // Best-effort close message
				s.conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			//nolint:errcheck // Best-effort deadline; write error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, blob); err != nil {
				return
			}
		case <-s.slow:
			//nolint:errcheck // Best-effort close message
			s.conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "subscriber too slow"))
			return
		case <-ticker.C:
			//nolint:errcheck // Best-effort deadline; ping error caught below
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage processes one client frame.
func (s *Subscriber) handleMessage(data []byte) {
	var frame clientFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		s.sendControl(codec.StreamTypeError, "invalid JSON message")
		return
	}

	switch frame.Type {
	case "subscribe":
		s.handleSubscribe(frame)
	case codec.StreamTypePing:
		s.sendControl(codec.StreamTypePong, "")
	case codec.StreamTypePong:
		// Deadline already reset by readPump.
	default:
		s.sendControl(codec.StreamTypeError, "unknown message type: "+frame.Type)
	}
}

// handleSubscribe validates and installs the requested filter.
func (s *Subscriber) handleSubscribe(frame clientFrame) {
	filter, err := NewFilter(frame.Filter, s.principal)
	if err != nil {
		s.sendControl(codec.StreamTypeError, err.Error())
		return
	}

	s.setFilter(filter)
	s.hub.logger.Info("stream subscription installed",
		"subscriber_id", s.ID, "devices", frame.Filter.Devices, "kinds", frame.Filter.Kinds)
	s.sendControl(codec.StreamTypeSubscribed, "")
}

// sendControl enqueues a control frame through the outbox so the write
// pump stays the only writer.
func (s *Subscriber) sendControl(frameType, message string) {
	data, err := json.Marshal(serverFrame{Type: frameType, Message: message})
	if err != nil {
		return
	}
	s.hub.enqueue(s, data)
}
