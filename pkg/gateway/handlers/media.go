package handlers

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/audio"
	"github.com/voicebridge/voicebridge/pkg/engine/session"
	"github.com/voicebridge/voicebridge/pkg/telephony/telnyx"
	"github.com/voicebridge/voicebridge/pkg/telephony/twilio"
)

const mediaWriteTimeout = 5 * time.Second

// Carriers connect from their own infrastructure; origin checks do not apply.
var mediaUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// TwilioMedia bridges one Media Streams WebSocket onto a session. The start
// frame carries the CallSid; a session is started on demand for inbound
// calls and reused for calls this gateway placed.
func (h *Handlers) TwilioMedia(w http.ResponseWriter, r *http.Request) {
	ws, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("media upgrade failed", "carrier", "twilio", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	var sess *session.Session
	var streamSID string
	for {
		var msg twilio.StreamMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Event {
		case "start":
			if msg.Start == nil || sess != nil {
				continue
			}
			streamSID = msg.Start.StreamSID
			sess = h.attachSession(r, ws, "twilio", msg.Start.CallSID, func(chunk audio.Chunk) error {
				out, err := twilio.MediaMessage(streamSID, chunk)
				if err != nil {
					return err
				}
				return h.writeMedia(ws, out)
			})
			if sess == nil {
				return
			}
		case "media":
			if sess == nil || msg.Media == nil {
				continue
			}
			chunk, err := twilio.DecodeStreamMedia(msg.Media)
			if err != nil {
				h.log.Warn("undecodable media frame dropped", "carrier", "twilio", "error", err)
				continue
			}
			if err := sess.PushFrame(chunk); err != nil {
				return
			}
		case "stop":
			if sess != nil {
				sess.End("carrier_stream_stop")
			}
			return
		}
	}
	if sess != nil {
		sess.End("carrier_stream_closed")
	}
}

// TelnyxMedia bridges one Telnyx media streaming WebSocket onto a session.
// The start frame carries the call control ID.
func (h *Handlers) TelnyxMedia(w http.ResponseWriter, r *http.Request) {
	ws, err := mediaUpgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("media upgrade failed", "carrier", "telnyx", "error", err)
		return
	}
	defer func() { _ = ws.Close() }()

	var sess *session.Session
	for {
		var msg telnyx.StreamMessage
		if err := ws.ReadJSON(&msg); err != nil {
			break
		}
		switch msg.Event {
		case "start":
			if msg.Start == nil || sess != nil {
				continue
			}
			sess = h.attachSession(r, ws, "telnyx", msg.Start.CallControlID, func(chunk audio.Chunk) error {
				out, err := telnyx.MediaMessage(chunk)
				if err != nil {
					return err
				}
				return h.writeMedia(ws, out)
			})
			if sess == nil {
				return
			}
		case "media":
			if sess == nil || msg.Media == nil {
				continue
			}
			chunk, err := telnyx.DecodeStreamMedia(msg.Media)
			if err != nil {
				h.log.Warn("undecodable media frame dropped", "carrier", "telnyx", "error", err)
				continue
			}
			if err := sess.PushFrame(chunk); err != nil {
				return
			}
		case "stop":
			if sess != nil {
				sess.End("carrier_stream_stop")
			}
			return
		}
	}
	if sess != nil {
		sess.End("carrier_stream_closed")
	}
}

// attachSession resolves the session for a stream start and launches the
// outbound writer. A nil return means session setup failed and the socket
// should close.
func (h *Handlers) attachSession(r *http.Request, ws *websocket.Conn, carrier, callID string,
	write func(audio.Chunk) error) *session.Session {

	sess, ok := h.eng.SessionByCall(callID)
	if !ok {
		var err error
		sess, err = h.eng.StartSession(r.Context(), carrier, callID, h.sessionConfig())
		if err != nil {
			h.log.Error("session start failed", "carrier", carrier, "call_id", callID, "error", err)
			return nil
		}
	}
	go h.pumpOutbound(ws, sess, write)
	return sess
}

// pumpOutbound is the socket's single writer: provider audio out to the
// carrier until the session ends.
func (h *Handlers) pumpOutbound(ws *websocket.Conn, sess *session.Session, write func(audio.Chunk) error) {
	for {
		select {
		case chunk := <-sess.Outbound():
			if err := write(chunk); err != nil {
				h.log.Warn("outbound media write failed", "session_id", sess.ID(), "error", err)
				sess.End("carrier_stream_closed")
				return
			}
		case <-sess.Done():
			msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
			_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(mediaWriteTimeout))
			return
		}
	}
}

func (h *Handlers) writeMedia(ws *websocket.Conn, msg any) error {
	_ = ws.SetWriteDeadline(time.Now().Add(mediaWriteTimeout))
	return ws.WriteJSON(msg)
}
