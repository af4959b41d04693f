package source

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"unicode/utf8"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/tokeyframes/pkg/keyframe"
)

// Message is one client frame on the tick socket. A message carries either a
// block of ticks or a command ("save" or "abort"), never both.
type Message struct {
	Block
	Command string `json:"command,omitempty"`
}

// Ack answers every [Message].
type Ack struct {
	Status Status `json:"status"`
	Error  string `json:"error,omitempty"`
}

// maxMessageBytes bounds a single tick message. A block of 4096 frames with
// twelve levels fits comfortably.
const maxMessageBytes = 8 << 20

// Handler returns an HTTP handler that upgrades to a WebSocket and streams
// client blocks into r. Each message is acknowledged with the runner status
// once processed.
//
// An out-of-order block closes the socket with StatusPolicyViolation and a
// block with too few levels closes it with StatusUnsupportedData. Other tick
// errors are reported in the ack and the socket stays open.
func Handler(r *Runner, log *slog.Logger) http.Handler {
	if log == nil {
		log = slog.Default()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := websocket.Accept(w, req, nil)
		if err != nil {
			log.Warn("tick socket: accept failed", "err", err)
			return
		}
		defer conn.CloseNow()
		conn.SetReadLimit(maxMessageBytes)

		l := log.With("remote", req.RemoteAddr)
		l.Info("tick socket connected")
		code, reason := serve(req.Context(), conn, r, l)
		l.Info("tick socket closed", "code", code, "reason", reason)
		_ = conn.Close(code, reason)
	})
}

func serve(ctx context.Context, conn *websocket.Conn, r *Runner, log *slog.Logger) (websocket.StatusCode, string) {
	for {
		var msg Message
		if err := wsjson.Read(ctx, conn, &msg); err != nil {
			if s := websocket.CloseStatus(err); s != -1 {
				return websocket.StatusNormalClosure, ""
			}
			if ctx.Err() != nil {
				return websocket.StatusGoingAway, "server shutting down"
			}
			return websocket.StatusUnsupportedData, "malformed message"
		}

		var err error
		switch msg.Command {
		case "":
			msg.Source = "websocket"
			err = r.Submit(ctx, msg.Block)
		case "save":
			err = r.Save(ctx)
		case "abort":
			err = r.Abort(ctx)
		default:
			return websocket.StatusPolicyViolation, "unknown command " + msg.Command
		}

		switch {
		case errors.Is(err, ErrOutOfOrder):
			return websocket.StatusPolicyViolation, closeReason(err)
		case errors.Is(err, keyframe.ErrLayoutMismatch):
			return websocket.StatusUnsupportedData, closeReason(err)
		case errors.Is(err, ErrStopped):
			return websocket.StatusGoingAway, "runner stopped"
		case ctx.Err() != nil:
			return websocket.StatusGoingAway, "server shutting down"
		}

		ack := Ack{Status: r.Status()}
		if err != nil {
			log.Debug("tick socket: block error", "err", err)
			ack.Error = err.Error()
		}
		if err := wsjson.Write(ctx, conn, ack); err != nil {
			return websocket.StatusInternalError, "write failed"
		}
	}
}

// maxCloseReason is the room a close frame leaves for the reason.
const maxCloseReason = 123

// closeReason fits err into a close frame. A cut never splits a rune.
func closeReason(err error) string {
	s := err.Error()
	if len(s) <= maxCloseReason {
		return s
	}
	i := maxCloseReason
	for i > 0 && !utf8.RuneStart(s[i]) {
		i--
	}
	return s[:i]
}
