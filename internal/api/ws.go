package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nyxlight/backend/internal/apperr"
	"github.com/nyxlight/backend/internal/audit"
	"github.com/nyxlight/backend/internal/llm"
	"github.com/nyxlight/backend/internal/notify"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		// Single-box deployment behind the network policy; the access
		// middleware has already vetted the remote address.
		return true
	},
}

// wsFrame is the envelope for every frame in both directions.
type wsFrame struct {
	Type       string   `json:"type"`
	Content    string   `json:"content,omitempty"`
	SessionID  string   `json:"session_id,omitempty"`
	Priority   int      `json:"priority,omitempty"`
	IDs        []string `json:"ids,omitempty"`
	ModuleUsed string   `json:"module_used,omitempty"`
	ModuleData any      `json:"module_data,omitempty"`
	Kind       string   `json:"kind,omitempty"`
	Message    string   `json:"message,omitempty"`
}

// handleWS upgrades the connection, authenticates via the token query
// parameter and multiplexes chat plus notifications over one socket.
// Auth failures close the socket with a policy violation code.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}

	claims, err := s.app.Tokens.Verify(r.URL.Query().Get("token"))
	if err != nil {
		ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "unauthorized"),
			time.Now().Add(time.Second))
		ws.Close()
		return
	}

	conn := s.app.Notify.Attach(claims.Subject, ws)
	defer conn.Close()
	conn.PrepareRead()

	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				slog.Warn("websocket read failed", "user", claims.Subject, "error", err)
			}
			return
		}
		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			s.pushFrame(conn, wsFrame{Type: "error", Kind: string(apperr.InvalidInput), Message: "neispravan JSON okvir"})
			continue
		}

		switch frame.Type {
		case "ping":
			s.pushFrame(conn, wsFrame{Type: "pong"})

		case "mark_read":
			s.app.Notify.MarkRead(claims.Subject, frame.IDs)

		case "chat_user":
			s.handleChatFrame(r.Context(), conn, claims.Subject, frame)

		default:
			s.pushFrame(conn, wsFrame{
				Type:    "error",
				Kind:    string(apperr.InvalidInput),
				Message: "nepoznat tip okvira: " + frame.Type,
			})
		}
	}
}

// handleChatFrame runs one chat turn. The LLM call happens on this
// goroutine, so a slow model backpressures the socket's read loop;
// notifications still flow through the write pump.
func (s *Server) handleChatFrame(ctx context.Context, conn *notify.Conn, user string, frame wsFrame) {
	if frame.Content == "" {
		s.pushFrame(conn, wsFrame{Type: "error", Kind: string(apperr.InvalidInput), Message: "poruka je obavezna"})
		return
	}
	if frame.Priority < llm.PriorityNormal || frame.Priority > llm.PriorityUrgent {
		frame.Priority = llm.PriorityNormal
	}

	if verdict := s.app.Overseer.Evaluate(frame.Content, "chat"); !verdict.Approved {
		s.metrics.RecordSafetyBlock(verdict.BoundaryType)
		s.app.Trail.MustLog(ctx, audit.Entry{
			Event:    audit.EventSecurity,
			User:     user,
			Action:   "blokiran chat zahtjev",
			Details:  map[string]interface{}{"boundary": verdict.BoundaryType},
			Severity: audit.SeverityCritical,
		})
		s.pushFrame(conn, wsFrame{
			Type:       "chat_done",
			Content:    verdict.Reason,
			ModuleUsed: "safety_overseer",
			ModuleData: map[string]interface{}{"boundary_type": verdict.BoundaryType},
		})
		return
	}

	if frame.SessionID != "" {
		s.app.Sessions.RecordMessage(frame.SessionID)
	}

	start := time.Now()
	result, err := s.app.Queue.Do(ctx, user, frame.Priority, llm.CompletionRequest{
		System:      systemPrompt,
		Messages:    []llm.Message{{Role: "user", Content: frame.Content}},
		MaxTokens:   s.app.Config.LLM.MaxTokens,
		Temperature: s.app.Config.LLM.Temperature,
	})
	if err != nil {
		e := apperr.From(err)
		s.metrics.RecordError(string(e.Kind))
		s.pushFrame(conn, wsFrame{Type: "error", Kind: string(e.Kind), Message: e.Message})
		return
	}
	s.metrics.LLMDuration.Observe(time.Since(start).Seconds())

	s.pushFrame(conn, wsFrame{Type: "chat_chunk", Content: result.Content})
	s.pushFrame(conn, wsFrame{
		Type:       "chat_done",
		ModuleUsed: "chat",
		ModuleData: map[string]interface{}{
			"tokens_used":    result.TokensUsed,
			"rate_remaining": s.app.Queue.Remaining(user),
		},
	})
}

func (s *Server) pushFrame(conn *notify.Conn, frame wsFrame) {
	raw, err := json.Marshal(frame)
	if err != nil {
		return
	}
	if !conn.Push(raw) {
		slog.Warn("websocket frame dropped", "user", conn.User(), "type", frame.Type)
	}
}
