package signal

import (
	"context"
	"encoding/json"
	"time"

	"github.com/dkeye/Babel/internal/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

func (ctl *SignalWSController) writePump(ctx context.Context, s *session) {
	ticker := time.NewTicker(ctl.cfg.PingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	c := s.conn
	for {
		select {
		case <-ctx.Done():
			log.Debug().Str("module", "signal").Str("user", string(s.user)).Msg("writePump ctx done")
			return
		case data, ok := <-c.send:
			if !ok {
				log.Debug().Str("module", "signal").Str("user", string(s.user)).Msg("writePump channel closed")
				_ = c.conn.WriteControl(websocket.CloseMessage, nil, time.Now().Add(writeWait))
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
				log.Error().Err(err).Str("module", "signal").Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("writePump write error")
				return
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				log.Warn().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("ping failed")
				return
			}
		}
	}
}

// release leaves the room. Rate limit history survives when a newer
// connection of the same user took over the seat.
func (ctl *SignalWSController) release(s *session) {
	ctl.Orch.Leave(s.member)
	if ctl.Speaking != nil && !s.replaced() {
		ctl.Speaking.Forget(s.room, s.user)
	}
}

func (ctl *SignalWSController) readPump(ctx context.Context, cancel context.CancelFunc, s *session) {
	defer func() {
		log.Info().Str("module", "signal").Str("room", string(s.room)).Str("user", string(s.user)).Msg("readPump closing")
		cancel()
		ctl.release(s)
		s.conn.Close()
	}()

	c := s.conn.conn
	pongWait := ctl.cfg.PingPeriod * 10 / 9
	_ = c.SetReadDeadline(time.Now().Add(pongWait))
	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := c.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
					log.Warn().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("readPump read error")
				}
				return
			}
			ctl.handleSignal(ctx, s, data)
		}
	}
}

func (ctl *SignalWSController) handleSignal(ctx context.Context, s *session, data []byte) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		log.Warn().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("bad json")
		ctl.sendError(s, "bad_payload")
		return
	}

	switch env.Type {
	case "offer":
		ctl.handleOffer(ctx, s, data)
	case "answer":
		ctl.handleAnswer(s, data)
	case "candidate":
		ctl.handleCandidate(s, data)
	case "language-settings-change":
		ctl.handleLanguageSettings(s, data)
	case "translation-mode-change":
		ctl.handleTranslationMode(s, data)
	case "speaking":
		ctl.handleSpeaking(s, data)
	case "ping":
		ctl.handlePing(s)
	default:
		log.Warn().Str("module", "signal").Str("type", env.Type).Msg("unknown signal")
	}
}

func (ctl *SignalWSController) sendJSON(s *session, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("sendJSON marshal")
		return
	}
	if err := s.conn.TrySend(b); err != nil {
		log.Debug().Err(err).Str("module", "signal").Str("user", string(s.user)).Msg("reply dropped")
	}
}

func (ctl *SignalWSController) sendError(s *session, code string) {
	ctl.sendJSON(s, domain.ErrorEvent{Type: domain.EventError, Error: code})
}
