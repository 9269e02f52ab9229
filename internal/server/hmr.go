package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"git.home.luguber.info/inful/packd/internal/hmr"
	"git.home.luguber.info/inful/packd/internal/logfields"
)

const (
	writeWait      = 10 * time.Second
	maxClientFrame = 4096
)

// handleHMR upgrades to a websocket and streams the platform's HMR
// messages, starting with sync.
func (s *Server) handleHMR(w http.ResponseWriter, r *http.Request) {
	platform := r.URL.Query().Get("platform")
	if _, err := s.compiler.GetHmrBody(platform); err != nil {
		s.writeError(w, r, err)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// the upgrader already answered
		s.logger.Debug("HMR upgrade failed", logfields.Platform(platform), logfields.Error(err))
		return
	}
	sub := s.hub.Subscribe(platform)
	log := s.logger.With(logfields.Platform(platform), logfields.ClientID(sub.ID))
	log.Info("HMR client connected", logfields.RemoteAddr(r.RemoteAddr))

	go s.readPump(conn, sub)
	s.writePump(conn, sub, log)
	log.Info("HMR client disconnected")
}

// readPump consumes client frames so pongs are processed. Any read error
// ends the subscription.
func (s *Server) readPump(conn *websocket.Conn, sub *hmr.Subscriber) {
	defer sub.Close()

	conn.SetReadLimit(maxClientFrame)
	_ = conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		sub.Touch()
		return conn.SetReadDeadline(time.Now().Add(s.cfg.PongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		sub.Touch()
	}
}

func (s *Server) writePump(conn *websocket.Conn, sub *hmr.Subscriber, log *slog.Logger) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer func() {
		ticker.Stop()
		sub.Close()
		_ = conn.Close()
	}()

	for {
		select {
		case msg := <-sub.Messages():
			data, err := msg.Encode()
			if err != nil {
				log.Error("Encoding HMR message failed", logfields.Error(err))
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-sub.Done():
			s.drain(conn, sub)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

// drain flushes messages queued before the subscription ended.
func (s *Server) drain(conn *websocket.Conn, sub *hmr.Subscriber) {
	for {
		select {
		case msg := <-sub.Messages():
			data, err := msg.Encode()
			if err != nil {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if conn.WriteMessage(websocket.TextMessage, data) != nil {
				return
			}
		default:
			return
		}
	}
}
