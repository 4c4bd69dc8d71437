package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/agentdesk/internal/protocol"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadTimeout  = 120 * time.Second
	wsPingInterval = 30 * time.Second
)

// handleStateWS streams every published state to the client and accepts
// approval decisions and cancel requests on the same socket.
func (s *Server) handleStateWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	s.metrics.WSClientConnected()
	defer s.metrics.WSClientDisconnected()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	states, stop := s.ctrl.Observe()
	defer stop()

	outbound := make(chan any, 16)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(wsPingInterval)
		defer ping.Stop()
		for {
			var msg any
			select {
			case <-ctx.Done():
				return
			case st := <-states:
				msg = protocol.StateSnapshot{Type: protocol.TypeStateSnapshot, State: st}
			case m := <-outbound:
				msg = m
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout)); err != nil {
					cancel()
					return
				}
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(msg); err != nil {
				s.logger.Debug("state stream write failed", zap.Error(err))
				cancel()
				return
			}
		}
	}()

	conn.SetReadLimit(64 << 10)
	_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		return nil
	})

	for ctx.Err() == nil {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		if errEvent, ok := s.applyClientMessage(ctx, data); !ok {
			select {
			case outbound <- errEvent:
			default:
				// The writer owns the socket; drop when it is saturated.
			}
		}
	}

	cancel()
	<-writerDone
}

func (s *Server) applyClientMessage(ctx context.Context, data []byte) (protocol.ErrorEvent, bool) {
	fail := func(code string, err error) (protocol.ErrorEvent, bool) {
		return protocol.ErrorEvent{Type: protocol.TypeErrorEvent, Code: code, Detail: err.Error()}, false
	}

	parsed, err := protocol.ParseClientMessage(data)
	if err != nil {
		return fail("invalid_client_message", err)
	}
	switch msg := parsed.(type) {
	case protocol.ClientDecision:
		decision, err := protocol.ParseDecision(msg.Decision)
		if err != nil {
			return fail("invalid_decision", err)
		}
		if err := s.ctrl.Resolve(ctx, msg.RequestID, decision); err != nil {
			return fail("resolve_failed", err)
		}
	case protocol.ClientCancel:
		if err := s.ctrl.Cancel(ctx, msg.TaskID); err != nil {
			return fail("cancel_failed", err)
		}
	}
	return protocol.ErrorEvent{}, true
}
