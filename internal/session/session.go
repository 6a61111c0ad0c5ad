// Package session implements the controller-side end of the bidirectional
// control channel: one Session per worker connection, owning an outbound
// send queue so the heartbeat/dispatch/demux producers never write to the
// underlying socket directly. The shape (per-client send channel, separate
// write/read/heartbeat goroutines, sync.Once teardown) is backed by
// gorilla/websocket.
package session

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"transcodeorc/internal/registry"
)

// Controller is the set of operations a Session demuxes inbound messages
// into. An implementation backed by registry.JobRegistry/AgentRegistry and
// the dispatcher satisfies this during normal operation; tests can supply a
// fake.
type Controller interface {
	AllowToken(token string) bool
	RegisterAgent(agent registry.Agent, sink registry.Sink) string
	UnbindSink(agentID string)
	Heartbeat(agentID string, activeJobs *int, cpu *float64, memUsed, memTotal *uint64)
	MarkRunning(jobID string)
	Complete(jobID, agentID string, success bool)
	DispatchSweep()
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

const (
	heartbeatGrace = 30 * time.Second
	sendBuffer     = 32
)

// Session is one worker connection's controller-side state.
type Session struct {
	conn       *websocket.Conn
	controller Controller
	logger     *slog.Logger

	send   chan []byte
	done   chan struct{}
	once   sync.Once
	cancel context.CancelFunc

	agentID string
}

// Accept upgrades an HTTP request to a Session and returns it without
// starting its goroutines; call Run to begin serving.
func Accept(w http.ResponseWriter, r *http.Request, controller Controller, logger *slog.Logger) (*Session, error) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		conn:       conn,
		controller: controller,
		logger:     logger,
		send:       make(chan []byte, sendBuffer),
		done:       make(chan struct{}),
	}, nil
}

// Run drives the session to completion: handshake, then concurrent
// read/write/heartbeat loops until the connection closes or ctx is done.
func (s *Session) Run(ctx context.Context) {
	sessionCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	defer s.close()

	s.enqueue(marshalHello())

	go s.writeLoop()
	go s.heartbeatLoop(sessionCtx)
	s.readLoop(sessionCtx)
}

func marshalHello() []byte {
	data, _ := json.Marshal(struct {
		Type string `json:"type"`
	}{Type: "hello"})
	return data
}

func (s *Session) readLoop(ctx context.Context) {
	registered := false
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			s.enqueue(marshalError("invalid payload"))
			continue
		}
		var msg Inbound
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &msg); err != nil {
				s.enqueue(marshalError("invalid payload"))
				continue
			}
		}
		if !registered {
			if env.Type != "register" {
				s.enqueue(marshalError("expected register"))
				continue
			}
			if !s.handleRegister(msg) {
				return
			}
			registered = true
			continue
		}
		switch env.Type {
		case "heartbeat":
			s.controller.Heartbeat(s.agentID, msg.ActiveJobs, msg.CPU, msg.MemUsed, msg.MemTotal)
		case "progress":
			s.controller.MarkRunning(msg.JobID)
		case "complete":
			s.controller.Complete(msg.JobID, msg.AgentID, msg.Success)
			s.controller.DispatchSweep()
		default:
			// unknown message types are ignored per the session demux contract
		}
	}
}

func (s *Session) handleRegister(msg Inbound) bool {
	if !s.controller.AllowToken(msg.Token) {
		s.enqueue(marshalError("unauthorized"))
		s.writeAndClose()
		return false
	}
	encoders := make(map[string]struct{}, len(msg.Encoders))
	for _, e := range msg.Encoders {
		encoders[e] = struct{}{}
	}
	concurrency := msg.Concurrency
	if concurrency <= 0 {
		concurrency = 1
	}
	agent := registry.Agent{
		ID:          msg.ID,
		Name:        msg.Name,
		Concurrency: concurrency,
		Encoders:    encoders,
	}
	s.agentID = s.controller.RegisterAgent(agent, (*sessionSink)(s))
	payload, _ := marshalOutbound("registered", RegisteredPayload{ID: s.agentID})
	s.enqueue(payload)
	s.controller.DispatchSweep()
	return true
}

// writeAndClose flushes whatever is queued (best effort) then tears the
// session down; used when the handshake itself fails.
func (s *Session) writeAndClose() {
	select {
	case payload, ok := <-s.send:
		if ok {
			_ = s.conn.WriteMessage(websocket.TextMessage, payload)
		}
	default:
	}
	s.close()
}

func (s *Session) writeLoop() {
	for {
		select {
		case <-s.done:
			return
		case payload := <-s.send:
			if err := s.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		}
	}
}

func (s *Session) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatGrace)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.close()
				return
			}
		}
	}
}

// enqueue queues payload for the write loop. It is called both from the
// session's own goroutines and, via sessionSink.Send, from the dispatcher's
// goroutine after it has looked up this session's sink — possibly well after
// close has run. s.send is never closed (only done is), so a racing enqueue
// can never panic on a send to a closed channel; once done is closed the
// payload is simply dropped.
func (s *Session) enqueue(payload []byte) {
	select {
	case <-s.done:
		return
	default:
	}
	select {
	case s.send <- payload:
	case <-s.done:
	default:
		s.logger.Warn("session send buffer full, dropping message", "agent_id", s.agentID)
	}
}

func (s *Session) close() {
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
		close(s.done)
		if s.agentID != "" {
			s.controller.UnbindSink(s.agentID)
		}
		_ = s.conn.Close()
	})
}

// sessionSink adapts a Session to registry.Sink so the agent registry can
// hand it lease/registered messages without knowing about websockets.
type sessionSink Session

func (s *sessionSink) Send(payload []byte) error {
	(*Session)(s).enqueue(payload)
	return nil
}
