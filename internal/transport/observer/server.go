// Package observer serves read-only run state to local dashboards: a
// bootstrap endpoint with the run's identity and a websocket stream of
// day reports.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"contagion.dev/internal/protocol"
	"contagion.dev/internal/sim/scenario"
)

type Server struct {
	log *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64

	mu      sync.Mutex
	info    protocol.BootstrapResponse
	history []protocol.DayReport
	subs    map[string]chan []byte
}

func NewServer(logger *log.Logger) *Server {
	return &Server{
		log:  logger,
		subs: map[string]chan []byte{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// SetRunInfo installs the identity served by the bootstrap endpoint.
func (s *Server) SetRunInfo(runID string, sc scenario.Scenario, paramsDigest string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.info = protocol.BootstrapResponse{
		ProtocolVersion: protocol.Version,
		RunID:           runID,
		Scenario:        sc.Name,
		Seed:            sc.Seed,
		StartDate:       sc.StartDate,
		Days:            sc.Days,
		ParamsDigest:    paramsDigest,
	}
}

// Publish hands a finished day report to all connected observers and
// keeps it for backfill. Slow observers drop reports rather than stall
// the day loop.
func (s *Server) Publish(rep protocol.DayReport) {
	b, err := json.Marshal(rep)
	if err != nil {
		s.log.Printf("observer: marshal report: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.history = append(s.history, rep)
	s.info.CurrentDay = rep.Day
	for sid, ch := range s.subs {
		select {
		case ch <- b:
		default:
			s.log.Printf("observer: session %s lagging, dropping day %d", sid, rep.Day)
		}
	}
}

func (s *Server) BootstrapHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		s.mu.Lock()
		resp := s.info
		s.mu.Unlock()

		rw.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(rw).Encode(resp)
	}
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if !isLoopbackRemote(r.RemoteAddr) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var sub protocol.SubscribeMsg
		if err := json.Unmarshal(msg, &sub); err != nil {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad subscribe"), time.Now().Add(time.Second))
			return
		}
		if sub.Type != protocol.TypeSubscribe || sub.ProtocolVersion != protocol.Version {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 256)

		// Register and snapshot the backfill under one lock so no report
		// is missed between backfill and live stream.
		s.mu.Lock()
		var backfill [][]byte
		for _, rep := range s.history {
			if rep.Day < sub.FromDay {
				continue
			}
			if b, err := json.Marshal(rep); err == nil {
				backfill = append(backfill, b)
			}
		}
		s.subs[sid] = out
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.subs, sid)
			s.mu.Unlock()
		}()

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for _, b := range backfill {
				_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
				if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
					writeErr <- err
					return
				}
			}
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b, ok := <-out:
					if !ok {
						writeErr <- nil
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: keepalive; repeated SUBSCRIBEs are tolerated but
		// do not change the stream.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func isLoopbackRemote(remoteAddr string) bool {
	host := remoteAddr
	if h, _, err := net.SplitHostPort(remoteAddr); err == nil {
		host = h
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
