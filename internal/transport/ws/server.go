// Package ws streams committed claim events to websocket subscribers.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"chunkclaim.dev/internal/claim"
	"chunkclaim.dev/internal/protocol"
)

// HistorySource serves cursor-based pages of the claim history ledger.
type HistorySource interface {
	HistorySince(ctx context.Context, since uint64, limit int) ([]claim.HistoryRecord, error)
}

type Server struct {
	history HistorySource
	tracked func() int
	log     *log.Logger

	upgrader websocket.Upgrader

	mu   sync.Mutex
	seq  int
	subs map[*subscriber]struct{}
}

type subscriber struct {
	out    chan []byte
	filter *protocol.EventFilter
}

// NewServer builds the event feed. tracked reports the current cache size for
// the WELCOME message; nil reports zero.
func NewServer(history HistorySource, tracked func() int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.Default()
	}
	if tracked == nil {
		tracked = func() int { return 0 }
	}
	return &Server{
		history: history,
		tracked: tracked,
		log:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
		subs: make(map[*subscriber]struct{}),
	}
}

// Publish satisfies claim.EventSink. Subscribers that cannot keep up lose
// events rather than stalling the operation path.
func (s *Server) Publish(e claim.Event) {
	b, err := json.Marshal(protocol.NewEventMsg(e))
	if err != nil {
		s.log.Printf("ws: marshal event: %v", err)
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for sub := range s.subs {
		if !sub.filter.Matches(e) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.log.Printf("ws: subscriber queue full, dropping %s %s:%d:%d", e.Op, e.World, e.ChunkX, e.ChunkZ)
		}
	}
}

func (s *Server) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		sub, sessionID := s.handshake(conn)
		if sub == nil {
			return
		}
		defer s.drop(sub)

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-sub.out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil {
				continue
			}
			if base.Type != protocol.TypeHistoryReq {
				continue
			}
			var req protocol.HistoryReqMsg
			if err := json.Unmarshal(msg, &req); err != nil {
				continue
			}
			if req.ProtocolVersion != protocol.Version {
				continue
			}
			s.serveHistory(ctx, sub, req)
		}

		s.log.Printf("ws: session %s closed", sessionID)
	}
}

func (s *Server) handshake(conn *websocket.Conn) (*subscriber, string) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return nil, ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return nil, ""
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return nil, ""
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return nil, ""
	}

	sub := &subscriber{
		out:    make(chan []byte, 64),
		filter: hello.Filter,
	}

	s.mu.Lock()
	s.seq++
	sessionID := fmt.Sprintf("S%d", s.seq)
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       sessionID,
		ServerTime:      time.Now().UTC().Format(time.RFC3339Nano),
		TrackedClaims:   s.tracked(),
	}
	if err := writeJSON(conn, welcome); err != nil {
		s.drop(sub)
		return nil, ""
	}
	return sub, sessionID
}

// serveHistory answers on the subscriber queue so replies interleave with the
// live feed through the single writer.
func (s *Server) serveHistory(ctx context.Context, sub *subscriber, req protocol.HistoryReqMsg) {
	records, err := s.history.HistorySince(ctx, req.SinceCursor, req.Limit)
	if err != nil {
		s.log.Printf("ws: history since %d: %v", req.SinceCursor, err)
		b, _ := json.Marshal(protocol.NewErrorMsg(claim.CodeStore, "history unavailable"))
		s.trySend(sub, b)
		return
	}

	resp := protocol.HistoryMsg{
		Type:            protocol.TypeHistory,
		ProtocolVersion: protocol.Version,
		ReqID:           req.ReqID,
		Items:           make([]protocol.HistoryItem, 0, len(records)),
		NextCursor:      req.SinceCursor,
	}
	for _, r := range records {
		item := protocol.HistoryItem{
			Cursor:          r.ID,
			World:           r.Key.World,
			ChunkX:          r.Key.X,
			ChunkZ:          r.Key.Z,
			PreviousOwnerID: r.PreviousOwnerID.String(),
			Reason:          r.Reason,
			At:              r.At.UTC().Format(time.RFC3339Nano),
		}
		if r.ActorID != nil {
			item.ActorID = r.ActorID.String()
		}
		resp.Items = append(resp.Items, item)
		resp.NextCursor = r.ID
	}

	b, err := json.Marshal(resp)
	if err != nil {
		s.log.Printf("ws: marshal history: %v", err)
		return
	}
	s.trySend(sub, b)
}

func (s *Server) trySend(sub *subscriber, b []byte) {
	select {
	case sub.out <- b:
	default:
		s.log.Printf("ws: subscriber queue full, dropping reply")
	}
}

func (s *Server) drop(sub *subscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.subs, sub)
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
