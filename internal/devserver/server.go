// Package devserver is a local stand-in for the server side of the
// event stream: it accepts WebSocket connections, honors SUBSCRIBE and
// UNSUBSCRIBE control frames per item, and pushes bid events to
// subscribed connections. It exists for development and end-to-end
// exercise of the sync engine; the production stream is external.
package devserver

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/mcdev12/bidsync/internal/transport"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Config holds connection settings for the push server
type Config struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
}

// DefaultConfig returns defaults suitable for local development
func DefaultConfig() Config {
	return Config{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
	}
}

// Server manages inbound WebSocket connections and per-item fan-out
type Server struct {
	config   Config
	upgrader websocket.Upgrader

	mu          sync.RWMutex
	itemConns   map[int64]map[*client]bool
	clients     map[*client]bool
	broadcastCh chan transport.Frame
}

// client is one connected subscriber
type client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	server *Server

	mu   sync.Mutex
	subs map[int64]bool
}

// NewServer creates a push server
func NewServer(config Config) *Server {
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		itemConns:   make(map[int64]map[*client]bool),
		clients:     make(map[*client]bool),
		broadcastCh: make(chan transport.Frame, 1000),
	}
}

// Start processes queued broadcasts until the context is cancelled
func (s *Server) Start(ctx context.Context) {
	log.Info().Msg("dev push server started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("dev push server shutting down")
			return
		case frame := <-s.broadcastCh:
			s.deliver(frame)
		}
	}
}

// Handler returns the HTTP handler serving the /ws endpoint, wrapped
// with permissive CORS for local frontends
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleUpgrade)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodHead, http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"*"},
	})
	return c.Handler(mux)
}

// Push queues a bid event for delivery to the item's subscribers
func (s *Server) Push(frameType transport.FrameType, payload transport.BidEventPayload) {
	frame, err := transport.NewBidEventFrame(frameType, payload)
	if err != nil {
		log.Error().Err(err).Msg("failed to build push frame")
		return
	}
	select {
	case s.broadcastCh <- frame:
	default:
		log.Warn().Int64("item_id", payload.ItemID).Msg("broadcast channel full, dropping push")
	}
}

// SubscriberCount reports the number of connections subscribed to an item
func (s *Server) SubscriberCount(itemID int64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.itemConns[itemID])
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	c := &client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, 256),
		server: s,
		subs:   make(map[int64]bool),
	}

	s.mu.Lock()
	s.clients[c] = true
	s.mu.Unlock()

	go c.writePump()
	go c.readPump()

	log.Info().Str("connection_id", c.id).Msg("subscriber connected")
}

// deliver sends a queued frame to every connection subscribed to its item
func (s *Server) deliver(frame transport.Frame) {
	itemID, ok := transport.ParseBidTopic(frame.Topic)
	if !ok {
		return
	}

	s.mu.RLock()
	targets := make([]*client, 0, len(s.itemConns[itemID]))
	for c := range s.itemConns[itemID] {
		targets = append(targets, c)
	}
	s.mu.RUnlock()

	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal push frame")
		return
	}

	for _, c := range targets {
		select {
		case c.send <- data:
		default:
			// Slow or dead subscriber, drop it
			log.Warn().Str("connection_id", c.id).Msg("send buffer full, closing subscriber")
			s.drop(c)
			c.conn.Close()
		}
	}
}

// subscribe registers a connection's interest in an item
func (s *Server) subscribe(c *client, itemID int64) {
	c.mu.Lock()
	c.subs[itemID] = true
	c.mu.Unlock()

	s.mu.Lock()
	if s.itemConns[itemID] == nil {
		s.itemConns[itemID] = make(map[*client]bool)
	}
	s.itemConns[itemID][c] = true
	s.mu.Unlock()

	ack, err := json.Marshal(transport.SubscribeAckPayload{ItemID: itemID})
	if err == nil {
		frame := transport.Frame{
			Type:  transport.FrameTypeSubscribeAck,
			Topic: transport.BidTopic(itemID),
			Data:  ack,
		}
		if data, err := json.Marshal(frame); err == nil {
			select {
			case c.send <- data:
			default:
			}
		}
	}

	log.Debug().Str("connection_id", c.id).Int64("item_id", itemID).Msg("subscribed")
}

// unsubscribe releases a connection's interest in an item
func (s *Server) unsubscribe(c *client, itemID int64) {
	c.mu.Lock()
	delete(c.subs, itemID)
	c.mu.Unlock()

	s.mu.Lock()
	if conns, ok := s.itemConns[itemID]; ok {
		delete(conns, c)
		if len(conns) == 0 {
			delete(s.itemConns, itemID)
		}
	}
	s.mu.Unlock()

	log.Debug().Str("connection_id", c.id).Int64("item_id", itemID).Msg("unsubscribed")
}

// drop removes a connection and all its subscriptions
func (s *Server) drop(c *client) {
	s.mu.Lock()
	if _, ok := s.clients[c]; !ok {
		s.mu.Unlock()
		return
	}
	delete(s.clients, c)
	c.mu.Lock()
	for itemID := range c.subs {
		if conns, ok := s.itemConns[itemID]; ok {
			delete(conns, c)
			if len(conns) == 0 {
				delete(s.itemConns, itemID)
			}
		}
	}
	c.mu.Unlock()
	s.mu.Unlock()

	close(c.send)
	log.Info().Str("connection_id", c.id).Msg("subscriber disconnected")
}

func (c *client) writePump() {
	ticker := time.NewTicker(c.server.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(c.server.config.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *client) readPump() {
	defer func() {
		c.server.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(c.server.config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.id).Msg("unexpected close")
			}
			return
		}
		c.handleControlFrame(message)
		c.conn.SetReadDeadline(time.Now().Add(c.server.config.ReadTimeout))
	}
}

// handleControlFrame processes SUBSCRIBE and UNSUBSCRIBE requests from
// the client; anything else is dropped
func (c *client) handleControlFrame(message []byte) {
	var frame transport.Frame
	if err := json.Unmarshal(message, &frame); err != nil {
		log.Warn().Err(err).Str("connection_id", c.id).Msg("dropping malformed control frame")
		return
	}

	itemID, ok := transport.ParseBidTopic(frame.Topic)
	if !ok {
		log.Debug().Str("topic", frame.Topic).Msg("control frame for unknown topic")
		return
	}

	switch frame.Type {
	case transport.FrameTypeSubscribe:
		c.server.subscribe(c, itemID)
	case transport.FrameTypeUnsubscribe:
		c.server.unsubscribe(c, itemID)
	default:
		log.Debug().Str("frame_type", string(frame.Type)).Msg("ignoring client frame")
	}
}
