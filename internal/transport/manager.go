package transport

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// ConnState represents the state of the event stream connection
type ConnState string

const (
	StateDisconnected ConnState = "DISCONNECTED"
	StateConnecting   ConnState = "CONNECTING"
	StateConnected    ConnState = "CONNECTED"
)

// Conn is a single duplex connection to the event stream. ReadFrame blocks
// until a frame arrives or the connection fails.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens connections to the event stream. Tests inject a fake.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// Config holds connection and reconnection policy for the manager
type Config struct {
	URL                  string
	MaxReconnectAttempts int
	ReconnectInterval    time.Duration
}

// DefaultConfig returns the default reconnection policy
func DefaultConfig() Config {
	return Config{
		MaxReconnectAttempts: 5,
		ReconnectInterval:    3000 * time.Millisecond,
	}
}

// Manager owns the single transport connection to the event stream.
// All other components reach the network only through Send and the
// registered frame handlers, never by opening a second connection.
//
// Lifecycle: Connect starts a dial loop that retries failed dials and
// dropped connections after ReconnectInterval, up to
// MaxReconnectAttempts consecutive failures. The attempt counter resets
// on every successful connect. After exhaustion the manager settles in
// DISCONNECTED until Connect is called again. Disconnect stops the loop.
type Manager struct {
	cfg    Config
	dialer Dialer
	clock  clockwork.Clock

	mu       sync.Mutex
	state    ConnState
	conn     Conn
	attempts int
	gen      int // generation token; invalidates loops from prior Connect/Disconnect cycles
	wantOpen bool

	frameHandlers []func(Frame)
	stateHandlers []func(ConnState)
}

// NewManager creates a connection manager. It does not dial until
// Connect is called.
func NewManager(cfg Config, dialer Dialer, clock clockwork.Clock) *Manager {
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		clock:  clock,
		state:  StateDisconnected,
	}
}

// OnFrame registers a handler for inbound frames. Handlers must be
// registered before Connect.
func (m *Manager) OnFrame(fn func(Frame)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.frameHandlers = append(m.frameHandlers, fn)
}

// OnStateChange registers a handler invoked on every connection state
// transition. Handlers must be registered before Connect.
func (m *Manager) OnStateChange(fn func(ConnState)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateHandlers = append(m.stateHandlers, fn)
}

// State returns the current connection state
func (m *Manager) State() ConnState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Connect starts the dial loop. Calling Connect while already connected
// or connecting is a no-op. Calling it after reconnect exhaustion or
// Disconnect resumes with a fresh attempt counter.
func (m *Manager) Connect() {
	m.mu.Lock()
	if m.wantOpen {
		m.mu.Unlock()
		return
	}
	m.wantOpen = true
	m.attempts = 0
	m.gen++
	gen := m.gen
	m.mu.Unlock()

	go m.dialLoop(gen)
}

// Disconnect closes the connection and stops auto-reconnect. No further
// dial attempts happen until Connect is called again.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.wantOpen = false
	m.gen++
	conn := m.conn
	m.conn = nil
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.transition(StateDisconnected)
	log.Info().Msg("event stream disconnected by caller")
}

// Send marshals and writes a frame on the current connection. While not
// CONNECTED this is a silent no-op: callers rely on subscription replay
// and reconciliation rather than send acknowledgement.
func (m *Manager) Send(frame Frame) {
	m.mu.Lock()
	conn := m.conn
	state := m.state
	m.mu.Unlock()

	if state != StateConnected || conn == nil {
		log.Debug().Str("frame_type", string(frame.Type)).Msg("send skipped, not connected")
		return
	}

	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("frame_type", string(frame.Type)).Msg("failed to marshal outbound frame")
		return
	}

	if err := conn.WriteFrame(data); err != nil {
		// The read loop observes the same failure and drives reconnect.
		log.Warn().Err(err).Str("frame_type", string(frame.Type)).Msg("failed to write frame")
	}
}

// dialLoop dials, pumps frames while connected, and schedules retries on
// failure. It exits when its generation is invalidated or the attempt
// budget is exhausted.
func (m *Manager) dialLoop(gen int) {
	for {
		if !m.active(gen) {
			return
		}
		m.transition(StateConnecting)

		conn, err := m.dialer.Dial(context.Background(), m.cfg.URL)
		if !m.active(gen) {
			if conn != nil {
				conn.Close()
			}
			return
		}

		if err == nil {
			m.mu.Lock()
			m.conn = conn
			m.attempts = 0
			m.mu.Unlock()
			m.transition(StateConnected)
			log.Info().Str("url", m.cfg.URL).Msg("event stream connected")

			m.readLoop(conn)

			m.mu.Lock()
			m.conn = nil
			m.mu.Unlock()
			if !m.active(gen) {
				return
			}
			log.Warn().Msg("event stream connection lost")
		} else {
			log.Warn().Err(err).Str("url", m.cfg.URL).Msg("event stream dial failed")
		}

		m.transition(StateDisconnected)

		m.mu.Lock()
		m.attempts++
		if m.attempts > m.cfg.MaxReconnectAttempts {
			m.wantOpen = false
			m.mu.Unlock()
			log.Warn().
				Int("max_attempts", m.cfg.MaxReconnectAttempts).
				Msg("reconnect attempts exhausted, staying disconnected until explicit connect")
			return
		}
		attempt := m.attempts
		m.mu.Unlock()

		log.Info().
			Int("attempt", attempt).
			Int("max_attempts", m.cfg.MaxReconnectAttempts).
			Dur("wait", m.cfg.ReconnectInterval).
			Msg("scheduling reconnect")
		<-m.clock.After(m.cfg.ReconnectInterval)
	}
}

// readLoop pumps inbound frames until the connection fails. Frames that
// fail to parse are dropped, never fatal.
func (m *Manager) readLoop(conn Conn) {
	for {
		data, err := conn.ReadFrame()
		if err != nil {
			conn.Close()
			return
		}

		var frame Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn().Err(err).Msg("dropping malformed frame")
			continue
		}

		m.mu.Lock()
		handlers := make([]func(Frame), len(m.frameHandlers))
		copy(handlers, m.frameHandlers)
		m.mu.Unlock()

		for _, fn := range handlers {
			fn(frame)
		}
	}
}

func (m *Manager) active(gen int) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wantOpen && m.gen == gen
}

// transition updates the state and notifies listeners outside the lock
func (m *Manager) transition(state ConnState) {
	m.mu.Lock()
	if m.state == state {
		m.mu.Unlock()
		return
	}
	m.state = state
	handlers := make([]func(ConnState), len(m.stateHandlers))
	copy(handlers, m.stateHandlers)
	m.mu.Unlock()

	for _, fn := range handlers {
		fn(state)
	}
}
