package realtime

import (
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
)

// DefaultJoinTimeout bounds the wait for the acknowledgement of a join.
const DefaultJoinTimeout = 10 * time.Second

// Handler receives the frames addressed to a joined topic.
type Handler func(*Frame)

// Transport carries frames between channels and the realtime service.
// Implementations never call a Handler from within Join, Leave or Push.
type Transport interface {
	// Join registers h for the frames of topic and sends the join.
	// The reply is delivered to h as a phx_reply whose ref is joinRef.
	Join(topic, joinRef string, payload JoinPayload, h Handler) error
	// Leave unregisters the handler of topic if it was registered by joinRef.
	Leave(topic, joinRef string) error
	Push(f *Frame) error
	Close() error
}

// Manager opens channels over a transport. At most one channel is open per topic.
type Manager struct {
	transport   Transport
	clock       clockwork.Clock
	joinTimeout time.Duration
	accessToken func() string
	logger      *slog.Logger

	ref      atomic.Uint64
	mu       sync.Mutex
	channels map[string]*Channel
}

type ManagerOption func(*Manager)

func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

func WithClock(clock clockwork.Clock) ManagerOption {
	return func(m *Manager) {
		m.clock = clock
	}
}

func WithJoinTimeout(d time.Duration) ManagerOption {
	return func(m *Manager) {
		m.joinTimeout = d
	}
}

// WithAccessToken sets the source of the token sent with every join.
func WithAccessToken(token func() string) ManagerOption {
	return func(m *Manager) {
		m.accessToken = token
	}
}

func NewManager(transport Transport, opts ...ManagerOption) *Manager {
	m := &Manager{
		transport:   transport,
		clock:       clockwork.NewRealClock(),
		joinTimeout: DefaultJoinTimeout,
		logger:      slog.New(slog.NewTextHandler(io.Discard, nil)),
		channels:    make(map[string]*Channel),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.logger = m.logger.With(slog.String("component", "realtime"))
	return m
}

func (m *Manager) nextRef() string {
	return strconv.FormatUint(m.ref.Add(1), 10)
}

// Open returns a new channel on topic. A channel already open on the same topic
// is closed before Open returns, so its subscription never overlaps the new one.
func (m *Manager) Open(topic string, opts ...ChannelOption) *Channel {
	c := newChannel(m, topic, opts...)
	m.mu.Lock()
	prev := m.channels[topic]
	m.channels[topic] = c
	m.mu.Unlock()

	if prev != nil {
		m.logger.Debug("closing previous channel", slog.String("topic", topic))
		prev.Close()
	}
	return c
}

// Channel returns the channel open on topic.
func (m *Manager) Channel(topic string) (*Channel, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.channels[topic]
	return c, ok
}

// Topics returns the topics of the open channels.
func (m *Manager) Topics() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	topics := make([]string, 0, len(m.channels))
	for topic := range m.channels {
		topics = append(topics, topic)
	}
	return topics
}

func (m *Manager) remove(c *Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.channels[c.topic] == c {
		delete(m.channels, c.topic)
	}
}

// Close closes every channel. The transport is left open.
func (m *Manager) Close() {
	m.mu.Lock()
	channels := make([]*Channel, 0, len(m.channels))
	for _, c := range m.channels {
		channels = append(channels, c)
	}
	m.mu.Unlock()

	for _, c := range channels {
		c.Close()
	}
}
