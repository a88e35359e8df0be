package realtime

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/internal/metrics"
)

// DefaultQueueSize is the number of frames buffered for each subscriber of a LocalHub.
const DefaultQueueSize = 256

// ErrSlowSubscriber is reported to a subscriber disconnected for not keeping up with its queue.
var ErrSlowSubscriber = errors.New("subscriber too slow")

// LocalHub is an in-process realtime service. It fans out broadcasts, presence
// and row changes to the subscribers of a topic. Clients attach with Connect.
//
// The hub state is owned by a single goroutine. Each subscriber has a buffered
// queue drained by its own goroutine, so a slow handler never blocks the hub.
type LocalHub struct {
	requests  chan func()
	exit      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	queueSize int
	clock     clockwork.Clock
	logger    *slog.Logger
	conns     atomic.Int64

	// owned by the hub goroutine
	topics   map[string]map[*localSub]struct{}
	presence map[string]map[string]json.RawMessage
}

type localSub struct {
	conn    *LocalConn
	topic   string
	joinRef string
	config  JoinConfig
	handler Handler
	queue   chan *Frame
	err     error
	key     string
	tracked bool
}

func (s *localSub) deliver() {
	for f := range s.queue {
		s.handler(f)
	}
	if s.err != nil {
		f := mustFrame(s.topic, EventError, map[string]string{"reason": s.err.Error()})
		f.JoinRef = s.joinRef
		s.handler(f)
	}
}

type HubOption func(*LocalHub)

func WithHubLogger(logger *slog.Logger) HubOption {
	return func(h *LocalHub) {
		h.logger = logger
	}
}

func WithHubClock(clock clockwork.Clock) HubOption {
	return func(h *LocalHub) {
		h.clock = clock
	}
}

func WithQueueSize(n int) HubOption {
	return func(h *LocalHub) {
		h.queueSize = n
	}
}

func NewLocalHub(opts ...HubOption) *LocalHub {
	h := &LocalHub{
		requests:  make(chan func()),
		exit:      make(chan struct{}),
		exited:    make(chan struct{}),
		queueSize: DefaultQueueSize,
		clock:     clockwork.NewRealClock(),
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
		topics:    make(map[string]map[*localSub]struct{}),
		presence:  make(map[string]map[string]json.RawMessage),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.logger = h.logger.With(slog.String("component", "hub"))
	return h
}

func (h *LocalHub) Start() {
	go h.start()
	h.logger.Debug("hub started")
}

func (h *LocalHub) start() {
	defer func() {
		for _, subs := range h.topics {
			for sub := range subs {
				h.remove(sub, ErrTransportClosed)
			}
		}
		close(h.exited)
		h.logger.Debug("hub exited")
	}()
	for {
		select {
		case <-h.exit:
			return
		case fn := <-h.requests:
			fn()
		}
	}
}

// Close stops the hub. Every subscriber receives a channel error.
func (h *LocalHub) Close() {
	h.closeOnce.Do(func() { close(h.exit) })
	<-h.exited
}

// do runs fn on the hub goroutine. Requests of one caller run in order.
func (h *LocalHub) do(fn func()) error {
	select {
	case h.requests <- fn:
		return nil
	case <-h.exit:
		return ErrTransportClosed
	}
}

// Connect attaches a new client to the hub.
func (h *LocalHub) Connect() *LocalConn {
	return &LocalConn{
		hub:  h,
		id:   strconv.FormatInt(h.conns.Add(1), 10),
		subs: make(map[string]*localSub),
	}
}

// Subscribers returns the number of live subscriptions on the channel topic.
func (h *LocalHub) Subscribers(topic string) int {
	result := make(chan int, 1)
	if err := h.do(func() { result <- len(h.topics[wireTopic(topic)]) }); err != nil {
		return 0
	}
	return <-result
}

// PublishChange delivers a committed row change to every matching row change subscription.
func (h *LocalHub) PublishChange(table, eventType string, record, oldRecord any) {
	data := changeData{
		Schema:          "public",
		Table:           table,
		Type:            eventType,
		CommitTimestamp: h.clock.Now().UTC().Format(time.RFC3339Nano),
	}
	var err error
	if record != nil {
		if data.Record, err = json.Marshal(record); err != nil {
			h.logger.Error("marshal record", slog.String("err", err.Error()))
			return
		}
	}
	if oldRecord != nil {
		if data.OldRecord, err = json.Marshal(oldRecord); err != nil {
			h.logger.Error("marshal old record", slog.String("err", err.Error()))
			return
		}
	}

	err = h.do(func() {
		for _, subs := range h.topics {
			for sub := range subs {
				var ids []int
				for _, config := range sub.config.PostgresChanges {
					if matchChange(config, data) {
						ids = append(ids, config.ID)
					}
				}
				if len(ids) == 0 {
					continue
				}
				f := mustFrame(sub.topic, EventPostgresChanges, changePayload{IDs: ids, Data: data})
				f.JoinRef = sub.joinRef
				h.sendOrDisconnect(sub, f)
			}
		}
	})
	if err != nil {
		h.logger.Debug("change not published", slog.String("table", table), slog.String("err", err.Error()))
	}
}

// sendOrDisconnect queues f for sub. If the queue of sub is full, sub is disconnected.
func (h *LocalHub) sendOrDisconnect(sub *localSub, f *Frame) {
	select {
	case sub.queue <- f:
	default:
		h.logger.Warn("disconnecting slow subscriber",
			slog.String("conn", sub.conn.id), slog.String("topic", sub.topic))
		metrics.SlowSubscribers.Inc()
		h.remove(sub, ErrSlowSubscriber)
	}
}

func (h *LocalHub) join(c *LocalConn, topic, joinRef string, payload JoinPayload, handler Handler) {
	if old, ok := c.subs[topic]; ok {
		h.remove(old, nil)
	}

	config := payload.Config
	for i := range config.PostgresChanges {
		config.PostgresChanges[i].ID = i + 1
	}
	sub := &localSub{
		conn:    c,
		topic:   topic,
		joinRef: joinRef,
		config:  config,
		handler: handler,
		queue:   make(chan *Frame, h.queueSize),
		key:     config.Presence.Key,
	}
	if sub.key == "" {
		sub.key = c.id
	}
	c.subs[topic] = sub
	if h.topics[topic] == nil {
		h.topics[topic] = make(map[*localSub]struct{})
	}
	h.topics[topic][sub] = struct{}{}
	go sub.deliver()

	response, _ := json.Marshal(map[string]any{"postgres_changes": config.PostgresChanges})
	reply := mustFrame(topic, EventReply, ReplyPayload{Status: ReplyOK, Response: response})
	reply.Ref = joinRef
	reply.JoinRef = joinRef
	h.sendOrDisconnect(sub, reply)

	state := h.presence[topic]
	if state == nil {
		state = map[string]json.RawMessage{}
	}
	f := mustFrame(topic, EventPresenceState, state)
	f.JoinRef = joinRef
	h.sendOrDisconnect(sub, f)
}

// remove detaches sub and closes its queue. A non nil err is reported to it once the queue is drained.
func (h *LocalHub) remove(sub *localSub, err error) {
	subs, ok := h.topics[sub.topic]
	if !ok {
		return
	}
	if _, ok := subs[sub]; !ok {
		return
	}
	delete(subs, sub)
	if len(subs) == 0 {
		delete(h.topics, sub.topic)
	}
	if sub.conn.subs[sub.topic] == sub {
		delete(sub.conn.subs, sub.topic)
	}
	sub.err = err
	close(sub.queue)

	if sub.tracked {
		h.untrack(sub)
	}
}

func (h *LocalHub) push(c *LocalConn, f *Frame) {
	sender, ok := c.subs[f.Topic]
	if !ok || (f.JoinRef != "" && f.JoinRef != sender.joinRef) {
		return
	}

	switch f.Event {
	case EventBroadcast:
		var p broadcastPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.logger.Warn("malformed broadcast", slog.String("err", err.Error()))
			return
		}
		for sub := range h.topics[f.Topic] {
			if sub == sender && !sub.config.Broadcast.Self {
				continue
			}
			out := &Frame{Topic: f.Topic, Event: EventBroadcast, Payload: f.Payload, JoinRef: sub.joinRef}
			h.sendOrDisconnect(sub, out)
		}
		if sender.config.Broadcast.Ack {
			h.ack(sender, f.Ref)
		}
	case EventPresence:
		var p presencePayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			h.logger.Warn("malformed presence", slog.String("err", err.Error()))
			return
		}
		switch p.Event {
		case "track":
			h.track(sender, f.Ref, p.Payload)
		case "untrack":
			if sender.tracked {
				h.untrack(sender)
			}
		}
		h.ack(sender, f.Ref)
	default:
		h.logger.Debug("unhandled push", slog.String("event", f.Event))
	}
}

func (h *LocalHub) ack(sub *localSub, ref string) {
	if ref == "" {
		return
	}
	f := mustFrame(sub.topic, EventReply, ReplyPayload{Status: ReplyOK})
	f.Ref = ref
	f.JoinRef = sub.joinRef
	h.sendOrDisconnect(sub, f)
}

func (h *LocalHub) track(sub *localSub, ref string, meta json.RawMessage) {
	var fields map[string]any
	if err := json.Unmarshal(meta, &fields); err != nil || fields == nil {
		fields = map[string]any{}
	}
	fields["phx_ref"] = ref
	entry, _ := json.Marshal(map[string]any{"metas": []any{fields}})

	if h.presence[sub.topic] == nil {
		h.presence[sub.topic] = make(map[string]json.RawMessage)
	}
	h.presence[sub.topic][sub.key] = entry
	sub.tracked = true
	h.presenceDiff(sub.topic, presenceDiff{
		Joins:  map[string]json.RawMessage{sub.key: entry},
		Leaves: map[string]json.RawMessage{},
	})
}

func (h *LocalHub) untrack(sub *localSub) {
	sub.tracked = false
	state := h.presence[sub.topic]
	entry, ok := state[sub.key]
	if !ok {
		return
	}
	delete(state, sub.key)
	if len(state) == 0 {
		delete(h.presence, sub.topic)
	}
	h.presenceDiff(sub.topic, presenceDiff{
		Joins:  map[string]json.RawMessage{},
		Leaves: map[string]json.RawMessage{sub.key: entry},
	})
}

func (h *LocalHub) presenceDiff(topic string, diff presenceDiff) {
	for sub := range h.topics[topic] {
		f := mustFrame(topic, EventPresenceDiff, diff)
		f.JoinRef = sub.joinRef
		h.sendOrDisconnect(sub, f)
	}
}

// LocalConn is the connection of one client to a LocalHub.
type LocalConn struct {
	hub *LocalHub
	id  string
	// owned by the hub goroutine
	subs map[string]*localSub
}

var _ Transport = (*LocalConn)(nil)

func (c *LocalConn) Join(topic, joinRef string, payload JoinPayload, handler Handler) error {
	return c.hub.do(func() { c.hub.join(c, topic, joinRef, payload, handler) })
}

func (c *LocalConn) Leave(topic, joinRef string) error {
	err := c.hub.do(func() {
		if sub, ok := c.subs[topic]; ok && sub.joinRef == joinRef {
			c.hub.remove(sub, nil)
		}
	})
	if errors.Is(err, ErrTransportClosed) {
		return nil
	}
	return err
}

func (c *LocalConn) Push(f *Frame) error {
	return c.hub.do(func() { c.hub.push(c, f) })
}

// Close leaves every topic joined by the connection.
func (c *LocalConn) Close() error {
	err := c.hub.do(func() {
		for _, sub := range c.subs {
			c.hub.remove(sub, nil)
		}
	})
	if errors.Is(err, ErrTransportClosed) {
		return nil
	}
	return err
}
