package realtime

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/putto11262002/chatsync/internal/metrics"
)

// Status is reported to the status listeners of a channel.
type Status string

const (
	StatusSubscribed   Status = "SUBSCRIBED"
	StatusTimedOut     Status = "TIMED_OUT"
	StatusClosed       Status = "CLOSED"
	StatusChannelError Status = "CHANNEL_ERROR"
)

var (
	// ErrChannelNotSubscribed is returned when sending on a channel whose join has not been acknowledged.
	ErrChannelNotSubscribed = errors.New("channel not subscribed")
	// ErrChannelClosed is returned when using a channel after Close.
	ErrChannelClosed = errors.New("channel closed")
	// ErrJoinTimeout is reported with StatusTimedOut.
	ErrJoinTimeout = errors.New("join timed out")
)

// Binding selects the events delivered to a callback.
// It is one of RowChange, Broadcast or Presence.
type Binding interface {
	isBinding()
}

// RowChange delivers the changes of a table. Event is INSERT, UPDATE, DELETE or *.
// Filter is either empty or of the form column=eq.value.
type RowChange struct {
	Schema   string
	Table    string
	Event    string
	Filter   string
	Callback func(RowChangeEvent)
}

// Broadcast delivers the broadcasts of an event, or of every event when Event is *.
type Broadcast struct {
	Event    string
	Callback func(BroadcastEvent)
}

// Presence delivers presence events. Event is sync, join or leave.
type Presence struct {
	Event    string
	Callback func(PresenceEvent)
}

func (RowChange) isBinding() {}
func (Broadcast) isBinding() {}
func (Presence) isBinding()  {}

type RowChangeEvent struct {
	Schema          string
	Table           string
	Type            string
	Record          json.RawMessage
	OldRecord       json.RawMessage
	CommitTimestamp time.Time
}

type BroadcastEvent struct {
	Event   string
	Payload json.RawMessage
}

// PresenceEvent carries the presence state on sync, or the entries of one key on join and leave.
type PresenceEvent struct {
	Event  string
	Key    string
	Joins  map[string]json.RawMessage
	Leaves map[string]json.RawMessage
}

const (
	PresenceSync  = "sync"
	PresenceJoin  = "join"
	PresenceLeave = "leave"
)

type channelState int

const (
	stateClosed channelState = iota
	stateJoining
	stateJoined
)

// Channel is a subscription to one topic. It is created by Manager.Open.
// Callbacks run on a transport goroutine.
type Channel struct {
	topic   string
	manager *Manager
	config  JoinConfig
	logger  *slog.Logger

	mu         sync.Mutex
	state      channelState
	status     Status
	terminated bool
	joinRef    string
	timer      clockwork.Timer
	rowChanges []RowChange
	broadcasts []Broadcast
	presences  []Presence
	onStatus   []func(Status, error)
	onError    []func(error)
}

type ChannelOption func(*Channel)

// WithBroadcastSelf makes the service echo the broadcasts of this channel back to it.
func WithBroadcastSelf() ChannelOption {
	return func(c *Channel) {
		c.config.Broadcast.Self = true
	}
}

// WithPresenceKey sets the key under which Track publishes the state of this client.
func WithPresenceKey(key string) ChannelOption {
	return func(c *Channel) {
		c.config.Presence.Key = key
	}
}

func WithPrivate() ChannelOption {
	return func(c *Channel) {
		c.config.Private = true
	}
}

func newChannel(m *Manager, topic string, opts ...ChannelOption) *Channel {
	c := &Channel{
		topic:   topic,
		manager: m,
		status:  StatusClosed,
		logger:  m.logger.With(slog.String("topic", topic)),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Channel) Topic() string {
	return c.topic
}

// Status returns the last reported status.
func (c *Channel) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

func (c *Channel) OnStatusChange(fn func(Status, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onStatus = append(c.onStatus, fn)
}

// OnError registers a listener for transport failures. They are not retried.
func (c *Channel) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

func validateBinding(b Binding) error {
	switch b := b.(type) {
	case RowChange:
		switch b.Event {
		case "INSERT", "UPDATE", "DELETE", "*":
		default:
			return fmt.Errorf("row change event %q: expected INSERT, UPDATE, DELETE or *", b.Event)
		}
		if b.Table == "" {
			return errors.New("row change: table is required")
		}
		if b.Filter != "" {
			if _, _, err := parseFilter(b.Filter); err != nil {
				return err
			}
		}
		if b.Callback == nil {
			return errors.New("row change: callback is required")
		}
	case Broadcast:
		if b.Event == "" || b.Callback == nil {
			return errors.New("broadcast: event and callback are required")
		}
	case Presence:
		switch b.Event {
		case PresenceSync, PresenceJoin, PresenceLeave:
		default:
			return fmt.Errorf("presence event %q: expected sync, join or leave", b.Event)
		}
		if b.Callback == nil {
			return errors.New("presence: callback is required")
		}
	default:
		return fmt.Errorf("unknown binding %T", b)
	}
	return nil
}

// Bind adds a binding. Binding a channel that is subscribing or subscribed
// closes it and joins again with the new set of bindings.
func (c *Channel) Bind(b Binding) error {
	if err := validateBinding(b); err != nil {
		return err
	}

	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	switch b := b.(type) {
	case RowChange:
		if b.Schema == "" {
			b.Schema = "public"
		}
		c.rowChanges = append(c.rowChanges, b)
	case Broadcast:
		c.broadcasts = append(c.broadcasts, b)
	case Presence:
		c.presences = append(c.presences, b)
	}
	if c.state == stateClosed {
		c.mu.Unlock()
		return nil
	}

	c.logger.Debug("rejoining with new binding")
	c.leaveLocked()
	c.status = StatusClosed
	err := c.joinLocked()
	c.mu.Unlock()

	c.report(StatusClosed, nil)
	if err != nil {
		c.report(StatusChannelError, err)
		return err
	}
	return nil
}

// Subscribe joins the topic. The outcome is reported through OnStatusChange.
// Subscribing a channel that is already subscribing or subscribed does nothing.
func (c *Channel) Subscribe() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != stateClosed {
		c.mu.Unlock()
		return nil
	}
	err := c.joinLocked()
	c.mu.Unlock()

	if err != nil {
		c.report(StatusChannelError, err)
		return err
	}
	return nil
}

func (c *Channel) joinPayload() JoinPayload {
	config := c.config
	config.PostgresChanges = make([]PostgresChangeConfig, len(c.rowChanges))
	for i, rc := range c.rowChanges {
		config.PostgresChanges[i] = PostgresChangeConfig{
			Event:  rc.Event,
			Schema: rc.Schema,
			Table:  rc.Table,
			Filter: rc.Filter,
		}
	}
	payload := JoinPayload{Config: config}
	if c.manager.accessToken != nil {
		payload.AccessToken = c.manager.accessToken()
	}
	return payload
}

func (c *Channel) joinLocked() error {
	ref := c.manager.nextRef()
	c.joinRef = ref
	c.state = stateJoining
	c.timer = c.manager.clock.AfterFunc(c.manager.joinTimeout, func() {
		c.timeout(ref)
	})

	if err := c.manager.transport.Join(wireTopic(c.topic), ref, c.joinPayload(), c.handle); err != nil {
		c.timer.Stop()
		c.state = stateClosed
		c.joinRef = ""
		c.status = StatusChannelError
		return fmt.Errorf("Join: %w", err)
	}
	return nil
}

func (c *Channel) leaveLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	if c.joinRef != "" {
		if err := c.manager.transport.Leave(wireTopic(c.topic), c.joinRef); err != nil {
			c.logger.Warn("leave", slog.String("err", err.Error()))
		}
	}
	c.state = stateClosed
	c.joinRef = ""
}

// Close leaves the topic and removes the channel from its manager. It is idempotent.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return nil
	}
	c.terminated = true
	c.leaveLocked()
	c.status = StatusClosed
	c.mu.Unlock()

	c.manager.remove(c)
	c.report(StatusClosed, nil)
	return nil
}

// Send broadcasts payload under event to the other subscribers of the topic.
func (c *Channel) Send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return c.push(EventBroadcast, broadcastPayload{Type: EventBroadcast, Event: event, Payload: b})
}

// Track publishes the presence state of this client under its presence key.
func (c *Channel) Track(state any) error {
	b, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return c.push(EventPresence, presencePayload{Type: EventPresence, Event: "track", Payload: b})
}

// Untrack removes the presence state of this client.
func (c *Channel) Untrack() error {
	return c.push(EventPresence, presencePayload{Type: EventPresence, Event: "untrack"})
}

func (c *Channel) push(event string, payload any) error {
	c.mu.Lock()
	if c.terminated {
		c.mu.Unlock()
		return ErrChannelClosed
	}
	if c.state != stateJoined {
		c.mu.Unlock()
		return ErrChannelNotSubscribed
	}
	joinRef := c.joinRef
	c.mu.Unlock()

	f, err := NewFrame(wireTopic(c.topic), event, payload)
	if err != nil {
		return err
	}
	f.Ref = c.manager.nextRef()
	f.JoinRef = joinRef
	if err := c.manager.transport.Push(f); err != nil {
		return fmt.Errorf("Push: %w", err)
	}
	return nil
}

func (c *Channel) timeout(ref string) {
	c.mu.Lock()
	if c.state != stateJoining || c.joinRef != ref {
		c.mu.Unlock()
		return
	}
	c.leaveLocked()
	c.status = StatusTimedOut
	c.mu.Unlock()

	c.logger.Warn("join timed out")
	c.report(StatusTimedOut, ErrJoinTimeout)
}

// fail moves the channel to the error status if joinRef still designates the current join.
func (c *Channel) fail(joinRef string, err error) {
	c.mu.Lock()
	if c.terminated || c.state == stateClosed || (joinRef != "" && joinRef != c.joinRef) {
		c.mu.Unlock()
		return
	}
	c.leaveLocked()
	c.status = StatusChannelError
	c.mu.Unlock()

	c.logger.Error("channel error", slog.String("err", err.Error()))
	c.report(StatusChannelError, err)
}

func (c *Channel) report(status Status, err error) {
	metrics.ChannelStatus.WithLabelValues(string(status)).Inc()
	c.mu.Lock()
	onStatus := slices.Clone(c.onStatus)
	var onError []func(error)
	if status == StatusChannelError && err != nil {
		onError = append(onError, c.onError...)
	}
	c.mu.Unlock()

	for _, fn := range onStatus {
		fn(status, err)
	}
	for _, fn := range onError {
		fn(err)
	}
}

// current reports whether a frame belongs to the live join, and returns the bindings to dispatch to.
func (c *Channel) current(f *Frame) (joined bool, rowChanges []RowChange, broadcasts []Broadcast, presences []Presence) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != stateJoined || (f.JoinRef != "" && f.JoinRef != c.joinRef) {
		return false, nil, nil, nil
	}
	return true, c.rowChanges, c.broadcasts, c.presences
}

// handle dispatches a frame delivered by the transport.
func (c *Channel) handle(f *Frame) {
	switch f.Event {
	case EventReply:
		c.handleReply(f)
	case EventError:
		c.fail(f.JoinRef, fmt.Errorf("channel error: %s", reason(f.Payload)))
	case EventClose:
		c.handleClose(f)
	case EventBroadcast:
		c.handleBroadcast(f)
	case EventPostgresChanges:
		c.handleChange(f)
	case EventPresenceState, EventPresenceDiff:
		c.handlePresence(f)
	default:
		c.logger.Debug("unhandled frame", slog.String("event", f.Event))
	}
}

func (c *Channel) handleReply(f *Frame) {
	var reply ReplyPayload
	if err := json.Unmarshal(f.Payload, &reply); err != nil {
		c.drop(f, "malformed", err)
		return
	}

	c.mu.Lock()
	if c.state != stateJoining || f.Ref != c.joinRef {
		c.mu.Unlock()
		return
	}
	if reply.Status != ReplyOK {
		c.mu.Unlock()
		c.fail(f.Ref, fmt.Errorf("join rejected: %s", reason(reply.Response)))
		return
	}
	c.timer.Stop()
	c.timer = nil
	c.state = stateJoined
	c.status = StatusSubscribed
	c.mu.Unlock()

	c.logger.Debug("subscribed")
	c.report(StatusSubscribed, nil)
}

func (c *Channel) handleClose(f *Frame) {
	c.mu.Lock()
	if c.state == stateClosed || (f.JoinRef != "" && f.JoinRef != c.joinRef) {
		c.mu.Unlock()
		return
	}
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.state = stateClosed
	c.joinRef = ""
	c.status = StatusClosed
	c.mu.Unlock()

	c.report(StatusClosed, nil)
}

func (c *Channel) drop(f *Frame, why string, err error) {
	metrics.FramesDropped.WithLabelValues(why).Inc()
	c.logger.Warn("dropping frame", slog.String("event", f.Event),
		slog.String("reason", why), slog.String("err", err.Error()))
}

func (c *Channel) handleBroadcast(f *Frame) {
	joined, _, broadcasts, _ := c.current(f)
	if !joined {
		return
	}
	var p broadcastPayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.drop(f, "malformed", err)
		return
	}
	e := BroadcastEvent{Event: p.Event, Payload: p.Payload}
	for _, b := range broadcasts {
		if b.Event == "*" || b.Event == p.Event {
			b.Callback(e)
		}
	}
}

func (c *Channel) handleChange(f *Frame) {
	joined, rowChanges, _, _ := c.current(f)
	if !joined {
		return
	}
	var p changePayload
	if err := json.Unmarshal(f.Payload, &p); err != nil {
		c.drop(f, "malformed", err)
		return
	}
	e := RowChangeEvent{
		Schema:    p.Data.Schema,
		Table:     p.Data.Table,
		Type:      p.Data.Type,
		Record:    p.Data.Record,
		OldRecord: p.Data.OldRecord,
	}
	if p.Data.CommitTimestamp != "" {
		ts, err := time.Parse(time.RFC3339Nano, p.Data.CommitTimestamp)
		if err != nil {
			c.drop(f, "timestamp", err)
			return
		}
		e.CommitTimestamp = ts
	}
	for _, rc := range rowChanges {
		config := PostgresChangeConfig{Event: rc.Event, Schema: rc.Schema, Table: rc.Table, Filter: rc.Filter}
		if matchChange(config, p.Data) {
			rc.Callback(e)
		}
	}
}

func (c *Channel) handlePresence(f *Frame) {
	joined, _, _, presences := c.current(f)
	if !joined || len(presences) == 0 {
		return
	}

	var events []PresenceEvent
	if f.Event == EventPresenceState {
		var state map[string]json.RawMessage
		if err := json.Unmarshal(f.Payload, &state); err != nil {
			c.drop(f, "malformed", err)
			return
		}
		events = append(events, PresenceEvent{Event: PresenceSync, Joins: state})
	} else {
		var diff presenceDiff
		if err := json.Unmarshal(f.Payload, &diff); err != nil {
			c.drop(f, "malformed", err)
			return
		}
		for key, entry := range diff.Joins {
			events = append(events, PresenceEvent{Event: PresenceJoin, Key: key,
				Joins: map[string]json.RawMessage{key: entry}})
		}
		for key, entry := range diff.Leaves {
			events = append(events, PresenceEvent{Event: PresenceLeave, Key: key,
				Leaves: map[string]json.RawMessage{key: entry}})
		}
		events = append(events, PresenceEvent{Event: PresenceSync, Joins: diff.Joins, Leaves: diff.Leaves})
	}

	for _, e := range events {
		for _, p := range presences {
			if p.Event == e.Event {
				p.Callback(e)
			}
		}
	}
}
