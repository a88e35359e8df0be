package realtime

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// Protocol events of the realtime service.
const (
	EventJoin            = "phx_join"
	EventLeave           = "phx_leave"
	EventReply           = "phx_reply"
	EventClose           = "phx_close"
	EventError           = "phx_error"
	EventHeartbeat       = "heartbeat"
	EventBroadcast       = "broadcast"
	EventPresence        = "presence"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
	EventPostgresChanges = "postgres_changes"
)

// Protocol version spoken by both transports.
const Version = "1.0.0"

// topicPrefix prefixes every channel topic on the wire.
const topicPrefix = "realtime:"

// heartbeatTopic carries the heartbeats of the connection.
const heartbeatTopic = "phoenix"

// Frame is a single message exchanged with the realtime service.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

func (f Frame) String() string {
	return fmt.Sprintf("Frame{Topic: %s, Event: %s, Ref: %s, JoinRef: %s, Payload.Size: %d}",
		f.Topic, f.Event, f.Ref, f.JoinRef, len(f.Payload))
}

func EncodeFrame(w io.Writer, f *Frame) error {
	if err := json.NewEncoder(w).Encode(f); err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	return nil
}

func DecodeFrame(r io.Reader, f *Frame) error {
	if err := json.NewDecoder(r).Decode(f); err != nil {
		return fmt.Errorf("decode frame: %w", err)
	}
	return nil
}

// NewFrame marshals payload into a frame.
func NewFrame(topic, event string, payload any) (*Frame, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return &Frame{Topic: topic, Event: event, Payload: b}, nil
}

// mustFrame is NewFrame for payloads that always marshal.
func mustFrame(topic, event string, payload any) *Frame {
	f, err := NewFrame(topic, event, payload)
	if err != nil {
		panic(err)
	}
	return f
}

func wireTopic(topic string) string {
	return topicPrefix + topic
}

// JoinPayload is sent with phx_join.
type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type JoinConfig struct {
	Broadcast       BroadcastConfig        `json:"broadcast"`
	Presence        PresenceConfig         `json:"presence"`
	PostgresChanges []PostgresChangeConfig `json:"postgres_changes"`
	Private         bool                   `json:"private"`
}

type BroadcastConfig struct {
	// Self asks the service to echo broadcasts back to their sender.
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type PresenceConfig struct {
	Key string `json:"key"`
}

// PostgresChangeConfig subscribes to the row changes of a table.
type PostgresChangeConfig struct {
	ID     int    `json:"id,omitempty"`
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

// Reply statuses.
const (
	ReplyOK    = "ok"
	ReplyError = "error"
)

// ReplyPayload is the payload of phx_reply.
type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response,omitempty"`
}

// reason extracts the reason of an error reply or of a phx_error frame.
func reason(raw json.RawMessage) string {
	var r struct {
		Reason string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &r); err != nil || r.Reason == "" {
		return string(raw)
	}
	return r.Reason
}

// broadcastPayload is the payload of a broadcast frame.
type broadcastPayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// presencePayload is the payload of a presence push.
type presencePayload struct {
	Type    string          `json:"type"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type presenceDiff struct {
	Joins  map[string]json.RawMessage `json:"joins"`
	Leaves map[string]json.RawMessage `json:"leaves"`
}

// changePayload is the payload of a postgres_changes frame.
type changePayload struct {
	IDs  []int      `json:"ids"`
	Data changeData `json:"data"`
}

type changeData struct {
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	Type            string          `json:"type"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
	CommitTimestamp string          `json:"commit_timestamp"`
}

// parseFilter splits a filter of the form column=eq.value.
func parseFilter(filter string) (column, value string, err error) {
	column, rest, ok := strings.Cut(filter, "=")
	if !ok || column == "" {
		return "", "", fmt.Errorf("filter %q: expected column=eq.value", filter)
	}
	value, ok = strings.CutPrefix(rest, "eq.")
	if !ok {
		return "", "", fmt.Errorf("filter %q: only eq is supported", filter)
	}
	return column, value, nil
}

// matchFilter reports whether the row satisfies filter. An empty filter matches every row.
func matchFilter(filter string, row json.RawMessage) bool {
	if filter == "" {
		return true
	}
	column, value, err := parseFilter(filter)
	if err != nil {
		return false
	}
	var fields map[string]any
	if err := json.Unmarshal(row, &fields); err != nil {
		return false
	}
	v, ok := fields[column]
	if !ok || v == nil {
		return false
	}
	return fmt.Sprint(v) == value
}

// matchChange reports whether a change of table with eventType satisfies config.
func matchChange(config PostgresChangeConfig, data changeData) bool {
	if config.Schema != "*" && config.Schema != data.Schema {
		return false
	}
	if config.Table != "*" && config.Table != data.Table {
		return false
	}
	if config.Event != "*" && config.Event != data.Type {
		return false
	}
	row := data.Record
	if len(row) == 0 || string(row) == "null" {
		row = data.OldRecord
	}
	return matchFilter(config.Filter, row)
}
