package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP metrics of the UI bridge
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_http_requests_total",
			Help: "Total UI bridge requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_http_request_duration_seconds",
			Help:    "UI bridge request duration",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	// Realtime metrics
	ChannelStatus = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_channel_status_total",
			Help: "Total channel status changes",
		},
		[]string{"status"},
	)

	FramesDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_frames_dropped_total",
			Help: "Total realtime frames dropped at the boundary",
		},
		[]string{"reason"},
	)

	SlowSubscribers = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_slow_subscribers_total",
			Help: "Total local hub subscribers disconnected for falling behind",
		},
	)

	// Message metrics
	MessagesSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "chatsync_messages_sent_total",
			Help: "Total messages sent",
		},
		[]string{"result"}, // "ok" or "error"
	)

	MessagesMerged = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_merged_total",
			Help: "Total messages merged from realtime inserts",
		},
	)

	MessagesExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_messages_expired_total",
			Help: "Total messages removed by the expiry sweep",
		},
	)

	PageLoadDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "chatsync_page_load_duration_seconds",
			Help:    "Message page load duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"page"}, // "initial" or "more"
	)

	// Room metrics
	RoomFetchDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "chatsync_room_fetch_duration_seconds",
			Help:    "Room directory fetch duration",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
	)

	UnreadIncrements = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "chatsync_unread_increments_total",
			Help: "Total unread counter increments",
		},
	)
)
