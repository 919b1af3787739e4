// Package metrics registers the bridge's Prometheus instruments. Every drop
// path has a counter so missed automations can be correlated with both logs
// and graphs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Drop reasons used as the "reason" label on CommandsDropped.
const (
	ReasonQueueFull       = "queue_full"
	ReasonCollapsed       = "collapsed"
	ReasonReconnectFailed = "reconnect_failed"
	ReasonSendFailed      = "send_failed"
	ReasonShutdown        = "shutdown"
)

// Link label values.
const (
	LinkKodi          = "kodi"
	LinkHomeAssistant = "home_assistant"
)

var (
	NotificationsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodi2home_notifications_received_total",
		Help: "Kodi notifications received on the kodi_call_home callback.",
	})

	NotificationsDiscarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodi2home_notifications_discarded_total",
		Help: "Notifications discarded because the trigger field was absent.",
	})

	CommandsEnqueued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodi2home_commands_enqueued_total",
		Help: "Commands accepted into the event queue.",
	})

	CommandsSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "kodi2home_commands_sent_total",
		Help: "Commands delivered to Home Assistant.",
	})

	CommandsDropped = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodi2home_commands_dropped_total",
		Help: "Commands dropped, by reason.",
	}, []string{"reason"})

	Reconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "kodi2home_reconnects_total",
		Help: "Successful reconnects, by link.",
	}, []string{"link"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "kodi2home_queue_depth",
		Help: "Commands currently waiting in the event queue.",
	})

	LinkUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "kodi2home_link_up",
		Help: "Whether the link is currently connected (1) or not (0), by link.",
	}, []string{"link"})
)

// SetLinkUp records the connection state of a link.
func SetLinkUp(link string, up bool) {
	v := 0.0
	if up {
		v = 1.0
	}
	LinkUp.WithLabelValues(link).Set(v)
}
