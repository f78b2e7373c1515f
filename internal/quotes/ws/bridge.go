package ws

import (
	"context"

	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/health"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/internal/quotes/wsmetrics"
	"fxpulse.com/pkg/logger"
)

// HubSink publishes pipeline updates straight into the local hub.
type HubSink struct {
	hub  *Hub
	name string
}

func NewHubSink(h *Hub) *HubSink { return &HubSink{hub: h, name: "websocket"} }

func (s *HubSink) Name() string { return s.name }

func (s *HubSink) Deliver(_ context.Context, u fanout.Update) error {
	topic, payload, err := EncodeUpdate(u)
	if err != nil {
		return qerr.Rejected(s.name, err)
	}
	s.hub.Publish(topic, payload)
	wsmetrics.PublishTotal.WithLabelValues("quote").Inc()
	return nil
}

// BridgeRaw publishes an already encoded payload, e.g. one relayed from the broker.
func BridgeRaw(h *Hub, topic string, payload []byte) {
	h.Publish(topic, payload)
	wsmetrics.PublishTotal.WithLabelValues("relay").Inc()
}

// HealthListener pushes the full component table to the health topic on every status change.
func HealthListener(h *Hub, mon *health.Monitor) health.Listener {
	return func(s health.Snapshot, from health.Status) {
		payload, err := EncodeHealth(mon.Snapshot())
		if err != nil {
			logger.Error(context.Background(), "encode health", zap.Error(err))
			return
		}
		h.Publish(TopicHealth, payload)
		wsmetrics.PublishTotal.WithLabelValues("health").Inc()
	}
}
