// Package gateway spreads quote updates over a broker and relays them into the local
// websocket hub, so every instance serves subscribers regardless of which one aggregated.
package gateway

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"fxpulse.com/internal/quotes/fanout"
	"fxpulse.com/internal/quotes/model"
	"fxpulse.com/internal/quotes/qerr"
	"fxpulse.com/internal/quotes/ws"
	"fxpulse.com/pkg/logger"
)

// brokerPrefix namespaces hub topics on the broker: quote:EUR-USD -> fx:quote:EUR-USD.
const brokerPrefix = "fx:"

// BrokerTopic is the broker topic of an instrument.
func BrokerTopic(inst model.Instrument) string { return brokerPrefix + ws.TopicFor(inst) }

// BrokerSink is the fan-out sink that publishes encoded updates to the broker.
type BrokerSink struct {
	name   string
	broker Broker
}

func NewBrokerSink(name string, b Broker) *BrokerSink { return &BrokerSink{name: name, broker: b} }

func (s *BrokerSink) Name() string { return s.name }

func (s *BrokerSink) Deliver(ctx context.Context, u fanout.Update) error {
	topic, payload, err := ws.EncodeUpdate(u)
	if err != nil {
		return qerr.Rejected(s.name, err)
	}
	if err := s.broker.Publish(ctx, brokerPrefix+topic, payload); err != nil {
		return qerr.Unavailable(s.name, err)
	}
	return nil
}

type Gateway struct {
	hub    *ws.Hub
	broker Broker
}

func NewGateway(hub *ws.Hub, broker Broker) *Gateway {
	return &Gateway{hub: hub, broker: broker}
}

// Run subscribes the instruments' broker topics and bridges every message into the hub
// until ctx ends or the subscription closes.
func (g *Gateway) Run(ctx context.Context, instruments []model.Instrument) error {
	topics := make([]string, 0, len(instruments))
	for _, inst := range instruments {
		topics = append(topics, BrokerTopic(inst))
	}
	ch, err := g.broker.Subscribe(ctx, topics)
	if err != nil {
		return err
	}
	logger.Info(ctx, "gateway relay subscribed", zap.Int("topics", len(topics)))

	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			topic, found := strings.CutPrefix(m.Topic, brokerPrefix)
			if !found {
				logger.Debug(ctx, "gateway: foreign topic", zap.String("topic", m.Topic))
				continue
			}
			ws.BridgeRaw(g.hub, topic, m.Payload)
		}
	}
}
