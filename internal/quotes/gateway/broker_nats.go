package gateway

import (
	"context"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"fxpulse.com/pkg/logger"
)

type NatsBroker struct {
	nc *nats.Conn
}

// NewNatsBroker connects to url. Reconnects are handled by the client.
func NewNatsBroker(url, name string, opts ...nats.Option) (*NatsBroker, error) {
	base := []nats.Option{
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.DisconnectHandler(func(nc *nats.Conn) {
			logger.Warn(context.Background(), "nats disconnected", zap.Error(nc.LastError()))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info(context.Background(), "nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	nc, err := nats.Connect(url, append(base, opts...)...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	return b.nc.Publish(topicToSubject(topic), payload)
}

func (b *NatsBroker) Subscribe(ctx context.Context, topics []string) (<-chan Message, error) {
	out := make(chan Message, 8192)
	subs := make([]*nats.Subscription, 0, len(topics))

	// guards out against a callback racing the close below
	var mu sync.Mutex
	closed := false

	for _, t := range topics {
		sub, err := b.nc.Subscribe(topicToSubject(t), func(m *nats.Msg) {
			mu.Lock()
			defer mu.Unlock()
			if closed {
				return
			}
			// never block the client's dispatch goroutine
			select {
			case out <- Message{Topic: subjectToTopic(m.Subject), Payload: m.Data}:
			default:
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
	}
	return nil
}

// topics use ':' separators, NATS subjects use '.': fx:quote:EUR-USD <-> fx.quote.EUR-USD
func topicToSubject(topic string) string { return strings.ReplaceAll(topic, ":", ".") }
func subjectToTopic(subj string) string  { return strings.ReplaceAll(subj, ".", ":") }
