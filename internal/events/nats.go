package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/flowd/internal/logging"
)

// NATSBus publishes events as JSON to <prefix>.<execution_id>.<type>.
// Events without an execution id use "_" in that position.
type NATSBus struct {
	nc     *nats.Conn
	prefix string
	logger *logging.Logger
}

// NewNATSBus wraps an established connection.
func NewNATSBus(nc *nats.Conn, prefix string, logger *logging.Logger) *NATSBus {
	if prefix == "" {
		prefix = "flowd.events"
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &NATSBus{nc: nc, prefix: prefix, logger: logger}
}

// Subject returns the subject an event is published on.
func (b *NATSBus) Subject(e Event) string {
	exec := e.ExecutionID
	if exec == "" {
		exec = "_"
	}
	return fmt.Sprintf("%s.%s.%s", b.prefix, token(exec), e.Type)
}

// token replaces characters NATS treats as subject separators or wildcards.
func token(s string) string {
	return strings.NewReplacer(".", "_", "*", "_", ">", "_", " ", "_").Replace(s)
}

// Publish implements Bus. nats.Conn.Publish only buffers, so this does not
// wait on the server.
func (b *NATSBus) Publish(ctx context.Context, e Event) error {
	e = stamp(e)
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	subject := b.Subject(e)
	if err := b.nc.Publish(subject, data); err != nil {
		b.logger.Warn(ctx, "event publish failed", zap.String("subject", subject), zap.Error(err))
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe streams every event under the prefix through filter.
func (b *NATSBus) Subscribe(filter Filter) (*Subscription, error) {
	msgs := make(chan *nats.Msg, defaultBuffer)
	sub, err := b.nc.ChanSubscribe(b.prefix+".>", msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribe %s.>: %w", b.prefix, err)
	}

	out := make(chan Event, defaultBuffer)
	stop := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		for {
			select {
			case <-stop:
				return
			case msg := <-msgs:
				var e Event
				if err := json.Unmarshal(msg.Data, &e); err != nil {
					b.logger.Warn(context.Background(), "dropping malformed event",
						zap.String("subject", msg.Subject), zap.Error(err))
					continue
				}
				if !filter.match(e) {
					continue
				}
				select {
				case out <- e:
				case <-stop:
					return
				}
			}
		}
	}()

	return &Subscription{
		C: out,
		cleanup: func() {
			_ = sub.Unsubscribe()
			close(stop)
			<-finished
			close(out)
		},
	}, nil
}

// Flush waits until the server has processed buffered publishes.
func (b *NATSBus) Flush() error {
	return b.nc.Flush()
}
