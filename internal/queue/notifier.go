package queue

import (
	"context"
	"time"

	"github.com/lib/pq"

	"github.com/developer-mesh/hybrid-indexer/internal/observability"
)

// Notifier wraps a lib/pq Listener on one NOTIFY channel, with a
// fallback poll ticker so a missed or dropped notification never
// stalls a consumer indefinitely (spec §4.1's "wake-up signal or
// equivalent").
type Notifier struct {
	listener   *pq.Listener
	channel    string
	fallback   time.Duration
	logger     observability.Logger
	wake       chan struct{}
}

// NewNotifier opens a dedicated LISTEN connection on channel.
func NewNotifier(dsn, channel string, fallback time.Duration, logger observability.Logger) *Notifier {
	if logger == nil {
		logger = observability.NewNoopLogger()
	}

	reportProblem := func(ev pq.ListenerEventType, err error) {
		if err != nil {
			logger.Warn("queue notifier: listener event", map[string]interface{}{"channel": channel, "error": err.Error()})
		}
	}

	listener := pq.NewListener(dsn, 10*time.Second, time.Minute, reportProblem)
	return &Notifier{listener: listener, channel: channel, fallback: fallback, logger: logger, wake: make(chan struct{}, 1)}
}

// Start subscribes to the channel. Must be called before Wake.
func (n *Notifier) Start() error {
	return n.listener.Listen(n.channel)
}

// Close releases the dedicated connection.
func (n *Notifier) Close() error {
	return n.listener.Close()
}

// Wake blocks until a NOTIFY arrives, the fallback interval elapses,
// or ctx is cancelled. It never blocks forever, so a processor using
// it always re-checks its accumulation triggers periodically even if
// NOTIFY delivery is lost (e.g. after a listener reconnect).
func (n *Notifier) Wake(ctx context.Context) {
	timer := time.NewTimer(n.fallback)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-n.listener.Notify:
	case <-timer.C:
	}
}
