package taskqueue

import (
	"context"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// Notifier turns NOTIFY events on the queue channel into worker wake-ups.
// Wake-ups are coalesced: a worker that is busy sees at most one pending
// signal when it next polls.
type Notifier struct {
	listener *pq.Listener
	wake     chan struct{}
	logger   *zerolog.Logger
}

// NewNotifier opens a dedicated listening connection
func NewNotifier(connString string, logger *zerolog.Logger) (*Notifier, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	l := logger.With().Str("component", "queue_notifier").Logger()

	listener := pq.NewListener(connString, 1*time.Second, time.Minute,
		func(ev pq.ListenerEventType, err error) {
			switch ev {
			case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
				l.Warn().Err(err).Msg("Queue listener connection problem")
			case pq.ListenerEventReconnected:
				l.Info().Msg("Queue listener reconnected")
			}
		})

	if err := listener.Listen(Channel); err != nil {
		listener.Close()
		return nil, fmt.Errorf("failed to listen on %s: %w", Channel, err)
	}

	return &Notifier{
		listener: listener,
		wake:     make(chan struct{}, 1),
		logger:   &l,
	}, nil
}

// C delivers a value whenever new jobs may be available
func (n *Notifier) C() <-chan struct{} {
	return n.wake
}

// Run forwards notifications until ctx is done
func (n *Notifier) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			// nil after a reconnect: jobs may have been missed, so wake anyway
			if note != nil {
				n.logger.Debug().Str("payload", note.Extra).Msg("Queue notification")
			}
			n.signal()
		case <-time.After(90 * time.Second):
			if err := n.listener.Ping(); err != nil {
				n.logger.Warn().Err(err).Msg("Queue listener ping failed")
			}
		}
	}
}

func (n *Notifier) signal() {
	select {
	case n.wake <- struct{}{}:
	default:
	}
}

// Close stops listening
func (n *Notifier) Close() error {
	return n.listener.Close()
}
