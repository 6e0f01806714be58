package worker

import (
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"
)

// ListenNotify subscribes to a Postgres NOTIFY channel. The returned channel
// receives a coalesced signal per notification and after every reconnect.
func ListenNotify(dsn, channel string, log *zerolog.Logger) (*pq.Listener, <-chan struct{}, error) {
	l := pq.NewListener(dsn, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		if err != nil {
			log.Warn().Err(err).Int("event", int(ev)).Msg("postgres listener")
		}
	})
	if err := l.Listen(channel); err != nil {
		_ = l.Close()
		return nil, nil, fmt.Errorf("listen %s: %w", channel, err)
	}

	wake := make(chan struct{}, 1)
	go func() {
		defer close(wake)
		// Notify is closed by l.Close; a nil notification means the
		// connection was re-established and events may have been missed
		for range l.Notify {
			select {
			case wake <- struct{}{}:
			default:
			}
		}
	}()
	return l, wake, nil
}
