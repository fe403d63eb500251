package websocket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jogardn/tablesync/internal/replication"
	"github.com/sirupsen/logrus"
)

// Subscriber receives announcements from a Hub over a websocket connection.
// It keeps redialling until its context is done; signals missed while
// disconnected are covered by polling.
type Subscriber struct {
	url        string
	dialer     *websocket.Dialer
	minBackoff time.Duration
	maxBackoff time.Duration
	logger     *logrus.Logger
}

func NewSubscriber(url string, logger *logrus.Logger) *Subscriber {
	return &Subscriber{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		minBackoff: 500 * time.Millisecond,
		maxBackoff: 30 * time.Second,
		logger:     logger,
	}
}

// Subscribe dials once synchronously so a bad URL fails fast, then
// reconnects in the background.
func (s *Subscriber) Subscribe(ctx context.Context) (<-chan replication.Announcement, error) {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", s.url, err)
	}

	out := make(chan replication.Announcement, 64)
	go func() {
		defer close(out)

		backoff := s.minBackoff
		for {
			s.logger.WithField("url", s.url).Info("Subscribed to websocket announcements")
			s.read(ctx, conn, out)
			if ctx.Err() != nil {
				return
			}

			for {
				select {
				case <-ctx.Done():
					return
				case <-time.After(backoff):
				}
				conn, _, err = s.dialer.DialContext(ctx, s.url, nil)
				if err == nil {
					backoff = s.minBackoff
					break
				}
				s.logger.WithError(err).WithField("retry_in_ms", backoff.Milliseconds()).Warn("WebSocket reconnect failed")
				if backoff *= 2; backoff > s.maxBackoff {
					backoff = s.maxBackoff
				}
			}
		}
	}()

	return out, nil
}

func (s *Subscriber) read(ctx context.Context, conn *websocket.Conn, out chan<- replication.Announcement) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()
	defer conn.Close()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				s.logger.WithError(err).Warn("WebSocket connection lost")
			}
			return
		}

		for _, line := range bytes.Split(data, []byte{'\n'}) {
			if len(bytes.TrimSpace(line)) == 0 {
				continue
			}
			var a replication.Announcement
			if err := json.Unmarshal(line, &a); err != nil {
				s.logger.WithError(err).Warn("Ignoring malformed announcement")
				continue
			}
			select {
			case out <- a:
			case <-ctx.Done():
				return
			}
		}
	}
}
