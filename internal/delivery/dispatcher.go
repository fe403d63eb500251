// Package delivery tells staff about new orders over Slack, LINE and email.
// Every channel is attempted independently; one failing never holds up the
// others or the order itself.
package delivery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/jogardn/tablesync/internal/circuitbreaker"
	"github.com/jogardn/tablesync/internal/config"
	"github.com/jogardn/tablesync/internal/metrics"
	"github.com/jogardn/tablesync/pkg/models"
	"github.com/sirupsen/logrus"
)

const DefaultSendTimeout = 15 * time.Second

type Dispatcher struct {
	senders  []Sender
	breakers *circuitbreaker.Manager
	metrics  *metrics.Registry
	timeout  time.Duration
	logger   *logrus.Logger
}

func NewDispatcher(senders []Sender, breakers *circuitbreaker.Manager, m *metrics.Registry, logger *logrus.Logger) *Dispatcher {
	return &Dispatcher{
		senders:  senders,
		breakers: breakers,
		metrics:  m,
		timeout:  DefaultSendTimeout,
		logger:   logger,
	}
}

// FromConfig enables every channel that has credentials configured.
func FromConfig(cfg *config.Config, breakers *circuitbreaker.Manager, m *metrics.Registry, logger *logrus.Logger) *Dispatcher {
	httpClient := &http.Client{Timeout: DefaultSendTimeout}

	var senders []Sender
	if cfg.SlackWebhookURL != "" {
		senders = append(senders, NewSlackSender(cfg.SlackWebhookURL, httpClient))
	}
	if cfg.LineNotifyToken != "" {
		senders = append(senders, NewLineSender("", cfg.LineNotifyToken, httpClient))
	}
	if cfg.SMTP.Enabled() {
		senders = append(senders, NewEmailSender(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username,
			cfg.SMTP.Password, cfg.SMTP.From, cfg.SMTP.To))
	}

	names := make([]string, len(senders))
	for i, s := range senders {
		names[i] = s.Name()
	}
	logger.WithField("channels", names).Info("Notification delivery configured")
	return NewDispatcher(senders, breakers, m, logger)
}

func (d *Dispatcher) Channels() int { return len(d.senders) }

// Notify renders the order and reports success per channel.
func (d *Dispatcher) Notify(ctx context.Context, order models.Order) map[string]bool {
	results := d.Send(ctx, RenderOrder(order))
	d.logger.WithFields(logrus.Fields{
		"order_id": order.ID,
		"results":  results,
	}).Info("Order notification dispatched")
	return results
}

// Send delivers msg on all channels concurrently.
func (d *Dispatcher) Send(ctx context.Context, msg Message) map[string]bool {
	results := make(map[string]bool, len(d.senders))
	if len(d.senders) == 0 {
		return results
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var (
		wg    sync.WaitGroup
		mutex sync.Mutex
	)
	for _, sender := range d.senders {
		wg.Add(1)
		go func(sender Sender) {
			defer wg.Done()
			ok := d.sendOne(ctx, sender, msg)
			mutex.Lock()
			results[sender.Name()] = ok
			mutex.Unlock()
		}(sender)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) sendOne(ctx context.Context, sender Sender, msg Message) bool {
	send := func(ctx context.Context) error { return sender.Send(ctx, msg) }

	var err error
	if d.breakers != nil {
		err = d.breakers.Get("delivery-"+sender.Name()).Execute(ctx, send)
	} else {
		err = send(ctx)
	}

	d.metrics.ObserveDelivery(sender.Name(), err == nil)
	if err != nil {
		d.logger.WithError(err).WithField("channel", sender.Name()).Warn("Notification delivery failed")
		return false
	}
	return true
}

// AnySucceeded is true when at least one channel delivered.
func AnySucceeded(results map[string]bool) bool {
	for _, ok := range results {
		if ok {
			return true
		}
	}
	return false
}

// SendTest sends TestMessage on every channel.
func (d *Dispatcher) SendTest(ctx context.Context) map[string]bool {
	return d.Send(ctx, TestMessage())
}
