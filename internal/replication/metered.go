package replication

import (
	"context"

	"github.com/jogardn/tablesync/internal/metrics"
)

// Metered counts announcements passing through to next by type and result.
type Metered struct {
	next    Announcer
	metrics *metrics.Registry
}

func NewMetered(next Announcer, m *metrics.Registry) *Metered {
	return &Metered{next: next, metrics: m}
}

func (m *Metered) Announce(ctx context.Context, a Announcement) error {
	err := m.next.Announce(ctx, a)
	m.metrics.ObserveAnnouncement(string(a.Type), err)
	return err
}
