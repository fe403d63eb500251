package replication

import (
	"context"
	"errors"
	"fmt"
)

// MultiAnnouncer fans an announcement out to every configured channel. A
// failing channel does not prevent delivery on the others.
type MultiAnnouncer struct {
	announcers []Announcer
}

func NewMultiAnnouncer(announcers ...Announcer) *MultiAnnouncer {
	m := &MultiAnnouncer{}
	for _, a := range announcers {
		if a != nil {
			m.announcers = append(m.announcers, a)
		}
	}
	return m
}

func (m *MultiAnnouncer) Add(a Announcer) {
	if a != nil {
		m.announcers = append(m.announcers, a)
	}
}

func (m *MultiAnnouncer) Len() int { return len(m.announcers) }

func (m *MultiAnnouncer) Announce(ctx context.Context, a Announcement) error {
	var errs []error
	for i, announcer := range m.announcers {
		if err := announcer.Announce(ctx, a); err != nil {
			errs = append(errs, fmt.Errorf("announcer %d (%T): %w", i, announcer, err))
		}
	}
	return errors.Join(errs...)
}
