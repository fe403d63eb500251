package replication

import (
	"context"
	"time"
)

const DefaultDebounceWindow = 50 * time.Millisecond

// Debounce collapses announcements arriving within window of the first one
// in a burst into a single delivery: the latest announcement, with Coalesced
// set to the burst size. The window is anchored at the first announcement so
// a steady stream still yields one delivery per window.
func Debounce(ctx context.Context, in <-chan Announcement, window time.Duration) <-chan Announcement {
	if window <= 0 {
		window = DefaultDebounceWindow
	}
	out := make(chan Announcement, 1)

	go func() {
		defer close(out)

		var (
			pending Announcement
			count   int
			timer   *time.Timer
			fire    <-chan time.Time
		)

		flush := func() bool {
			if count == 0 {
				return true
			}
			pending.Coalesced = count
			count = 0
			fire = nil
			select {
			case out <- pending:
				return true
			case <-ctx.Done():
				return false
			}
		}

		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()

		for {
			select {
			case <-ctx.Done():
				return
			case a, ok := <-in:
				if !ok {
					flush()
					return
				}
				pending = a
				count++
				if fire == nil {
					if timer == nil {
						timer = time.NewTimer(window)
					} else {
						timer.Reset(window)
					}
					fire = timer.C
				}
			case <-fire:
				if !flush() {
					return
				}
			}
		}
	}()

	return out
}
