package reconcile

import (
	"sort"

	"github.com/jogardn/tablesync/pkg/models"
)

type Reason string

const (
	ReasonNone   Reason = ""
	ReasonLength Reason = "length"
	ReasonIDs    Reason = "ids"
	ReasonFields Reason = "fields"
)

// Diff describes how a fetched snapshot differs from the local replica.
// Reason names the cheapest test that detected the change.
type Diff struct {
	Changed  bool     `json:"changed"`
	Reason   Reason   `json:"reason,omitempty"`
	Added    []string `json:"added,omitempty"`
	Removed  []string `json:"removed,omitempty"`
	Modified []string `json:"modified,omitempty"`
}

// Differ compares records by identity and by their mutable field only.
type Differ[T any] struct {
	ID   func(T) string
	Same func(local, remote T) bool
}

func (d Differ[T]) Compare(local, remote []T) Diff {
	var diff Diff
	if len(local) != len(remote) {
		diff.Changed = true
		diff.Reason = ReasonLength
	}

	localByID := make(map[string]T, len(local))
	for _, rec := range local {
		localByID[d.ID(rec)] = rec
	}
	remoteIDs := make(map[string]struct{}, len(remote))

	for _, rec := range remote {
		id := d.ID(rec)
		remoteIDs[id] = struct{}{}
		mine, exists := localByID[id]
		if !exists {
			diff.Added = append(diff.Added, id)
			continue
		}
		if !d.Same(mine, rec) {
			diff.Modified = append(diff.Modified, id)
		}
	}
	for id := range localByID {
		if _, exists := remoteIDs[id]; !exists {
			diff.Removed = append(diff.Removed, id)
		}
	}
	sort.Strings(diff.Removed)

	if !diff.Changed && (len(diff.Added) > 0 || len(diff.Removed) > 0) {
		diff.Changed = true
		diff.Reason = ReasonIDs
	}
	if !diff.Changed && len(diff.Modified) > 0 {
		diff.Changed = true
		diff.Reason = ReasonFields
	}
	return diff
}

var OrderDiffer = Differ[models.Order]{
	ID:   func(o models.Order) string { return o.ID },
	Same: func(local, remote models.Order) bool { return local.Status == remote.Status },
}

var NotificationDiffer = Differ[models.Notification]{
	ID:   func(n models.Notification) string { return n.ID },
	Same: func(local, remote models.Notification) bool { return local.Read == remote.Read },
}
