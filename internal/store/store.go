package store

import (
	"context"
	"errors"
	"time"

	"ovfleet/internal/model"
)

var (
	ErrNotFound = errors.New("node not found")
	ErrExists   = errors.New("node already exists")
)

// Repository persists node records. Each method touches only the fields its
// caller owns, so writers for different concerns never clobber each other.
type Repository interface {
	Nodes(ctx context.Context) ([]model.Node, error)
	Node(ctx context.Context, id string) (model.Node, error)
	Create(ctx context.Context, n model.Node) (model.Node, error)
	Delete(ctx context.Context, id string) error

	// UpdateHealth applies model.ApplyProbe to the stored record.
	UpdateHealth(ctx context.Context, id string, healthy bool, latency *time.Duration) (model.Node, error)
	UpdateSyncStatus(ctx context.Context, id string, status model.SyncStatus) error
	// MarkRecovered re-enables a node and flags its roster as stale.
	MarkRecovered(ctx context.Context, id string) error
}

// Roster is the read-only source of accounts that should exist on every
// eligible node.
type Roster interface {
	ActiveUsers(ctx context.Context) ([]model.RosterEntry, error)
}

// StaticRoster is a fixed in-memory roster.
type StaticRoster []model.RosterEntry

func (r StaticRoster) ActiveUsers(context.Context) ([]model.RosterEntry, error) {
	return activeOnly(r), nil
}

func activeOnly(entries []model.RosterEntry) []model.RosterEntry {
	out := make([]model.RosterEntry, 0, len(entries))
	for _, e := range entries {
		if e.Active {
			out = append(out, e)
		}
	}
	return out
}
