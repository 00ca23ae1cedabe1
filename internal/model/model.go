package model

import (
	"fmt"
	"time"
)

// AutoDisableThreshold is the number of consecutive failed probes after which
// a node is disabled.
const AutoDisableThreshold = 3

// SyncStatus is the reconciliation state of a node's account roster.
type SyncStatus string

const (
	SyncNeverSynced SyncStatus = "never_synced"
	SyncPending     SyncStatus = "pending"
	SyncSynced      SyncStatus = "synced"
	SyncFailed      SyncStatus = "failed"
)

// NeedsSync reports whether a node in this state should receive a roster push
// from the pending pass.
func (s SyncStatus) NeedsSync() bool {
	switch s {
	case SyncPending, SyncFailed, SyncNeverSynced:
		return true
	}
	return false
}

// Node represents a registered VPN node in the fleet.
type Node struct {
	ID            string
	Name          string
	Address       string
	Port          int // control API port
	Protocol      string
	TunnelPort    int
	TunnelAddress string
	Key           string
	CredentialRef string

	Enabled             bool
	Healthy             bool
	LastHealthCheckAt   time.Time
	ResponseTime        *time.Duration
	ConsecutiveFailures int

	SyncStatus SyncStatus
	LastSyncAt time.Time

	CreatedAt time.Time
}

// Eligible reports whether the node may serve traffic and receive roster pushes.
func (n Node) Eligible() bool {
	return n.Enabled && n.Healthy
}

// Endpoint returns host:port of the node control API.
func (n Node) Endpoint() string {
	return fmt.Sprintf("%s:%d", n.Address, n.Port)
}

// ApplyProbe applies the outcome of a single health probe.
func ApplyProbe(n *Node, healthy bool, latency *time.Duration, now time.Time) {
	n.LastHealthCheckAt = now
	if healthy {
		n.Healthy = true
		n.ResponseTime = latency
		n.ConsecutiveFailures = 0
		return
	}

	n.Healthy = false
	n.ResponseTime = nil
	n.ConsecutiveFailures++
	if n.ConsecutiveFailures >= AutoDisableThreshold {
		n.Enabled = false
	}
}

// ApplySyncStatus records a sync outcome. LastSyncAt only moves on a full sync.
func ApplySyncStatus(n *Node, status SyncStatus, now time.Time) {
	n.SyncStatus = status
	if status == SyncSynced {
		n.LastSyncAt = now
	}
}

// QualifiedAccount is the per-node account name for a roster user.
func QualifiedAccount(user, nodeName string) string {
	return user + "-" + nodeName
}

// RosterEntry is a user account that should exist on every eligible node.
type RosterEntry struct {
	Name      string
	ExpiresAt time.Time
	Active    bool
	Owner     string
}

// ProbeOutcome is the result of probing one node.
type ProbeOutcome struct {
	NodeID              string
	Address             string
	Healthy             bool
	Latency             *time.Duration
	ConsecutiveFailures int
	Err                 error
}

// SyncOutcome is the result of one account operation against one node.
type SyncOutcome struct {
	NodeID  string
	Address string
	User    string
	Success bool
	Err     error
}

// RosterResult is the tally of a full roster push to one node.
type RosterResult struct {
	NodeID  string
	Address string
	Total   int
	Synced  int
	Failed  int
	Status  SyncStatus
	Err     error
}

// DeriveSyncStatus maps push counts to the node's resulting sync status.
func DeriveSyncStatus(total, synced, failed int) SyncStatus {
	switch {
	case failed == 0:
		return SyncSynced
	case synced > 0:
		return SyncPending
	default:
		return SyncFailed
	}
}
