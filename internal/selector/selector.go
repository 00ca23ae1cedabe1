// Package selector picks the node a client download is served from.
package selector

import "ovfleet/internal/model"

// SelectBestForDownload returns the preferred node, or nil when no node is
// enabled.
//
// Preferred nodes are enabled, healthy, fully synced and have no recent
// failures; among them the lowest latency wins, unknown latency sorts last and
// ties keep input order. When none qualifies the first enabled node is used.
func SelectBestForDownload(nodes []model.Node) *model.Node {
	best := -1
	for i := range nodes {
		if !preferred(nodes[i]) {
			continue
		}
		if best < 0 || faster(nodes[i], nodes[best]) {
			best = i
		}
	}
	if best >= 0 {
		n := nodes[best]
		return &n
	}

	for i := range nodes {
		if nodes[i].Enabled {
			n := nodes[i]
			return &n
		}
	}
	return nil
}

func preferred(n model.Node) bool {
	return n.Enabled && n.Healthy && n.SyncStatus == model.SyncSynced && n.ConsecutiveFailures == 0
}

// faster reports whether a strictly beats b.
func faster(a, b model.Node) bool {
	switch {
	case a.ResponseTime == nil:
		return false
	case b.ResponseTime == nil:
		return true
	default:
		return *a.ResponseTime < *b.ResponseTime
	}
}
