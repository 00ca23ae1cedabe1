// Package rostersync pushes the account roster out to nodes. Every node is
// handled in its own task, so one failing node never affects another.
package rostersync

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"ovfleet/internal/fanout"
	"ovfleet/internal/model"
	"ovfleet/internal/nodeapi"
	"ovfleet/internal/store"
)

type Options struct {
	Repo      store.Repository
	Roster    store.Roster
	Connector nodeapi.Connector
	Budget    nodeapi.Budget

	// Concurrency bounds in-flight calls at each fan-out level; <= 0 is unbounded.
	Concurrency int

	Logger log.Logger
}

type Coordinator struct {
	repo        store.Repository
	roster      store.Roster
	connector   nodeapi.Connector
	budget      nodeapi.Budget
	concurrency int
	logger      log.Logger
}

func NewCoordinator(opts Options) *Coordinator {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Coordinator{
		repo:        opts.Repo,
		roster:      opts.Roster,
		connector:   opts.Connector,
		budget:      opts.Budget,
		concurrency: opts.Concurrency,
		logger:      log.With(logger, "component", "rostersync"),
	}
}

// FleetSyncReport aggregates roster pushes across nodes.
type FleetSyncReport struct {
	Results []model.RosterResult
	Total   int
	Synced  int
	Failed  int
}

func newFleetReport(results []model.RosterResult) FleetSyncReport {
	r := FleetSyncReport{Results: results}
	for _, res := range results {
		r.Total += res.Total
		r.Synced += res.Synced
		r.Failed += res.Failed
	}
	return r
}

// PushUser creates the node-qualified account for user on node.
func (c *Coordinator) PushUser(ctx context.Context, user string, node model.Node) model.SyncOutcome {
	return c.pushUser(ctx, c.connector.Connect(node, c.budget), user, node)
}

func (c *Coordinator) pushUser(ctx context.Context, api nodeapi.API, user string, node model.Node) model.SyncOutcome {
	out := model.SyncOutcome{NodeID: node.ID, Address: node.Address, User: user}
	if err := api.CreateAccount(ctx, model.QualifiedAccount(user, node.Name)); err != nil {
		level.Warn(c.logger).Log("msg", "failed to push user", "node", node.Endpoint(), "user", user, "err", err)
		out.Err = err
		return out
	}
	out.Success = true
	return out
}

func (c *Coordinator) removeUser(ctx context.Context, api nodeapi.API, user string, node model.Node) model.SyncOutcome {
	out := model.SyncOutcome{NodeID: node.ID, Address: node.Address, User: user}
	if err := api.DeleteAccount(ctx, model.QualifiedAccount(user, node.Name)); err != nil {
		level.Warn(c.logger).Log("msg", "failed to remove user", "node", node.Endpoint(), "user", user, "err", err)
		out.Err = err
		return out
	}
	out.Success = true
	return out
}

func outcomePanic(node model.Node) func(string, error) model.SyncOutcome {
	return func(user string, err error) model.SyncOutcome {
		return model.SyncOutcome{NodeID: node.ID, Address: node.Address, User: user, Err: err}
	}
}

// PushFullRoster pushes every active roster user to node and stores the
// resulting sync status.
func (c *Coordinator) PushFullRoster(ctx context.Context, node model.Node) model.RosterResult {
	res := model.RosterResult{NodeID: node.ID, Address: node.Address}

	entries, err := c.roster.ActiveUsers(ctx)
	if err != nil {
		level.Error(c.logger).Log("msg", "failed to load roster", "node", node.Endpoint(), "err", err)
		res.Status = model.SyncFailed
		res.Err = fmt.Errorf("load roster: %w", err)
		if err := c.repo.UpdateSyncStatus(ctx, node.ID, res.Status); err != nil {
			res.Err = errors.Join(res.Err, err)
		}
		return res
	}

	users := make([]string, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.Name)
	}

	api := c.connector.Connect(node, c.budget)
	outcomes := fanout.Run(ctx, c.concurrency, users, func(ctx context.Context, user string) model.SyncOutcome {
		return c.pushUser(ctx, api, user, node)
	}, outcomePanic(node))

	res.Total = len(outcomes)
	for _, o := range outcomes {
		if o.Success {
			res.Synced++
		} else {
			res.Failed++
		}
	}
	res.Status = model.DeriveSyncStatus(res.Total, res.Synced, res.Failed)

	if err := c.repo.UpdateSyncStatus(ctx, node.ID, res.Status); err != nil {
		level.Error(c.logger).Log("msg", "failed to store sync status", "node", node.Endpoint(), "err", err)
		res.Err = err
	}

	level.Info(c.logger).Log(
		"msg", "roster pushed",
		"node", node.Endpoint(),
		"total", res.Total,
		"synced", res.Synced,
		"failed", res.Failed,
		"status", res.Status,
	)
	return res
}

// PushToAllHealthy pushes the full roster to every eligible node.
func (c *Coordinator) PushToAllHealthy(ctx context.Context) (FleetSyncReport, error) {
	return c.pushRosterWhere(ctx, model.Node.Eligible)
}

// PushToPending pushes the full roster to eligible nodes whose roster is not
// known to be current.
func (c *Coordinator) PushToPending(ctx context.Context) (FleetSyncReport, error) {
	return c.pushRosterWhere(ctx, func(n model.Node) bool {
		return n.Eligible() && n.SyncStatus.NeedsSync()
	})
}

func (c *Coordinator) pushRosterWhere(ctx context.Context, keep func(model.Node) bool) (FleetSyncReport, error) {
	nodes, err := c.nodesWhere(ctx, keep)
	if err != nil {
		return FleetSyncReport{}, err
	}
	if len(nodes) == 0 {
		level.Debug(c.logger).Log("msg", "no nodes to sync")
		return FleetSyncReport{}, nil
	}

	results := fanout.Run(ctx, c.concurrency, nodes, c.PushFullRoster, func(n model.Node, err error) model.RosterResult {
		level.Error(c.logger).Log("msg", "roster push task failed", "node", n.Endpoint(), "err", err)
		return model.RosterResult{NodeID: n.ID, Address: n.Address, Status: model.SyncFailed, Err: err}
	})

	report := newFleetReport(results)
	level.Info(c.logger).Log("msg", "fleet sync finished", "nodes", len(results), "synced", report.Synced, "failed", report.Failed)
	return report, nil
}

// PushUserToAllHealthy creates one user's account on every eligible node.
// Sync status is left untouched; a node that missed the user is repaired by
// the next full push.
func (c *Coordinator) PushUserToAllHealthy(ctx context.Context, user string) ([]model.SyncOutcome, error) {
	nodes, err := c.nodesWhere(ctx, model.Node.Eligible)
	if err != nil {
		return nil, err
	}
	return fanout.Run(ctx, c.concurrency, nodes, func(ctx context.Context, n model.Node) model.SyncOutcome {
		return c.PushUser(ctx, user, n)
	}, func(n model.Node, err error) model.SyncOutcome {
		return model.SyncOutcome{NodeID: n.ID, Address: n.Address, User: user, Err: err}
	}), nil
}

// RemoveUserFromAll deletes one user's account from every node, including
// disabled and unhealthy ones.
func (c *Coordinator) RemoveUserFromAll(ctx context.Context, user string) ([]model.SyncOutcome, error) {
	nodes, err := c.nodesWhere(ctx, nil)
	if err != nil {
		return nil, err
	}
	return fanout.Run(ctx, c.concurrency, nodes, func(ctx context.Context, n model.Node) model.SyncOutcome {
		return c.removeUser(ctx, c.connector.Connect(n, c.budget), user, n)
	}, func(n model.Node, err error) model.SyncOutcome {
		return model.SyncOutcome{NodeID: n.ID, Address: n.Address, User: user, Err: err}
	}), nil
}

// RemoveAllFromNode deletes every roster account from one node.
func (c *Coordinator) RemoveAllFromNode(ctx context.Context, node model.Node) ([]model.SyncOutcome, error) {
	entries, err := c.roster.ActiveUsers(ctx)
	if err != nil {
		return nil, fmt.Errorf("load roster: %w", err)
	}
	users := make([]string, 0, len(entries))
	for _, e := range entries {
		users = append(users, e.Name)
	}

	api := c.connector.Connect(node, c.budget)
	return fanout.Run(ctx, c.concurrency, users, func(ctx context.Context, user string) model.SyncOutcome {
		return c.removeUser(ctx, api, user, node)
	}, outcomePanic(node)), nil
}

func (c *Coordinator) nodesWhere(ctx context.Context, keep func(model.Node) bool) ([]model.Node, error) {
	nodes, err := c.repo.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}
	if keep == nil {
		return nodes, nil
	}
	out := nodes[:0]
	for _, n := range nodes {
		if keep(n) {
			out = append(out, n)
		}
	}
	return out, nil
}
