// Package health probes the node fleet, records the outcomes and brings
// recovered nodes back into rotation.
package health

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"ovfleet/internal/fanout"
	"ovfleet/internal/metrics"
	"ovfleet/internal/model"
	"ovfleet/internal/nodeapi"
	"ovfleet/internal/store"
)

// ErrProbeFailed marks an outcome where the node did not answer the status
// call successfully.
var ErrProbeFailed = errors.New("health probe failed")

type Options struct {
	Repo      store.Repository
	Connector nodeapi.Connector
	Budget    nodeapi.Budget

	// Concurrency bounds the number of probes in flight; <= 0 is unbounded.
	Concurrency int

	// HistoryPath, when set, receives one CSV row per probe of every tick.
	HistoryPath string

	Logger log.Logger
	Now    func() time.Time
}

type Monitor struct {
	repo        store.Repository
	connector   nodeapi.Connector
	budget      nodeapi.Budget
	concurrency int
	historyPath string
	logger      log.Logger
	now         func() time.Time
}

func NewMonitor(opts Options) *Monitor {
	logger := opts.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Monitor{
		repo:        opts.Repo,
		connector:   opts.Connector,
		budget:      opts.Budget,
		concurrency: opts.Concurrency,
		historyPath: opts.HistoryPath,
		logger:      log.With(logger, "component", "health"),
		now:         now,
	}
}

// ProbeNode probes a single node and records the outcome in the repository.
func (m *Monitor) ProbeNode(ctx context.Context, node model.Node) model.ProbeOutcome {
	api := m.connector.Connect(node, m.budget)
	ok, latency := api.ProbeHealth(ctx)

	out := model.ProbeOutcome{
		NodeID:  node.ID,
		Address: node.Address,
		Healthy: ok,
		Latency: latency,
	}
	if !ok {
		out.Latency = nil
		out.Err = fmt.Errorf("%w: %s", ErrProbeFailed, node.Endpoint())
	}
	return m.record(ctx, node, out)
}

// probeSafe is ProbeNode for callers without their own panic isolation.
func (m *Monitor) probeSafe(ctx context.Context, node model.Node) (out model.ProbeOutcome) {
	defer func() {
		if v := recover(); v != nil {
			out = m.recordCrash(ctx, node, &fanout.PanicError{Value: v, Stack: debug.Stack()})
		}
	}()
	return m.ProbeNode(ctx, node)
}

// recordCrash counts a probe that panicked as a failed probe of that node.
func (m *Monitor) recordCrash(ctx context.Context, node model.Node, err error) model.ProbeOutcome {
	level.Error(m.logger).Log("msg", "probe task failed", "node", node.Endpoint(), "err", err)
	return m.record(ctx, node, model.ProbeOutcome{
		NodeID:              node.ID,
		Address:             node.Address,
		ConsecutiveFailures: node.ConsecutiveFailures,
		Err:                 err,
	})
}

func (m *Monitor) record(ctx context.Context, node model.Node, out model.ProbeOutcome) model.ProbeOutcome {
	updated, err := m.repo.UpdateHealth(ctx, node.ID, out.Healthy, out.Latency)
	if err != nil {
		level.Error(m.logger).Log("msg", "failed to record probe outcome", "node", node.Endpoint(), "err", err)
		out.Err = errors.Join(out.Err, err)
		return out
	}
	out.ConsecutiveFailures = updated.ConsecutiveFailures

	if node.Enabled && !updated.Enabled {
		level.Warn(m.logger).Log(
			"msg", "node disabled after consecutive failures",
			"node", node.Endpoint(),
			"failures", updated.ConsecutiveFailures,
		)
	}
	return out
}

// ProbeAll probes every registered node concurrently and waits for all of
// them. A panicking probe counts as a failed probe of that node only.
func (m *Monitor) ProbeAll(ctx context.Context) ([]model.ProbeOutcome, error) {
	nodes, err := m.repo.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	outcomes := fanout.Run(ctx, m.concurrency, nodes, m.ProbeNode, func(n model.Node, err error) model.ProbeOutcome {
		return m.recordCrash(ctx, n, err)
	})

	healthy := 0
	for _, o := range outcomes {
		if o.Healthy {
			healthy++
		}
	}
	level.Info(m.logger).Log("msg", "probe round finished", "nodes", len(nodes), "healthy", healthy)
	return outcomes, nil
}

// Recover re-probes nodes that are unhealthy or disabled, one at a time. A node
// that answers is re-enabled and flagged for a roster push. Nodes that are
// already eligible are left alone.
func (m *Monitor) Recover(ctx context.Context) ([]model.ProbeOutcome, error) {
	nodes, err := m.repo.Nodes(ctx)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	var recovered []model.ProbeOutcome
	for _, n := range nodes {
		if n.Eligible() {
			continue
		}
		if ctx.Err() != nil {
			return recovered, ctx.Err()
		}

		out := m.probeSafe(ctx, n)
		if !out.Healthy || out.Err != nil {
			continue
		}
		if err := m.repo.MarkRecovered(ctx, n.ID); err != nil {
			level.Error(m.logger).Log("msg", "failed to mark node recovered", "node", n.Endpoint(), "err", err)
			continue
		}
		level.Info(m.logger).Log("msg", "node recovered", "node", n.Endpoint())
		recovered = append(recovered, out)
	}
	return recovered, nil
}

// TickReport summarizes one health tick.
type TickReport struct {
	Probes    []model.ProbeOutcome
	Recovered []model.ProbeOutcome
	Summary   metrics.Summary
}

// Tick runs a probe round followed by a recovery pass.
func (m *Monitor) Tick(ctx context.Context) (TickReport, error) {
	probes, err := m.ProbeAll(ctx)
	if err != nil {
		return TickReport{}, err
	}
	report := TickReport{Probes: probes, Summary: metrics.SummarizeRound(probes)}

	if m.historyPath != "" {
		if err := metrics.AppendCSV(m.historyPath, metrics.RecordsFromOutcomes(probes, m.now())); err != nil {
			level.Warn(m.logger).Log("msg", "failed to append probe history", "path", m.historyPath, "err", err)
		}
	}

	report.Recovered, err = m.Recover(ctx)
	if err != nil {
		return report, err
	}
	return report, nil
}
