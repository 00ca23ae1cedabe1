package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/go-kit/log/level"

	"ovfleet/internal/controller"
	"ovfleet/internal/metrics"
	"ovfleet/internal/model"
	"ovfleet/internal/rostersync"
)

func handleTick(args []string) {
	fs, common := newFlagSet("tick")
	every := fs.Duration("every", 0, "repeat at this interval until interrupted (0 runs once)")
	_ = fs.Parse(args)

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	if *every <= 0 {
		report, err := e.svc.Tick(ctx)
		printTick(report)
		fatal(err)
		return
	}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		report, err := e.svc.Tick(ctx)
		if err != nil && ctx.Err() == nil {
			level.Error(e.logger).Log("msg", "tick failed", "err", err)
		} else if err == nil {
			printTick(report)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func printTick(report controller.TickReport) {
	s := report.Health.Summary
	fmt.Fprintf(os.Stdout, "probed=%d healthy=%d unhealthy=%d recovered=%d", s.Count, s.Healthy, s.Unhealthy, len(report.Health.Recovered))
	if s.Healthy > 0 {
		fmt.Fprintf(os.Stdout, " latency avg=%s p95=%s", s.AvgLatency.Round(time.Millisecond), s.P95Latency.Round(time.Millisecond))
	}
	fmt.Fprintln(os.Stdout)
	if report.Sync != nil {
		printFleetSync("sync pending", *report.Sync)
	}
}

func handleRecover(args []string) {
	fs, common := newFlagSet("recover")
	_ = fs.Parse(args)

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	recovered, err := e.svc.Health().Recover(ctx)
	for _, o := range recovered {
		fmt.Fprintf(os.Stdout, "recovered %s (%s)\n", o.NodeID, o.Address)
	}
	fatal(err)
	if len(recovered) == 0 {
		fmt.Fprintln(os.Stdout, "no nodes recovered")
	}
}

func handleSync(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "sync target required (all or pending)\n")
		os.Exit(2)
	}
	target := args[0]
	if target != "all" && target != "pending" {
		fmt.Fprintf(os.Stderr, "unknown sync target %q\n", target)
		os.Exit(2)
	}

	fs, common := newFlagSet("sync " + target)
	_ = fs.Parse(args[1:])

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	var report rostersync.FleetSyncReport
	if target == "all" {
		report, err = e.svc.SyncAll(ctx)
	} else {
		report, err = e.svc.SyncPending(ctx)
	}
	fatal(err)
	printFleetSync("sync "+target, report)
}

func printFleetSync(label string, r rostersync.FleetSyncReport) {
	fmt.Fprintf(os.Stdout, "%s: nodes=%d total=%d synced=%d failed=%d\n", label, len(r.Results), r.Total, r.Synced, r.Failed)
	for _, res := range r.Results {
		line := fmt.Sprintf("  %s %s synced=%d/%d status=%s", res.NodeID, res.Address, res.Synced, res.Total, res.Status)
		if res.Err != nil {
			line += " err=" + res.Err.Error()
		}
		fmt.Fprintln(os.Stdout, line)
	}
}

func handleUser(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "user subcommand required (add or remove)\n")
		os.Exit(2)
	}
	action := args[0]
	if action != "add" && action != "remove" {
		fmt.Fprintf(os.Stderr, "unknown user subcommand %q\n", action)
		os.Exit(2)
	}

	fs, common := newFlagSet("user " + action)
	_ = fs.Parse(args[1:])
	name := requireArg(fs, "user")

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	var outcomes []model.SyncOutcome
	if action == "add" {
		outcomes, err = e.svc.AddUser(ctx, name)
	} else {
		outcomes, err = e.svc.RemoveUser(ctx, name)
	}
	fatal(err)

	failed := 0
	for _, o := range outcomes {
		if o.Success {
			continue
		}
		failed++
		fmt.Fprintf(os.Stdout, "  %s %s: %v\n", o.NodeID, o.Address, o.Err)
	}
	fmt.Fprintf(os.Stdout, "user %s %s: nodes=%d ok=%d failed=%d\n", action, name, len(outcomes), len(outcomes)-failed, failed)
}

func handleDownload(args []string) {
	fs, common := newFlagSet("download")
	user := fs.String("user", "", "roster user")
	node := fs.String("node", "", "node id, name or address (default: best node)")
	out := fs.StringP("out", "o", "", "write the profile here instead of stdout")
	_ = fs.Parse(args)

	if *user == "" {
		fatal(errors.New("--user is required"))
	}

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	profile, n, err := e.svc.Download(ctx, *user, *node)
	fatal(err)

	if *out == "" {
		_, _ = os.Stdout.Write(profile)
		return
	}
	fatal(os.WriteFile(*out, profile, 0o600))
	fmt.Fprintf(os.Stderr, "wrote %s from node %s (%s)\n", *out, n.Name, n.Endpoint())
}

func handleHistory(args []string) {
	fs, common := newFlagSet("history")
	window := fs.Duration("window", time.Hour, "time window")
	path := fs.String("path", "", "probe history CSV path override")
	_ = fs.Parse(args)

	cfg, err := loadConfig(common.configPath)
	fatal(err)
	overrideCommon(&cfg, common)

	historyPath := *path
	if historyPath == "" {
		historyPath = cfg.Controller.HistoryPath
	}
	if historyPath == "" {
		fatal(errors.New("history path required (controller.history_path or --path)"))
	}

	items, err := metrics.ReadCSV(historyPath)
	fatal(err)

	cutoff := time.Now().UTC().Add(-*window)
	summary := metrics.Summarize(items, cutoff)
	if summary.Count == 0 {
		fmt.Fprintln(os.Stdout, "no probes in window")
		return
	}

	fmt.Fprintf(os.Stdout, "probes=%d from=%s to=%s\n", summary.Count, summary.From.Format(time.RFC3339), summary.To.Format(time.RFC3339))
	fmt.Fprintf(os.Stdout, "healthy=%d unhealthy=%d\n", summary.Healthy, summary.Unhealthy)
	if summary.Healthy > 0 {
		fmt.Fprintf(os.Stdout, "latency avg=%s p95=%s min=%s max=%s\n",
			summary.AvgLatency.Round(time.Millisecond), summary.P95Latency.Round(time.Millisecond),
			summary.MinLatency.Round(time.Millisecond), summary.MaxLatency.Round(time.Millisecond))
	}
}
