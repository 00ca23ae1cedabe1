package rostersync

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ovfleet/internal/model"
	"ovfleet/internal/nodeapi"
	"ovfleet/internal/nodeapi/nodeapitest"
	"ovfleet/internal/store"
)

func node(id, addr string) model.Node {
	return model.Node{ID: id, Name: id, Address: addr, Port: 9090, Enabled: true, Healthy: true, SyncStatus: model.SyncPending}
}

func roster(names ...string) store.StaticRoster {
	out := make(store.StaticRoster, 0, len(names))
	for _, n := range names {
		out = append(out, model.RosterEntry{Name: n, Active: true})
	}
	return out
}

func newCoordinator(repo store.Repository, r store.Roster, conn nodeapi.Connector) *Coordinator {
	return NewCoordinator(Options{
		Repo:        repo,
		Roster:      r,
		Connector:   conn,
		Budget:      nodeapi.Budget{Timeout: 10 * time.Second, MaxRetries: 2},
		Concurrency: 8,
	})
}

type failingRoster struct{}

func (failingRoster) ActiveUsers(context.Context) ([]model.RosterEntry, error) {
	return nil, errors.New("roster offline")
}

func TestPushFullRoster_AllSynced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := nodeapitest.NewConnector()
	fake := conn.Node("10.0.0.1:9090")
	n := node("fra", "10.0.0.1")
	repo := store.NewMemoryRegistry(n)

	res := newCoordinator(repo, roster("alice", "bob", "carol"), conn).PushFullRoster(ctx, n)
	require.NoError(t, res.Err)
	require.Equal(t, 3, res.Total)
	require.Equal(t, 3, res.Synced)
	require.Zero(t, res.Failed)
	require.Equal(t, model.SyncSynced, res.Status)
	require.Equal(t, []string{"alice-fra", "bob-fra", "carol-fra"}, fake.Accounts())

	got, _ := repo.Node(ctx, "fra")
	require.Equal(t, model.SyncSynced, got.SyncStatus)
	require.False(t, got.LastSyncAt.IsZero())
}

func TestPushFullRoster_StatusFromCounts(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name   string
		reject func(string) bool
		want   model.SyncStatus
		synced int
	}{
		{name: "partial", reject: func(a string) bool { return strings.HasPrefix(a, "bob") }, want: model.SyncPending, synced: 2},
		{name: "none", reject: func(string) bool { return true }, want: model.SyncFailed, synced: 0},
	}

	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			ctx := context.Background()
			conn := nodeapitest.NewConnector()
			conn.Node("10.0.0.1:9090").RejectAccounts(tc.reject)
			n := node("fra", "10.0.0.1")
			repo := store.NewMemoryRegistry(n)

			res := newCoordinator(repo, roster("alice", "bob", "carol"), conn).PushFullRoster(ctx, n)
			require.Equal(t, tc.want, res.Status)
			require.Equal(t, tc.synced, res.Synced)
			require.Equal(t, res.Total, res.Synced+res.Failed)

			got, _ := repo.Node(ctx, "fra")
			require.Equal(t, tc.want, got.SyncStatus)
			require.True(t, got.LastSyncAt.IsZero())
		})
	}
}

func TestPushFullRoster_EmptyRosterIsSynced(t *testing.T) {
	t.Parallel()

	conn := nodeapitest.NewConnector()
	conn.Node("10.0.0.1:9090")
	n := node("fra", "10.0.0.1")

	res := newCoordinator(store.NewMemoryRegistry(n), roster(), conn).PushFullRoster(context.Background(), n)
	require.Equal(t, model.SyncSynced, res.Status)
	require.Zero(t, res.Total)
}

func TestPushFullRoster_RosterErrorStoresFailed(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := nodeapitest.NewConnector()
	n := node("fra", "10.0.0.1")
	repo := store.NewMemoryRegistry(n)

	res := newCoordinator(repo, failingRoster{}, conn).PushFullRoster(ctx, n)
	require.Error(t, res.Err)
	require.Equal(t, model.SyncFailed, res.Status)

	got, _ := repo.Node(ctx, "fra")
	require.Equal(t, model.SyncFailed, got.SyncStatus)
}

func TestPushToAllHealthy_IsolatesNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := nodeapitest.NewConnector()
	conn.Node("10.0.0.1:9090")
	conn.Node("10.0.0.2:9090").SetHealthy(false)
	conn.Node("10.0.0.3:9090")

	disabled := node("c", "10.0.0.3")
	disabled.Enabled = false
	repo := store.NewMemoryRegistry(node("a", "10.0.0.1"), node("b", "10.0.0.2"), disabled)

	report, err := newCoordinator(repo, roster("alice", "bob"), conn).PushToAllHealthy(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Equal(t, 4, report.Total)
	require.Equal(t, 2, report.Synced)
	require.Equal(t, 2, report.Failed)

	a, _ := repo.Node(ctx, "a")
	b, _ := repo.Node(ctx, "b")
	c, _ := repo.Node(ctx, "c")
	require.Equal(t, model.SyncSynced, a.SyncStatus)
	require.Equal(t, model.SyncFailed, b.SyncStatus)
	require.Equal(t, model.SyncPending, c.SyncStatus)
	require.Empty(t, conn.Node("10.0.0.3:9090").Accounts())
}

func TestPushToPending_SkipsSyncedNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := nodeapitest.NewConnector()
	synced := conn.Node("10.0.0.1:9090")
	pending := conn.Node("10.0.0.2:9090")
	fresh := conn.Node("10.0.0.3:9090")

	a := node("a", "10.0.0.1")
	a.SyncStatus = model.SyncSynced
	c := node("c", "10.0.0.3")
	c.SyncStatus = model.SyncNeverSynced
	repo := store.NewMemoryRegistry(a, node("b", "10.0.0.2"), c)

	report, err := newCoordinator(repo, roster("alice"), conn).PushToPending(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 2)
	require.Empty(t, synced.Accounts())
	require.Equal(t, []string{"alice-b"}, pending.Accounts())
	require.Equal(t, []string{"alice-c"}, fresh.Accounts())
}

func TestPushUserToAllHealthy_EligibleOnly(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := nodeapitest.NewConnector()
	up := conn.Node("10.0.0.1:9090")
	off := conn.Node("10.0.0.2:9090")

	b := node("b", "10.0.0.2")
	b.Healthy = false
	repo := store.NewMemoryRegistry(node("a", "10.0.0.1"), b)

	outcomes, err := newCoordinator(repo, roster(), conn).PushUserToAllHealthy(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, outcomes, 1)
	require.True(t, outcomes[0].Success)
	require.Equal(t, []string{"dave-a"}, up.Accounts())
	require.Empty(t, off.Accounts())
}

func TestRemoveUserFromAll_IncludesUnhealthyNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	conn := nodeapitest.NewConnector()
	conn.Node("10.0.0.1:9090").AddAccount("dave-a")
	conn.Node("10.0.0.2:9090").AddAccount("dave-b")
	conn.Node("10.0.0.2:9090").AddAccount("erin-b")

	b := node("b", "10.0.0.2")
	b.Enabled = false
	b.Healthy = false
	repo := store.NewMemoryRegistry(node("a", "10.0.0.1"), b)

	outcomes, err := newCoordinator(repo, roster(), conn).RemoveUserFromAll(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	for _, o := range outcomes {
		require.True(t, o.Success, o.NodeID)
	}
	require.Empty(t, conn.Node("10.0.0.1:9090").Accounts())
	require.Equal(t, []string{"erin-b"}, conn.Node("10.0.0.2:9090").Accounts())
}

func TestRemoveAllFromNode(t *testing.T) {
	t.Parallel()

	conn := nodeapitest.NewConnector()
	fake := conn.Node("10.0.0.1:9090")
	fake.AddAccount("alice-a")
	fake.AddAccount("bob-a")
	n := node("a", "10.0.0.1")

	outcomes, err := newCoordinator(store.NewMemoryRegistry(n), roster("alice", "bob"), conn).RemoveAllFromNode(context.Background(), n)
	require.NoError(t, err)
	require.Len(t, outcomes, 2)
	require.Empty(t, fake.Accounts())
}
