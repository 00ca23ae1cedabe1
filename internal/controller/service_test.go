package controller

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"ovfleet/internal/config"
	"ovfleet/internal/installer"
	"ovfleet/internal/model"
	"ovfleet/internal/nodeapi"
	"ovfleet/internal/nodeapi/nodeapitest"
	"ovfleet/internal/sshx"
	"ovfleet/internal/store"
	"ovfleet/internal/vault"
)

const testKey = "node-key-0123456789"

type fixture struct {
	svc   *Service
	repo  *store.Registry
	conn  *nodeapitest.Connector
	vault *vault.FileVault
}

func newFixture(t *testing.T, users []string, boot Bootstrapper, mutate func(*config.Config)) *fixture {
	t.Helper()

	var cfg config.Config
	config.ApplyDefaults(&cfg)
	if mutate != nil {
		mutate(&cfg)
	}

	roster := make(store.StaticRoster, 0, len(users))
	for _, u := range users {
		roster = append(roster, model.RosterEntry{Name: u, Active: true})
	}

	v, err := vault.OpenFileVault(t.TempDir(), bytes.Repeat([]byte{7}, vault.KeySize))
	require.NoError(t, err)

	f := &fixture{repo: store.NewMemoryRegistry(), conn: nodeapitest.NewConnector(), vault: v}
	f.svc = New(cfg, Deps{
		Repo:      f.repo,
		Roster:    roster,
		Vault:     v,
		Connector: f.conn,
		Installer: boot,
	})
	return f
}

func spec(name, addr string) NodeSpec {
	return NodeSpec{Name: name, Address: addr, Port: 9090, Protocol: "tcp", TunnelPort: 1194, Key: testKey, Enabled: true}
}

func (f *fixture) add(t *testing.T, name, addr string) model.Node {
	t.Helper()
	f.conn.Node(addr + ":9090")
	res, err := f.svc.AddNode(context.Background(), spec(name, addr))
	require.NoError(t, err)
	return res.Node
}

func TestAddNode_PushesFullRoster(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"alice", "bob", "carol"}, nil, nil)
	fake := f.conn.Node("10.0.0.1:9090")
	fake.SetLatency(40 * time.Millisecond)

	res, err := f.svc.AddNode(context.Background(), spec("fra1", "10.0.0.1"))
	require.NoError(t, err)
	require.True(t, res.Synced)
	require.Equal(t, 3, res.Roster.Total)
	require.Equal(t, 3, res.Roster.Synced)
	require.Equal(t, 0, res.Roster.Failed)

	require.Equal(t, model.SyncSynced, res.Node.SyncStatus)
	require.True(t, res.Node.Healthy)
	require.NotNil(t, res.Node.ResponseTime)
	require.Equal(t, 40*time.Millisecond, *res.Node.ResponseTime)
	require.Equal(t, []string{"alice-fra1", "bob-fra1", "carol-fra1"}, fake.Accounts())

	budgets := fake.Budgets()
	require.Equal(t, nodeapi.Budget{Timeout: 5 * time.Second, MaxRetries: 1}, budgets[0])
	require.Equal(t, nodeapi.Budget{Timeout: 10 * time.Second, MaxRetries: 2}, budgets[1])
}

func TestAddNode_UnhealthyIsNotRegistered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice"}, nil, nil)
	f.conn.Node("10.0.0.1:9090").SetHealthy(false)

	_, err := f.svc.AddNode(ctx, spec("fra1", "10.0.0.1"))
	require.ErrorIs(t, err, ErrNodeUnhealthy)

	nodes, err := f.repo.Nodes(ctx)
	require.NoError(t, err)
	require.Empty(t, nodes)
}

func TestAddNode_ValidatesInput(t *testing.T) {
	t.Parallel()

	f := newFixture(t, nil, nil, nil)
	cases := map[string]func(*NodeSpec){
		"short key":     func(s *NodeSpec) { s.Key = "short" },
		"long key":      func(s *NodeSpec) { s.Key = strings.Repeat("k", 41) },
		"long name":     func(s *NodeSpec) { s.Name = "averylongname" },
		"bad protocol":  func(s *NodeSpec) { s.Protocol = "sctp" },
		"port range":    func(s *NodeSpec) { s.Port = 70000 },
		"empty address": func(s *NodeSpec) { s.Address = "" },
	}
	for name, mutate := range cases {
		s := spec("fra1", "10.0.0.1")
		mutate(&s)
		_, err := f.svc.AddNode(context.Background(), s)
		require.ErrorIs(t, err, ErrInvalidInput, name)
	}
}

func TestAddNode_DisabledDefersRosterPush(t *testing.T) {
	t.Parallel()

	f := newFixture(t, []string{"alice"}, nil, nil)
	fake := f.conn.Node("10.0.0.1:9090")

	s := spec("fra1", "10.0.0.1")
	s.Enabled = false
	res, err := f.svc.AddNode(context.Background(), s)
	require.NoError(t, err)
	require.False(t, res.Synced)
	require.Equal(t, model.SyncNeverSynced, res.Node.SyncStatus)
	require.Empty(t, fake.Accounts())
}

func TestFailingNodeIsDisabledThenRecoveredAndResynced(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice", "bob"}, nil, nil)
	a := f.add(t, "a", "10.0.0.1")
	b := f.add(t, "b", "10.0.0.2")
	fakeB := f.conn.Node("10.0.0.2:9090")

	fakeB.SetHealthy(false)
	for i := 1; i <= model.AutoDisableThreshold; i++ {
		_, err := f.svc.Health().ProbeAll(ctx)
		require.NoError(t, err)
		got, err := f.repo.Node(ctx, b.ID)
		require.NoError(t, err)
		require.Equal(t, i, got.ConsecutiveFailures)
		require.Equal(t, i < model.AutoDisableThreshold, got.Enabled, "after %d failures", i)
	}

	fakeB.SetHealthy(true)
	recovered, err := f.svc.Health().Recover(ctx)
	require.NoError(t, err)
	require.Len(t, recovered, 1)
	require.Equal(t, b.ID, recovered[0].NodeID)

	gotB, err := f.repo.Node(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, gotB.Enabled)
	require.Equal(t, model.SyncPending, gotB.SyncStatus)

	report, err := f.svc.SyncPending(ctx)
	require.NoError(t, err)
	require.Len(t, report.Results, 1)
	require.Equal(t, b.ID, report.Results[0].NodeID)
	require.Equal(t, 2, report.Synced)

	gotB, err = f.repo.Node(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, gotB.Eligible())
	require.Equal(t, model.SyncSynced, gotB.SyncStatus)

	gotA, err := f.repo.Node(ctx, a.ID)
	require.NoError(t, err)
	require.Equal(t, model.SyncSynced, gotA.SyncStatus)
}

func TestTick_AfterTickPushesRecoveredNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice"}, nil, func(c *config.Config) { c.Sync.AfterTick = true })
	f.add(t, "a", "10.0.0.1")
	b := f.add(t, "b", "10.0.0.2")

	// b is disabled in the registry but its agent answers.
	for i := 0; i < model.AutoDisableThreshold; i++ {
		_, err := f.repo.UpdateHealth(ctx, b.ID, false, nil)
		require.NoError(t, err)
	}

	report, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, report.Health.Recovered, 1)
	require.NotNil(t, report.Sync)
	require.Len(t, report.Sync.Results, 1)
	require.Equal(t, b.ID, report.Sync.Results[0].NodeID)

	got, err := f.repo.Node(ctx, b.ID)
	require.NoError(t, err)
	require.True(t, got.Eligible())
	require.Equal(t, model.SyncSynced, got.SyncStatus)
}

func TestTick_SkipsRosterPushUnlessConfigured(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice"}, nil, nil)
	n := f.add(t, "a", "10.0.0.1")
	require.NoError(t, f.repo.UpdateSyncStatus(ctx, n.ID, model.SyncPending))

	report, err := f.svc.Tick(ctx)
	require.NoError(t, err)
	require.Nil(t, report.Sync)
	require.Empty(t, report.Health.Recovered)
	require.Equal(t, 1, report.Health.Summary.Healthy)

	got, err := f.repo.Node(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, model.SyncPending, got.SyncStatus)

	sr, err := f.svc.SyncPending(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, sr.Synced)
	got, err = f.repo.Node(ctx, n.ID)
	require.NoError(t, err)
	require.Equal(t, model.SyncSynced, got.SyncStatus)
}

func TestDownload_SelectsFastestNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice"}, nil, nil)
	f.conn.Node("10.0.0.1:9090").SetLatency(80 * time.Millisecond)
	f.conn.Node("10.0.0.2:9090").SetLatency(20 * time.Millisecond)
	f.add(t, "slow", "10.0.0.1")
	fast := f.add(t, "fast", "10.0.0.2")

	profile, node, err := f.svc.Download(ctx, "alice", "")
	require.NoError(t, err)
	require.Equal(t, fast.ID, node.ID)
	require.Contains(t, string(profile), "alice-fast")
}

func TestDownload_FailureCountsAgainstNodeHealth(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, nil, nil)
	n := f.add(t, "fra1", "10.0.0.1")

	_, _, err := f.svc.Download(ctx, "nobody", n.ID)
	require.ErrorIs(t, err, nodeapi.ErrRejected)

	got, err := f.repo.Node(ctx, n.ID)
	require.NoError(t, err)
	require.False(t, got.Healthy)
	require.Equal(t, 1, got.ConsecutiveFailures)
	require.True(t, got.Enabled)
}

func TestDownload_NoEligibleNodes(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice"}, nil, nil)

	_, _, err := f.svc.Download(ctx, "alice", "")
	require.ErrorIs(t, err, ErrNoNodesAvailable)

	n := f.add(t, "fra1", "10.0.0.1")
	_, err = f.repo.UpdateHealth(ctx, n.ID, false, nil)
	require.NoError(t, err)

	_, _, err = f.svc.Download(ctx, "alice", "fra1")
	require.ErrorIs(t, err, ErrNodeUnavailable)
}

func TestRemoveNode_DeletesAccountsRecordAndCredentials(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, []string{"alice", "bob"}, nil, nil)
	fake := f.conn.Node("10.0.0.1:9090")

	s := spec("fra1", "10.0.0.1")
	s.CredentialRef = "10.0.0.1"
	require.NoError(t, f.vault.Save(ctx, s.CredentialRef, vault.Credentials{Node: vault.NodeCredentials{APIKey: testKey}}))
	_, err := f.svc.AddNode(ctx, s)
	require.NoError(t, err)
	require.Len(t, fake.Accounts(), 2)

	res, err := f.svc.RemoveNode(ctx, "10.0.0.1")
	require.NoError(t, err)
	require.Len(t, res.Accounts, 2)
	require.Empty(t, fake.Accounts())

	nodes, err := f.repo.Nodes(ctx)
	require.NoError(t, err)
	require.Empty(t, nodes)

	_, err = f.vault.Load(ctx, s.CredentialRef)
	require.ErrorIs(t, err, vault.ErrNotFound)

	_, err = f.svc.RemoveNode(ctx, "10.0.0.1")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestListNodesAndStatus(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, nil, nil)
	f.conn.Node("10.0.0.1:9090").SetLatency(12345 * time.Microsecond)
	up := f.add(t, "up", "10.0.0.1")
	down := f.add(t, "down", "10.0.0.2")
	_, err := f.repo.UpdateHealth(ctx, down.ID, false, nil)
	require.NoError(t, err)

	views, err := f.svc.ListNodes(ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)
	require.True(t, views[0].Active)
	require.NotNil(t, views[0].ResponseTimeSeconds)
	require.InDelta(t, 0.012, *views[0].ResponseTimeSeconds, 1e-9)
	require.False(t, views[1].Active)

	st, err := f.svc.NodeStatus(ctx, up.ID)
	require.NoError(t, err)
	require.Equal(t, "running", st.Info["status"])

	probes := f.conn.Node("10.0.0.2:9090").Probes()
	st, err = f.svc.NodeStatus(ctx, "down")
	require.NoError(t, err)
	require.Nil(t, st.Info)
	require.Equal(t, probes, f.conn.Node("10.0.0.2:9090").Probes())
}

func TestUserAddAndRemove(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t, nil, nil, nil)
	f.add(t, "a", "10.0.0.1")
	b := f.add(t, "b", "10.0.0.2")
	_, err := f.repo.UpdateHealth(ctx, b.ID, false, nil)
	require.NoError(t, err)

	added, err := f.svc.AddUser(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, added, 1)
	require.Equal(t, []string{"dave-a"}, f.conn.Node("10.0.0.1:9090").Accounts())

	f.conn.Node("10.0.0.2:9090").AddAccount("dave-b")
	removed, err := f.svc.RemoveUser(ctx, "dave")
	require.NoError(t, err)
	require.Len(t, removed, 2)
	require.Empty(t, f.conn.Node("10.0.0.1:9090").Accounts())

	_, err = f.svc.AddUser(ctx, " ")
	require.ErrorIs(t, err, ErrInvalidInput)
}

// stubBootstrapper returns a fixed result and records requests.
type stubBootstrapper struct {
	mu       sync.Mutex
	res      model.InstallResult
	err      error
	requests []installer.Request
	entered  chan struct{}
	release  chan struct{}
}

func (b *stubBootstrapper) Install(ctx context.Context, req installer.Request) (model.InstallResult, error) {
	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()
	if b.entered != nil {
		b.entered <- struct{}{}
		<-b.release
	}
	return b.res, b.err
}

func installRequest() InstallRequest {
	return InstallRequest{
		Name:       "fra1",
		SSH:        sshx.Target{Host: "203.0.113.10", User: "root", Auth: sshx.Auth{Password: "pw"}},
		NodePort:   9090,
		Protocol:   "tcp",
		TunnelPort: 1194,
		Enabled:    true,
		Storage:    installer.ObjectStorage{Bucket: "profiles", AccessKeyID: "id", SecretAccessKey: "secret"},
	}
}

func TestInstallNode_RegistersUnderPublicIP(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boot := &stubBootstrapper{res: model.InstallResult{
		Success: true,
		Outcome: model.OutcomeSuccess,
		Server:  model.ServerInfo{PublicIP: "198.51.100.7"},
	}}
	f := newFixture(t, []string{"alice"}, boot, nil)
	fake := f.conn.Node("198.51.100.7:9090")

	report, err := f.svc.InstallNode(ctx, installRequest())
	require.NoError(t, err)
	require.NotNil(t, report.Added)
	require.Len(t, report.APIKey, 36)
	require.Equal(t, report.APIKey, boot.requests[0].APIKey)

	n := report.Added.Node
	require.Equal(t, "198.51.100.7", n.Address)
	require.Equal(t, report.APIKey, n.Key)
	require.Equal(t, "203.0.113.10", n.CredentialRef)
	require.Equal(t, []string{"alice-fra1"}, fake.Accounts())

	creds, err := f.vault.Load(ctx, "203.0.113.10")
	require.NoError(t, err)
	require.Equal(t, report.APIKey, creds.Node.APIKey)
	require.Equal(t, "pw", creds.SSH.Password)
	require.Equal(t, "secret", creds.Storage.SecretAccessKey)
}

func TestInstallNode_BadCredentialsStopBeforeRegistration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dial := installer.DialFunc(func(context.Context, sshx.Target) (installer.Session, error) {
		return nil, errors.New("ssh: handshake failed: ssh: unable to authenticate, attempted methods [none password]")
	})
	boot := installer.New(dial, InstallerSettings(config.InstallerConfig{}), nil)
	f := newFixture(t, []string{"alice"}, boot, nil)

	report, err := f.svc.InstallNode(ctx, installRequest())
	require.Error(t, err)
	require.False(t, report.Install.Success)
	require.Equal(t, model.StepSSHConnectionTest, report.Install.FailedStep)
	require.Nil(t, report.Added)

	nodes, err := f.repo.Nodes(ctx)
	require.NoError(t, err)
	require.Empty(t, nodes)

	_, err = f.vault.Load(ctx, "203.0.113.10")
	require.ErrorIs(t, err, vault.ErrNotFound)
}

func TestInstallNode_UnreachableAgentFailsRegistration(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boot := &stubBootstrapper{res: model.InstallResult{Success: true, Outcome: model.OutcomeDegraded}}
	f := newFixture(t, nil, boot, nil)

	report, err := f.svc.InstallNode(ctx, installRequest())
	require.ErrorIs(t, err, ErrNodeUnhealthy)
	var se *installer.StepError
	require.ErrorAs(t, err, &se)
	require.Equal(t, model.StepRegistration, se.Step)
	require.Equal(t, model.StepRegistration, report.Install.FailedStep)
	require.False(t, report.Install.Success)
	require.NotEmpty(t, report.APIKey)

	// Credentials are kept so the node can be registered by hand later.
	creds, err := f.vault.Load(ctx, "203.0.113.10")
	require.NoError(t, err)
	require.Equal(t, report.APIKey, creds.Node.APIKey)
}

func TestInstallNode_OneInstallPerHost(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	boot := &stubBootstrapper{
		res:     model.InstallResult{Success: true, Server: model.ServerInfo{PublicIP: "198.51.100.7"}},
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
	f := newFixture(t, nil, boot, nil)
	f.conn.Node("198.51.100.7:9090")

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.InstallNode(ctx, installRequest())
		done <- err
	}()
	<-boot.entered

	_, err := f.svc.InstallNode(ctx, installRequest())
	require.ErrorIs(t, err, ErrInstallInProgress)

	close(boot.release)
	require.NoError(t, <-done)
}
