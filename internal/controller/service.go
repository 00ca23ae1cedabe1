// Package controller ties the fleet components together into the operations
// the CLI exposes: node registration, removal, listing, profile downloads,
// health ticks and remote installs.
package controller

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/google/uuid"

	"ovfleet/internal/config"
	"ovfleet/internal/health"
	"ovfleet/internal/installer"
	"ovfleet/internal/model"
	"ovfleet/internal/nodeapi"
	"ovfleet/internal/rostersync"
	"ovfleet/internal/selector"
	"ovfleet/internal/sshx"
	"ovfleet/internal/store"
	"ovfleet/internal/vault"
)

var (
	ErrInvalidInput      = errors.New("invalid input")
	ErrNodeUnhealthy     = errors.New("node health check failed")
	ErrNoNodesAvailable  = errors.New("no nodes available")
	ErrNodeUnavailable   = errors.New("node unavailable")
	ErrInstallInProgress = errors.New("install already in progress for host")
)

const (
	maxNameLen = 10
	minKeyLen  = 10
	maxKeyLen  = 40
)

var nameRE = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Bootstrapper runs a remote install. *installer.Installer implements it.
type Bootstrapper interface {
	Install(ctx context.Context, req installer.Request) (model.InstallResult, error)
}

// Deps are the collaborators owned by the caller.
type Deps struct {
	Repo      store.Repository
	Roster    store.Roster
	Vault     vault.Vault
	Connector nodeapi.Connector
	Installer Bootstrapper
	Logger    log.Logger
}

// Budgets is the per-operation allowance for node API calls.
type Budgets struct {
	Health   nodeapi.Budget
	Add      nodeapi.Budget
	Sync     nodeapi.Budget
	Download nodeapi.Budget
}

// BudgetsFromConfig reads call budgets from a defaulted config. Downloads are
// never retried.
func BudgetsFromConfig(cfg config.Config) Budgets {
	retries := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	t, r := cfg.Timeouts, cfg.Retries
	return Budgets{
		Health:   nodeapi.Budget{Timeout: t.Health.Std(), MaxRetries: retries(r.Health)},
		Add:      nodeapi.Budget{Timeout: t.Add.Std(), MaxRetries: retries(r.Add)},
		Sync:     nodeapi.Budget{Timeout: t.Sync.Std(), MaxRetries: retries(r.Sync)},
		Download: nodeapi.Budget{Timeout: t.Download.Std()},
	}
}

// InstallerSettings maps the installer config section onto installer.Settings.
func InstallerSettings(cfg config.InstallerConfig) installer.Settings {
	return installer.Settings{
		SSHTimeout:      cfg.SSHTimeout.Std(),
		ScriptTimeout:   cfg.ScriptTimeout.Std(),
		APIWait:         cfg.APIWait.Std(),
		RepoURL:         cfg.RepoURL,
		VPNInstallerURL: cfg.VPNInstallerURL,
		ServiceName:     cfg.ServiceName,
		InstallDir:      cfg.InstallDir,
	}
}

// Service is the fleet control plane.
type Service struct {
	cfg     config.Config
	budgets Budgets

	repo      store.Repository
	vault     vault.Vault
	connector nodeapi.Connector
	installer Bootstrapper
	logger    log.Logger

	monitor *health.Monitor
	sync    *rostersync.Coordinator

	installMu  sync.Mutex
	installing map[string]struct{}
}

// New builds a Service. cfg must already have defaults applied.
func New(cfg config.Config, deps Deps) *Service {
	logger := deps.Logger
	if logger == nil {
		logger = log.NewNopLogger()
	}
	budgets := BudgetsFromConfig(cfg)

	return &Service{
		cfg:       cfg,
		budgets:   budgets,
		repo:      deps.Repo,
		vault:     deps.Vault,
		connector: deps.Connector,
		installer: deps.Installer,
		logger:    log.With(logger, "component", "controller"),
		monitor: health.NewMonitor(health.Options{
			Repo:        deps.Repo,
			Connector:   deps.Connector,
			Budget:      budgets.Health,
			Concurrency: cfg.Controller.MaxConcurrency,
			HistoryPath: cfg.Controller.HistoryPath,
			Logger:      logger,
		}),
		sync: rostersync.NewCoordinator(rostersync.Options{
			Repo:        deps.Repo,
			Roster:      deps.Roster,
			Connector:   deps.Connector,
			Budget:      budgets.Sync,
			Concurrency: cfg.Controller.MaxConcurrency,
			Logger:      logger,
		}),
		installing: map[string]struct{}{},
	}
}

func (s *Service) Health() *health.Monitor { return s.monitor }

func (s *Service) Sync() *rostersync.Coordinator { return s.sync }

// NodeSpec describes a node to register.
type NodeSpec struct {
	Name          string
	Address       string
	Port          int
	Protocol      string
	TunnelPort    int
	TunnelAddress string
	Key           string
	Enabled       bool
	CredentialRef string
}

func (spec *NodeSpec) normalize() error {
	if err := spec.normalizeEndpoint(); err != nil {
		return err
	}
	if len(spec.Key) < minKeyLen || len(spec.Key) > maxKeyLen {
		return fmt.Errorf("%w: key must be %d-%d characters", ErrInvalidInput, minKeyLen, maxKeyLen)
	}
	return nil
}

// normalizeEndpoint checks everything but the key.
func (spec *NodeSpec) normalizeEndpoint() error {
	spec.Name = strings.TrimSpace(spec.Name)
	spec.Address = strings.TrimSpace(spec.Address)
	spec.Protocol = strings.ToLower(strings.TrimSpace(spec.Protocol))
	if spec.Protocol == "" {
		spec.Protocol = "tcp"
	}

	switch {
	case spec.Name == "" || len(spec.Name) > maxNameLen || !nameRE.MatchString(spec.Name):
		return fmt.Errorf("%w: name must be 1-%d letters, digits, '-' or '_'", ErrInvalidInput, maxNameLen)
	case spec.Address == "" || strings.ContainsAny(spec.Address, " /"):
		return fmt.Errorf("%w: address %q", ErrInvalidInput, spec.Address)
	case spec.Port <= 0 || spec.Port > 65535:
		return fmt.Errorf("%w: port %d out of range", ErrInvalidInput, spec.Port)
	case spec.TunnelPort < 0 || spec.TunnelPort > 65535:
		return fmt.Errorf("%w: tunnel port %d out of range", ErrInvalidInput, spec.TunnelPort)
	case spec.Protocol != "tcp" && spec.Protocol != "udp":
		return fmt.Errorf("%w: protocol must be tcp or udp", ErrInvalidInput)
	}
	return nil
}

func (spec NodeSpec) node() model.Node {
	return model.Node{
		Name:          spec.Name,
		Address:       spec.Address,
		Port:          spec.Port,
		Protocol:      spec.Protocol,
		TunnelPort:    spec.TunnelPort,
		TunnelAddress: spec.TunnelAddress,
		Key:           spec.Key,
		Enabled:       spec.Enabled,
		CredentialRef: spec.CredentialRef,
	}
}

// AddResult is the outcome of registering a node.
type AddResult struct {
	Node   model.Node
	Roster model.RosterResult
	// Synced is false when the node was added disabled and no roster push ran.
	Synced bool
}

// AddNode probes the node, registers it and pushes the full roster to it. A
// node that does not answer the probe is not registered.
func (s *Service) AddNode(ctx context.Context, spec NodeSpec) (AddResult, error) {
	if err := spec.normalize(); err != nil {
		return AddResult{}, err
	}
	candidate := spec.node()
	logger := log.With(s.logger, "node", candidate.Endpoint())

	ok, latency := s.connector.Connect(candidate, s.budgets.Add).ProbeHealth(ctx)
	if !ok {
		level.Warn(logger).Log("msg", "refusing to add node", "err", ErrNodeUnhealthy)
		return AddResult{}, fmt.Errorf("%w: %s", ErrNodeUnhealthy, candidate.Endpoint())
	}

	created, err := s.repo.Create(ctx, candidate)
	if err != nil {
		return AddResult{}, fmt.Errorf("register node: %w", err)
	}
	updated, err := s.repo.UpdateHealth(ctx, created.ID, true, latency)
	if err != nil {
		return AddResult{Node: created}, fmt.Errorf("record node health: %w", err)
	}
	created = updated
	if err := s.repo.UpdateSyncStatus(ctx, created.ID, model.SyncNeverSynced); err != nil {
		return AddResult{Node: created}, fmt.Errorf("record sync status: %w", err)
	}
	level.Info(logger).Log("msg", "node registered", "id", created.ID, "name", created.Name)

	res := AddResult{Node: created}
	if !created.Eligible() {
		level.Info(logger).Log("msg", "node added disabled, roster push deferred")
		return res, nil
	}

	res.Roster = s.sync.PushFullRoster(ctx, created)
	res.Synced = true
	if n, err := s.repo.Node(ctx, created.ID); err == nil {
		res.Node = n
	}
	return res, nil
}

// Resolve finds a node by ID, name or address, in that order.
func (s *Service) Resolve(ctx context.Context, ref string) (model.Node, error) {
	if n, err := s.repo.Node(ctx, ref); err == nil {
		return n, nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return model.Node{}, err
	}

	nodes, err := s.repo.Nodes(ctx)
	if err != nil {
		return model.Node{}, err
	}
	for _, n := range nodes {
		if n.Name == ref {
			return n, nil
		}
	}
	for _, n := range nodes {
		if n.Address == ref || n.Endpoint() == ref {
			return n, nil
		}
	}
	return model.Node{}, fmt.Errorf("%w: %s", store.ErrNotFound, ref)
}

// RemoveResult reports what was cleaned up with the node.
type RemoveResult struct {
	Node     model.Node
	Accounts []model.SyncOutcome
}

// RemoveNode deletes the node's accounts (best effort), its record and its
// stored credentials.
func (s *Service) RemoveNode(ctx context.Context, ref string) (RemoveResult, error) {
	node, err := s.Resolve(ctx, ref)
	if err != nil {
		return RemoveResult{}, err
	}
	logger := log.With(s.logger, "node", node.Endpoint())

	res := RemoveResult{Node: node}
	res.Accounts, err = s.sync.RemoveAllFromNode(ctx, node)
	if err != nil {
		level.Warn(logger).Log("msg", "could not remove accounts from node", "err", err)
	}

	if err := s.repo.Delete(ctx, node.ID); err != nil {
		return res, fmt.Errorf("delete node: %w", err)
	}
	if node.CredentialRef != "" && s.vault != nil {
		if err := s.vault.Delete(ctx, node.CredentialRef); err != nil && !errors.Is(err, vault.ErrNotFound) {
			level.Warn(logger).Log("msg", "could not delete node credentials", "ref", node.CredentialRef, "err", err)
		}
	}
	level.Info(logger).Log("msg", "node removed", "id", node.ID)
	return res, nil
}

// NodeView is a node as shown to operators.
type NodeView struct {
	model.Node
	Active bool
	// ResponseTimeSeconds is rounded to milliseconds; nil when unknown.
	ResponseTimeSeconds *float64
}

func viewOf(n model.Node) NodeView {
	v := NodeView{Node: n, Active: n.Eligible()}
	if n.ResponseTime != nil {
		secs := math.Round(n.ResponseTime.Seconds()*1000) / 1000
		v.ResponseTimeSeconds = &secs
	}
	return v
}

// ListNodes returns a snapshot of every registered node.
func (s *Service) ListNodes(ctx context.Context) ([]NodeView, error) {
	nodes, err := s.repo.Nodes(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]NodeView, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, viewOf(n))
	}
	return out, nil
}

// StatusView is a node view with the node's own report attached.
type StatusView struct {
	NodeView
	Info map[string]any
}

// NodeStatus returns the stored view of a node plus live info when the node is
// eligible. Ineligible nodes are not contacted.
func (s *Service) NodeStatus(ctx context.Context, ref string) (StatusView, error) {
	node, err := s.Resolve(ctx, ref)
	if err != nil {
		return StatusView{}, err
	}
	v := StatusView{NodeView: viewOf(node)}
	if node.Eligible() {
		v.Info = s.connector.Connect(node, s.budgets.Health).FetchInfo(ctx)
	}
	return v, nil
}

// Download fetches the profile of user from nodeRef, or from the best node when
// nodeRef is empty.
func (s *Service) Download(ctx context.Context, user, nodeRef string) ([]byte, model.Node, error) {
	if strings.TrimSpace(user) == "" {
		return nil, model.Node{}, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}

	var node model.Node
	if nodeRef == "" {
		nodes, err := s.repo.Nodes(ctx)
		if err != nil {
			return nil, model.Node{}, err
		}
		best := selector.SelectBestForDownload(nodes)
		if best == nil {
			return nil, model.Node{}, ErrNoNodesAvailable
		}
		node = *best
	} else {
		n, err := s.Resolve(ctx, nodeRef)
		if err != nil {
			return nil, model.Node{}, err
		}
		if !n.Eligible() {
			return nil, n, fmt.Errorf("%w: %s", ErrNodeUnavailable, n.Endpoint())
		}
		node = n
	}

	logger := log.With(s.logger, "node", node.Endpoint(), "user", user)
	if node.SyncStatus != model.SyncSynced && node.SyncStatus != model.SyncPending {
		level.Warn(logger).Log("msg", "node roster may be stale", "sync_status", node.SyncStatus)
	}

	account := model.QualifiedAccount(user, node.Name)
	profile, err := s.connector.Connect(node, s.budgets.Download).DownloadProfile(ctx, account)
	if err != nil {
		level.Warn(logger).Log("msg", "profile download failed", "err", err)
		if _, herr := s.repo.UpdateHealth(ctx, node.ID, false, nil); herr != nil {
			level.Error(logger).Log("msg", "failed to record download failure", "err", herr)
		}
		return nil, node, fmt.Errorf("download profile %s: %w", account, err)
	}
	return profile, node, nil
}

// TickReport is the outcome of one periodic pass.
type TickReport struct {
	Health health.TickReport
	Sync   *rostersync.FleetSyncReport
}

// Tick runs a health round and recovery pass, then pushes the roster to nodes
// that need it when sync.after_tick is set.
func (s *Service) Tick(ctx context.Context) (TickReport, error) {
	var report TickReport
	hr, err := s.monitor.Tick(ctx)
	report.Health = hr
	if err != nil {
		return report, err
	}
	if !s.cfg.Sync.AfterTick {
		return report, nil
	}

	sr, err := s.sync.PushToPending(ctx)
	if err != nil {
		return report, fmt.Errorf("sync pending: %w", err)
	}
	report.Sync = &sr
	return report, nil
}

func (s *Service) SyncAll(ctx context.Context) (rostersync.FleetSyncReport, error) {
	return s.sync.PushToAllHealthy(ctx)
}

func (s *Service) SyncPending(ctx context.Context) (rostersync.FleetSyncReport, error) {
	return s.sync.PushToPending(ctx)
}

// AddUser creates user's account on every eligible node.
func (s *Service) AddUser(ctx context.Context, user string) ([]model.SyncOutcome, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return s.sync.PushUserToAllHealthy(ctx, user)
}

// RemoveUser deletes user's account from every node.
func (s *Service) RemoveUser(ctx context.Context, user string) ([]model.SyncOutcome, error) {
	if strings.TrimSpace(user) == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidInput)
	}
	return s.sync.RemoveUserFromAll(ctx, user)
}

// InstallRequest describes a bootstrap followed by registration.
type InstallRequest struct {
	Name          string
	SSH           sshx.Target
	NodePort      int
	Protocol      string
	TunnelPort    int
	TunnelAddress string
	Enabled       bool
	Storage       installer.ObjectStorage
}

// InstallReport is the outcome of InstallNode. APIKey is the generated node
// key, also kept in the vault.
type InstallReport struct {
	Install model.InstallResult
	APIKey  string
	Added   *AddResult
}

// InstallNode bootstraps a host over SSH, stores its credentials and registers
// it as a node. Only one install per host runs at a time.
func (s *Service) InstallNode(ctx context.Context, req InstallRequest) (InstallReport, error) {
	if s.installer == nil {
		return InstallReport{}, errors.New("installer not configured")
	}
	endpoint := NodeSpec{
		Name:       req.Name,
		Address:    req.SSH.Host,
		Port:       req.NodePort,
		Protocol:   req.Protocol,
		TunnelPort: req.TunnelPort,
	}
	if err := endpoint.normalizeEndpoint(); err != nil {
		return InstallReport{}, err
	}

	host := req.SSH.Host
	if !s.claimHost(host) {
		return InstallReport{}, fmt.Errorf("%w: %s", ErrInstallInProgress, host)
	}
	defer s.releaseHost(host)

	logger := log.With(s.logger, "host", host)
	report := InstallReport{APIKey: uuid.NewString()}

	res, err := s.installer.Install(ctx, installer.Request{
		Target:     req.SSH,
		NodePort:   req.NodePort,
		APIKey:     report.APIKey,
		TunnelPort: req.TunnelPort,
		Storage:    req.Storage,
	})
	report.Install = res
	if err != nil {
		return report, err
	}

	ref := s.saveCredentials(ctx, logger, req, report.APIKey, endpoint.Protocol)

	address := res.Server.PublicIP
	if address == "" {
		address = host
	}
	added, err := s.AddNode(ctx, NodeSpec{
		Name:          req.Name,
		Address:       address,
		Port:          req.NodePort,
		Protocol:      endpoint.Protocol,
		TunnelPort:    req.TunnelPort,
		TunnelAddress: req.TunnelAddress,
		Key:           report.APIKey,
		Enabled:       req.Enabled,
		CredentialRef: ref,
	})
	if err != nil {
		level.Error(logger).Log("msg", "installed node could not be registered", "address", address, "err", err)
		report.Install.Success = false
		report.Install.FailedStep = model.StepRegistration
		report.Install.Error = err.Error()
		return report, &installer.StepError{Step: model.StepRegistration, Err: err}
	}
	report.Added = &added
	return report, nil
}

// saveCredentials stores the bootstrap credentials under the SSH host. A
// failure is logged and the node is registered without a credential ref.
func (s *Service) saveCredentials(ctx context.Context, logger log.Logger, req InstallRequest, apiKey, protocol string) string {
	if s.vault == nil {
		return ""
	}
	ref := req.SSH.Host
	creds := vault.Credentials{
		SSH: vault.SSHCredentials{
			Host:       req.SSH.Host,
			Port:       req.SSH.Port,
			User:       req.SSH.User,
			Password:   req.SSH.Auth.Password,
			PrivateKey: req.SSH.Auth.PrivateKey,
		},
		Storage: vault.StorageCredentials{
			AccessKeyID:     req.Storage.AccessKeyID,
			SecretAccessKey: req.Storage.SecretAccessKey,
			Bucket:          req.Storage.Bucket,
			AccountID:       req.Storage.AccountID,
			PublicBaseURL:   req.Storage.PublicBaseURL,
			DownloadToken:   req.Storage.DownloadToken,
		},
		Node: vault.NodeCredentials{
			Port:       req.NodePort,
			APIKey:     apiKey,
			Protocol:   protocol,
			TunnelPort: req.TunnelPort,
		},
		SavedAt: time.Now().UTC(),
	}
	if err := s.vault.Save(ctx, ref, creds); err != nil {
		level.Warn(logger).Log("msg", "failed to store node credentials", "err", err)
		return ""
	}
	return ref
}

func hostKey(host string) string {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	return strings.ToLower(host)
}

func (s *Service) claimHost(host string) bool {
	s.installMu.Lock()
	defer s.installMu.Unlock()
	if _, busy := s.installing[hostKey(host)]; busy {
		return false
	}
	s.installing[hostKey(host)] = struct{}{}
	return true
}

func (s *Service) releaseHost(host string) {
	s.installMu.Lock()
	delete(s.installing, hostKey(host))
	s.installMu.Unlock()
}
