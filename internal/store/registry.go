package store

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"ovfleet/internal/model"
)

// registryFile is the on-disk layout of the node registry.
type registryFile struct {
	UpdatedAt time.Time    `yaml:"updated_at"`
	Nodes     []nodeRecord `yaml:"nodes"`
}

type nodeRecord struct {
	ID            string `yaml:"id"`
	Name          string `yaml:"name"`
	Address       string `yaml:"address"`
	Port          int    `yaml:"port"`
	Protocol      string `yaml:"protocol"`
	TunnelPort    int    `yaml:"tunnel_port"`
	TunnelAddress string `yaml:"tunnel_address,omitempty"`
	Key           string `yaml:"key"`
	CredentialRef string `yaml:"credential_ref,omitempty"`

	Enabled             bool      `yaml:"enabled"`
	Healthy             bool      `yaml:"healthy"`
	LastHealthCheckAt   time.Time `yaml:"last_health_check_at,omitempty"`
	ResponseTimeSeconds *float64  `yaml:"response_time_seconds,omitempty"`
	ConsecutiveFailures int       `yaml:"consecutive_failures"`

	SyncStatus model.SyncStatus `yaml:"sync_status"`
	LastSyncAt time.Time        `yaml:"last_sync_at,omitempty"`
	CreatedAt  time.Time        `yaml:"created_at"`
}

// Registry is a Repository backed by a single YAML file. An empty path keeps
// everything in memory.
type Registry struct {
	path string
	now  func() time.Time

	mu    sync.Mutex
	nodes []model.Node
}

// OpenRegistry loads the registry from disk. If the file is missing, it starts empty.
func OpenRegistry(path string) (*Registry, error) {
	r := &Registry{path: path, now: func() time.Time { return time.Now().UTC() }}
	if path == "" {
		return r, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return r, nil
		}
		return nil, err
	}

	var f registryFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse registry %s: %w", path, err)
	}
	for _, rec := range f.Nodes {
		r.nodes = append(r.nodes, rec.toModel())
	}
	return r, nil
}

// NewMemoryRegistry returns a Registry that never touches disk.
func NewMemoryRegistry(nodes ...model.Node) *Registry {
	r, _ := OpenRegistry("")
	r.nodes = append(r.nodes, nodes...)
	return r
}

// SetClock overrides the time source; used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	r.now = now
	r.mu.Unlock()
}

func (r *Registry) Nodes(context.Context) ([]model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]model.Node, len(r.nodes))
	copy(out, r.nodes)
	return out, nil
}

func (r *Registry) Node(_ context.Context, id string) (model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return model.Node{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.nodes[i], nil
}

func (r *Registry) Create(_ context.Context, n model.Node) (model.Node, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.nodes {
		if existing.Address == n.Address && existing.Port == n.Port {
			return model.Node{}, fmt.Errorf("%w: %s", ErrExists, n.Endpoint())
		}
		if n.Name != "" && existing.Name == n.Name {
			return model.Node{}, fmt.Errorf("%w: name %q", ErrExists, n.Name)
		}
	}

	if n.ID == "" {
		n.ID = uuid.NewString()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = r.now()
	}
	if n.SyncStatus == "" {
		n.SyncStatus = model.SyncNeverSynced
	}

	r.nodes = append(r.nodes, n)
	if err := r.saveLocked(); err != nil {
		r.nodes = r.nodes[:len(r.nodes)-1]
		return model.Node{}, err
	}
	return n, nil
}

func (r *Registry) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := r.nodes
	r.nodes = make([]model.Node, 0, len(prev)-1)
	r.nodes = append(r.nodes, prev[:i]...)
	r.nodes = append(r.nodes, prev[i+1:]...)
	if err := r.saveLocked(); err != nil {
		r.nodes = prev
		return err
	}
	return nil
}

func (r *Registry) UpdateHealth(_ context.Context, id string, healthy bool, latency *time.Duration) (model.Node, error) {
	var out model.Node
	err := r.mutate(id, func(n *model.Node) {
		model.ApplyProbe(n, healthy, latency, r.now())
		out = *n
	})
	return out, err
}

func (r *Registry) UpdateSyncStatus(_ context.Context, id string, status model.SyncStatus) error {
	return r.mutate(id, func(n *model.Node) {
		model.ApplySyncStatus(n, status, r.now())
	})
}

func (r *Registry) MarkRecovered(_ context.Context, id string) error {
	return r.mutate(id, func(n *model.Node) {
		n.Enabled = true
		model.ApplySyncStatus(n, model.SyncPending, r.now())
	})
}

func (r *Registry) mutate(id string, fn func(n *model.Node)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := r.indexLocked(id)
	if i < 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	prev := r.nodes[i]
	fn(&r.nodes[i])
	if err := r.saveLocked(); err != nil {
		r.nodes[i] = prev
		return err
	}
	return nil
}

func (r *Registry) indexLocked(id string) int {
	for i := range r.nodes {
		if r.nodes[i].ID == id {
			return i
		}
	}
	return -1
}

// saveLocked writes the registry atomically (temp file + rename).
func (r *Registry) saveLocked() error {
	if r.path == "" {
		return nil
	}

	f := registryFile{UpdatedAt: r.now(), Nodes: make([]nodeRecord, 0, len(r.nodes))}
	for _, n := range r.nodes {
		f.Nodes = append(f.Nodes, recordFromModel(n))
	}
	data, err := yaml.Marshal(&f)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(r.path), 0o755); err != nil {
		return err
	}
	tmp := r.path + ".tmp"
	// Node keys live in this file.
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, r.path)
}

func recordFromModel(n model.Node) nodeRecord {
	rec := nodeRecord{
		ID:                  n.ID,
		Name:                n.Name,
		Address:             n.Address,
		Port:                n.Port,
		Protocol:            n.Protocol,
		TunnelPort:          n.TunnelPort,
		TunnelAddress:       n.TunnelAddress,
		Key:                 n.Key,
		CredentialRef:       n.CredentialRef,
		Enabled:             n.Enabled,
		Healthy:             n.Healthy,
		LastHealthCheckAt:   n.LastHealthCheckAt,
		ConsecutiveFailures: n.ConsecutiveFailures,
		SyncStatus:          n.SyncStatus,
		LastSyncAt:          n.LastSyncAt,
		CreatedAt:           n.CreatedAt,
	}
	if n.ResponseTime != nil {
		secs := n.ResponseTime.Seconds()
		rec.ResponseTimeSeconds = &secs
	}
	return rec
}

func (rec nodeRecord) toModel() model.Node {
	n := model.Node{
		ID:                  rec.ID,
		Name:                rec.Name,
		Address:             rec.Address,
		Port:                rec.Port,
		Protocol:            rec.Protocol,
		TunnelPort:          rec.TunnelPort,
		TunnelAddress:       rec.TunnelAddress,
		Key:                 rec.Key,
		CredentialRef:       rec.CredentialRef,
		Enabled:             rec.Enabled,
		Healthy:             rec.Healthy,
		LastHealthCheckAt:   rec.LastHealthCheckAt,
		ConsecutiveFailures: rec.ConsecutiveFailures,
		SyncStatus:          rec.SyncStatus,
		LastSyncAt:          rec.LastSyncAt,
		CreatedAt:           rec.CreatedAt,
	}
	if n.SyncStatus == "" {
		n.SyncStatus = model.SyncNeverSynced
	}
	if rec.ResponseTimeSeconds != nil {
		d := time.Duration(*rec.ResponseTimeSeconds * float64(time.Second))
		n.ResponseTime = &d
	}
	return n
}
