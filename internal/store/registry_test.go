package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"ovfleet/internal/model"
)

func TestOpenRegistry_MissingFile_ReturnsEmpty(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	reg, err := OpenRegistry(filepath.Join(tmp, "registry.yaml"))
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	nodes, _ := reg.Nodes(context.Background())
	if len(nodes) != 0 {
		t.Fatalf("nodes=%d", len(nodes))
	}
}

func TestRegistry_RoundTrip(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	reg, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}

	n, err := reg.Create(ctx, model.Node{Name: "fra1", Address: "10.0.0.1", Port: 9090, Protocol: "tcp", TunnelPort: 1194, Key: "k-1234567890", Enabled: true})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if n.ID == "" || n.SyncStatus != model.SyncNeverSynced {
		t.Fatalf("node=%+v", n)
	}

	latency := 120 * time.Millisecond
	if _, err := reg.UpdateHealth(ctx, n.ID, true, &latency); err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("Stat: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("mode=%o", info.Mode().Perm())
	}

	again, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	got, err := again.Node(ctx, n.ID)
	if err != nil {
		t.Fatalf("Node: %v", err)
	}
	if got.Name != "fra1" || !got.Healthy || got.ResponseTime == nil || *got.ResponseTime != latency {
		t.Fatalf("node=%+v", got)
	}
}

func TestRegistry_CreateRejectsDuplicates(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := NewMemoryRegistry()
	if _, err := reg.Create(ctx, model.Node{Name: "a", Address: "1.1.1.1", Port: 9090}); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := reg.Create(ctx, model.Node{Name: "b", Address: "1.1.1.1", Port: 9090}); !errors.Is(err, ErrExists) {
		t.Fatalf("err=%v", err)
	}
	if _, err := reg.Create(ctx, model.Node{Name: "a", Address: "2.2.2.2", Port: 9090}); !errors.Is(err, ErrExists) {
		t.Fatalf("err=%v", err)
	}
}

func TestRegistry_UpdateHealthAutoDisables(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := NewMemoryRegistry(model.Node{ID: "n1", Enabled: true, Healthy: true, ConsecutiveFailures: 2})

	got, err := reg.UpdateHealth(ctx, "n1", false, nil)
	if err != nil {
		t.Fatalf("UpdateHealth: %v", err)
	}
	if got.Enabled || got.ConsecutiveFailures != 3 {
		t.Fatalf("node=%+v", got)
	}
}

func TestRegistry_MarkRecovered(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := NewMemoryRegistry(model.Node{ID: "n1", SyncStatus: model.SyncSynced})
	if err := reg.MarkRecovered(ctx, "n1"); err != nil {
		t.Fatalf("MarkRecovered: %v", err)
	}
	got, _ := reg.Node(ctx, "n1")
	if !got.Enabled || got.SyncStatus != model.SyncPending {
		t.Fatalf("node=%+v", got)
	}
}

func TestRegistry_MissingNode(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	reg := NewMemoryRegistry()
	if err := reg.Delete(ctx, "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Delete err=%v", err)
	}
	if err := reg.UpdateSyncStatus(ctx, "nope", model.SyncSynced); !errors.Is(err, ErrNotFound) {
		t.Fatalf("UpdateSyncStatus err=%v", err)
	}
}

func TestRegistry_DeleteKeepsNodeWhenSaveFails(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "registry.yaml")
	reg, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("OpenRegistry: %v", err)
	}
	for _, n := range []model.Node{
		{ID: "a", Name: "a", Address: "10.0.0.1", Port: 9090},
		{ID: "b", Name: "b", Address: "10.0.0.2", Port: 9090},
		{ID: "c", Name: "c", Address: "10.0.0.3", Port: 9090},
	} {
		if _, err := reg.Create(ctx, n); err != nil {
			t.Fatalf("Create %s: %v", n.ID, err)
		}
	}

	// A directory in the way of the temp file makes the save fail.
	if err := os.Mkdir(path+".tmp", 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := reg.Delete(ctx, "a"); err == nil {
		t.Fatalf("Delete succeeded with an unwritable registry")
	}

	nodes, err := reg.Nodes(ctx)
	if err != nil {
		t.Fatalf("Nodes: %v", err)
	}
	if len(nodes) != 3 || nodes[0].ID != "a" || nodes[1].ID != "b" || nodes[2].ID != "c" {
		t.Fatalf("nodes after failed delete=%+v", nodes)
	}

	if err := os.Remove(path + ".tmp"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if err := reg.Delete(ctx, "b"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	reopened, err := OpenRegistry(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	nodes, _ = reopened.Nodes(ctx)
	if len(nodes) != 2 || nodes[0].ID != "a" || nodes[1].ID != "c" {
		t.Fatalf("persisted nodes=%+v", nodes)
	}
}

func TestFileRoster_ActiveOnly(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "roster.yaml")
	data := []byte(`users:
  - name: alice
    owner: admin
  - name: bob
    active: false
  - name: carol
    active: true
    expires_at: 2027-01-01T00:00:00Z
`)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	users, err := FileRoster{Path: path}.ActiveUsers(context.Background())
	if err != nil {
		t.Fatalf("ActiveUsers: %v", err)
	}
	if len(users) != 2 || users[0].Name != "alice" || users[1].Name != "carol" {
		t.Fatalf("users=%+v", users)
	}
	if users[1].ExpiresAt.Year() != 2027 {
		t.Fatalf("expires_at=%v", users[1].ExpiresAt)
	}
}

func TestFileRoster_Missing(t *testing.T) {
	t.Parallel()

	users, err := FileRoster{Path: filepath.Join(t.TempDir(), "none.yaml")}.ActiveUsers(context.Background())
	if err != nil || len(users) != 0 {
		t.Fatalf("users=%v err=%v", users, err)
	}
}
