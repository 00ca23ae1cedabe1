// Package nodeapitest provides an in-memory node fleet for tests of packages
// that talk to nodes through a nodeapi.Connector.
package nodeapitest

import (
	"context"
	"sort"
	"sync"
	"time"

	"ovfleet/internal/model"
	"ovfleet/internal/nodeapi"
)

// Connector hands out fake APIs keyed by node endpoint. Endpoints that were
// never registered behave like unreachable hosts.
type Connector struct {
	mu    sync.Mutex
	nodes map[string]*Node
}

var _ nodeapi.Connector = (*Connector)(nil)

func NewConnector() *Connector {
	return &Connector{nodes: map[string]*Node{}}
}

// Node returns the fake behind endpoint ("host:port"), creating a healthy one
// with 10ms latency on first use.
func (c *Connector) Node(endpoint string) *Node {
	c.mu.Lock()
	defer c.mu.Unlock()

	n, ok := c.nodes[endpoint]
	if !ok {
		n = &Node{healthy: true, latency: 10 * time.Millisecond, accounts: map[string]struct{}{}}
		c.nodes[endpoint] = n
	}
	return n
}

func (c *Connector) Connect(node model.Node, budget nodeapi.Budget) nodeapi.API {
	c.mu.Lock()
	n := c.nodes[node.Endpoint()]
	c.mu.Unlock()

	if n != nil {
		n.mu.Lock()
		n.budgets = append(n.budgets, budget)
		n.mu.Unlock()
	}
	return &api{node: n, endpoint: node.Endpoint()}
}

// Node is one fake node. All setters are safe for concurrent use.
type Node struct {
	mu           sync.Mutex
	healthy      bool
	latency      time.Duration
	panicOnProbe bool
	reject       func(account string) bool
	accounts     map[string]struct{}
	probes       int
	budgets      []nodeapi.Budget
}

func (n *Node) SetHealthy(ok bool) {
	n.mu.Lock()
	n.healthy = ok
	n.mu.Unlock()
}

func (n *Node) SetLatency(d time.Duration) {
	n.mu.Lock()
	n.latency = d
	n.mu.Unlock()
}

func (n *Node) SetPanicOnProbe(v bool) {
	n.mu.Lock()
	n.panicOnProbe = v
	n.mu.Unlock()
}

// RejectAccounts makes account calls fail for every name fn matches.
func (n *Node) RejectAccounts(fn func(account string) bool) {
	n.mu.Lock()
	n.reject = fn
	n.mu.Unlock()
}

func (n *Node) AddAccount(name string) {
	n.mu.Lock()
	n.accounts[name] = struct{}{}
	n.mu.Unlock()
}

// Accounts returns the account names present on the node, sorted.
func (n *Node) Accounts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]string, 0, len(n.accounts))
	for name := range n.accounts {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (n *Node) Probes() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.probes
}

// Budgets returns every budget the node was connected with.
func (n *Node) Budgets() []nodeapi.Budget {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]nodeapi.Budget(nil), n.budgets...)
}

type api struct {
	node     *Node
	endpoint string
}

func (a *api) fail(op string, kind error) error {
	return &nodeapi.RequestError{Op: op, Node: a.endpoint, Kind: kind}
}

// up reports whether the node answers; it must be called with node.mu held.
func (a *api) up() bool {
	return a.node != nil && a.node.healthy
}

func (a *api) ProbeHealth(context.Context) (bool, *time.Duration) {
	if a.node == nil {
		return false, nil
	}
	a.node.mu.Lock()
	a.node.probes++
	panicking := a.node.panicOnProbe
	ok := a.node.healthy
	latency := a.node.latency
	a.node.mu.Unlock()

	if panicking {
		panic("fake node probe panic")
	}
	if !ok {
		return false, nil
	}
	return true, &latency
}

func (a *api) FetchInfo(ctx context.Context) map[string]any {
	ok, latency := a.ProbeHealth(ctx)
	if !ok {
		return nil
	}
	return map[string]any{"status": "running", "response_time": latency.Seconds()}
}

func (a *api) CreateAccount(_ context.Context, name string) error {
	return a.mutateAccount("create account", name, true)
}

func (a *api) DeleteAccount(_ context.Context, name string) error {
	return a.mutateAccount("delete account", name, false)
}

func (a *api) mutateAccount(op, name string, create bool) error {
	if a.node == nil {
		return a.fail(op, nodeapi.ErrUnreachable)
	}
	a.node.mu.Lock()
	defer a.node.mu.Unlock()

	if !a.up() {
		return a.fail(op, nodeapi.ErrUnreachable)
	}
	if a.node.reject != nil && a.node.reject(name) {
		return a.fail(op, nodeapi.ErrRejected)
	}
	if create {
		a.node.accounts[name] = struct{}{}
	} else {
		delete(a.node.accounts, name)
	}
	return nil
}

func (a *api) ListAccounts(context.Context) ([]string, error) {
	if a.node == nil {
		return nil, a.fail("list accounts", nodeapi.ErrUnreachable)
	}
	if !a.isUp() {
		return nil, a.fail("list accounts", nodeapi.ErrUnreachable)
	}
	return a.node.Accounts(), nil
}

func (a *api) DownloadProfile(_ context.Context, name string) ([]byte, error) {
	if a.node == nil {
		return nil, a.fail("download profile", nodeapi.ErrUnreachable)
	}
	a.node.mu.Lock()
	defer a.node.mu.Unlock()

	if !a.up() {
		return nil, a.fail("download profile", nodeapi.ErrUnreachable)
	}
	if _, ok := a.node.accounts[name]; !ok {
		return nil, a.fail("download profile", nodeapi.ErrRejected)
	}
	return []byte("client\n# " + name + "\n"), nil
}

func (a *api) isUp() bool {
	a.node.mu.Lock()
	defer a.node.mu.Unlock()
	return a.up()
}
