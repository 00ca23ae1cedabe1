package nodeapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-kit/log"

	"ovfleet/internal/model"
)

// API is the set of calls the fleet core makes against a node.
type API interface {
	ProbeHealth(ctx context.Context) (bool, *time.Duration)
	FetchInfo(ctx context.Context) map[string]any
	CreateAccount(ctx context.Context, name string) error
	DeleteAccount(ctx context.Context, name string) error
	ListAccounts(ctx context.Context) ([]string, error)
	DownloadProfile(ctx context.Context, name string) ([]byte, error)
}

var _ API = (*Client)(nil)

// Budget is the timeout and retry allowance for one kind of call.
type Budget struct {
	Timeout    time.Duration
	MaxRetries int
}

// Connector builds an API handle for a node under a given budget.
type Connector interface {
	Connect(node model.Node, budget Budget) API
}

// HTTPConnector builds HTTP clients. Tunnel holds the control plane defaults;
// per-node tunnel fields override them when set.
type HTTPConnector struct {
	Tunnel     TunnelSettings
	Logger     log.Logger
	HTTPClient *http.Client
}

func (hc *HTTPConnector) Connect(node model.Node, budget Budget) API {
	return NewClient(Options{
		Address:    node.Address,
		Port:       node.Port,
		Key:        node.Key,
		Timeout:    budget.Timeout,
		MaxRetries: budget.MaxRetries,
		Tunnel:     hc.tunnelFor(node),
		Logger:     hc.Logger,
		HTTPClient: hc.HTTPClient,
	})
}

func (hc *HTTPConnector) tunnelFor(node model.Node) TunnelSettings {
	t := hc.Tunnel
	if node.TunnelAddress != "" {
		t.Address = node.TunnelAddress
	}
	if node.Protocol != "" {
		t.Protocol = node.Protocol
	}
	if node.TunnelPort != 0 {
		t.Port = node.TunnelPort
	}
	return t
}
