package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultDataDir        = "/var/lib/ovfleet"
	DefaultTunnelAddress  = "ovpanel.com"
	DefaultTunnelProtocol = "tcp"
	DefaultTunnelPort     = 1194
	DefaultMaxConcurrency = 32

	DefaultHealthTimeout   = 3 * time.Second
	DefaultAddTimeout      = 5 * time.Second
	DefaultSyncTimeout     = 10 * time.Second
	DefaultDownloadTimeout = 10 * time.Second
	DefaultHealthRetries   = 0
	DefaultAddRetries      = 1
	DefaultSyncRetries     = 2

	DefaultSSHTimeout      = 30 * time.Second
	DefaultScriptTimeout   = 15 * time.Minute
	DefaultAPIWait         = 5 * time.Second
	DefaultRepoURL         = "https://github.com/TinyActive/OpenVpn-Panel-Node"
	DefaultVPNInstallerURL = "https://git.io/vpn"
	DefaultServiceName     = "ov-node"
	DefaultInstallDir      = "/opt/ov-node"
	DefaultNodePort        = 9090
	DefaultPublicBaseURL   = "api.openvpn.panel"

	DefaultLogFormat = "logfmt"
	DefaultLogLevel  = "info"
)

// Config holds all control-plane settings for the fleet core.
type Config struct {
	Controller    ControllerConfig    `yaml:"controller"`
	Tunnel        TunnelConfig        `yaml:"tunnel"`
	Timeouts      TimeoutConfig       `yaml:"timeouts"`
	Retries       RetryConfig         `yaml:"retries"`
	Sync          SyncConfig          `yaml:"sync"`
	Installer     InstallerConfig     `yaml:"installer"`
	ObjectStorage ObjectStorageConfig `yaml:"object_storage"`
	Log           LogConfig           `yaml:"log"`
}

// ControllerConfig locates the persisted state of the control plane.
type ControllerConfig struct {
	DataDir        string `yaml:"data_dir"`
	RegistryPath   string `yaml:"registry_path"`
	RosterPath     string `yaml:"roster_path"`
	VaultDir       string `yaml:"vault_dir"`
	HistoryPath    string `yaml:"history_path"`
	MaxConcurrency int    `yaml:"max_concurrency"`
}

// TunnelConfig is pushed to nodes with every status probe.
type TunnelConfig struct {
	Address       string `yaml:"address"`
	Protocol      string `yaml:"protocol"`
	Port          int    `yaml:"port"`
	SetNewSetting bool   `yaml:"set_new_setting"`
}

// TimeoutConfig holds per-operation budgets for node API calls.
type TimeoutConfig struct {
	Health   Duration `yaml:"health"`
	Add      Duration `yaml:"add"`
	Sync     Duration `yaml:"sync"`
	Download Duration `yaml:"download"`
}

// RetryConfig holds per-operation retry counts. Nil means default.
type RetryConfig struct {
	Health *int `yaml:"health,omitempty"`
	Add    *int `yaml:"add,omitempty"`
	Sync   *int `yaml:"sync,omitempty"`
}

type SyncConfig struct {
	AfterTick bool `yaml:"after_tick"`
}

// InstallerConfig drives the SSH bootstrap of new nodes.
type InstallerConfig struct {
	SSHTimeout      Duration `yaml:"ssh_timeout"`
	ScriptTimeout   Duration `yaml:"script_timeout"`
	APIWait         Duration `yaml:"api_wait"`
	RepoURL         string   `yaml:"repo_url"`
	VPNInstallerURL string   `yaml:"vpn_installer_url"`
	ServiceName     string   `yaml:"service_name"`
	InstallDir      string   `yaml:"install_dir"`
	NodePort        int      `yaml:"node_port"`
	// KnownHosts is an OpenSSH known_hosts file. Empty accepts any host key.
	KnownHosts      string   `yaml:"known_hosts"`
}

// ObjectStorageConfig holds the non-secret half of the node's bucket settings.
// Keys are supplied per install and kept in the vault.
type ObjectStorageConfig struct {
	Bucket        string `yaml:"bucket"`
	AccountID     string `yaml:"account_id"`
	PublicBaseURL string `yaml:"public_base_url"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

// Duration is a time.Duration that reads and writes as "5s" in YAML.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, err
	}

	ApplyDefaults(&cfg)
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	ApplyDefaults(&cfg)
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}

	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Controller.DataDir == "" {
		return fmt.Errorf("controller.data_dir is required")
	}
	switch cfg.Tunnel.Protocol {
	case "tcp", "udp":
	default:
		return fmt.Errorf("tunnel.protocol must be tcp or udp, got %q", cfg.Tunnel.Protocol)
	}
	if cfg.Tunnel.Port <= 0 || cfg.Tunnel.Port > 65535 {
		return fmt.Errorf("tunnel.port out of range: %d", cfg.Tunnel.Port)
	}
	if cfg.Installer.NodePort <= 0 || cfg.Installer.NodePort > 65535 {
		return fmt.Errorf("installer.node_port out of range: %d", cfg.Installer.NodePort)
	}
	switch cfg.Log.Format {
	case "logfmt", "json":
	default:
		return fmt.Errorf("log.format must be logfmt or json, got %q", cfg.Log.Format)
	}
	return nil
}

// ApplyDefaults fills in default values when empty.
func ApplyDefaults(cfg *Config) {
	c := &cfg.Controller
	if c.DataDir == "" {
		c.DataDir = DefaultDataDir
	}
	if c.RegistryPath == "" {
		c.RegistryPath = filepath.Join(c.DataDir, "registry.yaml")
	}
	if c.RosterPath == "" {
		c.RosterPath = filepath.Join(c.DataDir, "roster.yaml")
	}
	if c.VaultDir == "" {
		c.VaultDir = filepath.Join(c.DataDir, "secure")
	}
	if c.MaxConcurrency == 0 {
		c.MaxConcurrency = DefaultMaxConcurrency
	}

	if cfg.Tunnel.Address == "" {
		cfg.Tunnel.Address = DefaultTunnelAddress
	}
	if cfg.Tunnel.Protocol == "" {
		cfg.Tunnel.Protocol = DefaultTunnelProtocol
	}
	cfg.Tunnel.Protocol = strings.ToLower(cfg.Tunnel.Protocol)
	if cfg.Tunnel.Port == 0 {
		cfg.Tunnel.Port = DefaultTunnelPort
	}

	t := &cfg.Timeouts
	if t.Health == 0 {
		t.Health = Duration(DefaultHealthTimeout)
	}
	if t.Add == 0 {
		t.Add = Duration(DefaultAddTimeout)
	}
	if t.Sync == 0 {
		t.Sync = Duration(DefaultSyncTimeout)
	}
	if t.Download == 0 {
		t.Download = Duration(DefaultDownloadTimeout)
	}

	r := &cfg.Retries
	if r.Health == nil {
		r.Health = intPtr(DefaultHealthRetries)
	}
	if r.Add == nil {
		r.Add = intPtr(DefaultAddRetries)
	}
	if r.Sync == nil {
		r.Sync = intPtr(DefaultSyncRetries)
	}

	in := &cfg.Installer
	if in.SSHTimeout == 0 {
		in.SSHTimeout = Duration(DefaultSSHTimeout)
	}
	if in.ScriptTimeout == 0 {
		in.ScriptTimeout = Duration(DefaultScriptTimeout)
	}
	if in.APIWait == 0 {
		in.APIWait = Duration(DefaultAPIWait)
	}
	if in.RepoURL == "" {
		in.RepoURL = DefaultRepoURL
	}
	if in.VPNInstallerURL == "" {
		in.VPNInstallerURL = DefaultVPNInstallerURL
	}
	if in.ServiceName == "" {
		in.ServiceName = DefaultServiceName
	}
	if in.InstallDir == "" {
		in.InstallDir = DefaultInstallDir
	}
	if in.NodePort == 0 {
		in.NodePort = DefaultNodePort
	}

	if cfg.ObjectStorage.PublicBaseURL == "" {
		cfg.ObjectStorage.PublicBaseURL = DefaultPublicBaseURL
	}

	if cfg.Log.Format == "" {
		cfg.Log.Format = DefaultLogFormat
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = DefaultLogLevel
	}
}

func intPtr(v int) *int { return &v }
