package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/spf13/pflag"

	"ovfleet/internal/config"
	"ovfleet/internal/controller"
	"ovfleet/internal/installer"
	"ovfleet/internal/logging"
	"ovfleet/internal/nodeapi"
	"ovfleet/internal/sshx"
	"ovfleet/internal/store"
	"ovfleet/internal/vault"
)

const usage = `ovfleet - VPN node fleet control plane

Usage:
  ovfleet node add --name <n> --address <host> --key <key> [--port 9090] [--protocol tcp|udp]
  ovfleet node install --name <n> --host <ssh-host> [--user root] [--password-file <f>|--ssh-key <f>]
  ovfleet node remove <id|name|address>
  ovfleet node list
  ovfleet node status <id|name|address>
  ovfleet tick [--every 1m]
  ovfleet recover
  ovfleet sync all|pending
  ovfleet user add|remove <name>
  ovfleet download --user <name> [--node <id|name|address>] [--out <file>]
  ovfleet history [--window 1h] [--path <csv>]

Common flags:
  --config <path>  --data-dir <dir>  --log-format logfmt|json  --log-level <level>
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}

	cmd := os.Args[1]
	switch cmd {
	case "-h", "--help", "help":
		fmt.Print(usage)
	case "node":
		handleNode(os.Args[2:])
	case "tick":
		handleTick(os.Args[2:])
	case "recover":
		handleRecover(os.Args[2:])
	case "sync":
		handleSync(os.Args[2:])
	case "user":
		handleUser(os.Args[2:])
	case "download":
		handleDownload(os.Args[2:])
	case "history":
		handleHistory(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
}

// commonFlags are accepted by every subcommand and override the config file.
type commonFlags struct {
	configPath string
	dataDir    string
	logFormat  string
	logLevel   string
}

func newFlagSet(name string) (*pflag.FlagSet, *commonFlags) {
	fs := pflag.NewFlagSet(name, pflag.ExitOnError)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "path to YAML config")
	fs.StringVar(&c.dataDir, "data-dir", "", "data directory")
	fs.StringVar(&c.logFormat, "log-format", "", "log format (logfmt or json)")
	fs.StringVar(&c.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	return fs, c
}

// env holds what a subcommand needs; it owns the lifetime of every store.
type env struct {
	cfg    config.Config
	logger log.Logger
	svc    *controller.Service
}

type setupOptions struct {
	installer bool
}

func setup(c *commonFlags, opts setupOptions) (*env, error) {
	cfg, err := loadConfig(c.configPath)
	if err != nil {
		return nil, err
	}
	overrideCommon(&cfg, c)
	config.ApplyDefaults(&cfg)
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	logger, err := logging.New(os.Stderr, cfg.Log.Format, cfg.Log.Level)
	if err != nil {
		return nil, err
	}

	reg, err := store.OpenRegistry(cfg.Controller.RegistryPath)
	if err != nil {
		return nil, err
	}
	key, err := vault.LoadOrCreateKey(filepath.Join(cfg.Controller.VaultDir, "master.key"))
	if err != nil {
		return nil, err
	}
	v, err := vault.OpenFileVault(cfg.Controller.VaultDir, key)
	if err != nil {
		return nil, err
	}

	deps := controller.Deps{
		Repo:   reg,
		Roster: store.FileRoster{Path: cfg.Controller.RosterPath},
		Vault:  v,
		Connector: &nodeapi.HTTPConnector{
			Tunnel: nodeapi.TunnelSettings{
				Address:       cfg.Tunnel.Address,
				Protocol:      cfg.Tunnel.Protocol,
				Port:          cfg.Tunnel.Port,
				SetNewSetting: cfg.Tunnel.SetNewSetting,
			},
			Logger: logger,
		},
		Logger: logger,
	}
	if opts.installer {
		dialer, err := sshx.NewDialer(cfg.Installer.SSHTimeout.Std(), cfg.Installer.KnownHosts)
		if err != nil {
			return nil, err
		}
		if cfg.Installer.KnownHosts == "" {
			level.Warn(logger).Log("msg", "installer.known_hosts is not set, host keys will not be verified")
		}
		deps.Installer = installer.New(installer.FromSSH(dialer), controller.InstallerSettings(cfg.Installer), logger)
	}

	return &env{cfg: cfg, logger: logger, svc: controller.New(cfg, deps)}, nil
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Config{}, nil
	}
	return config.Load(path)
}

func overrideCommon(cfg *config.Config, c *commonFlags) {
	if c.dataDir != "" {
		rebaseDataDir(&cfg.Controller, c.dataDir)
	}
	if c.logFormat != "" {
		cfg.Log.Format = c.logFormat
	}
	if c.logLevel != "" {
		cfg.Log.Level = c.logLevel
	}
}

// rebaseDataDir moves paths that lived under the old data dir to the new one.
func rebaseDataDir(cc *config.ControllerConfig, dir string) {
	old := cc.DataDir
	cc.DataDir = dir
	if old == "" {
		return
	}
	for _, p := range []*string{&cc.RegistryPath, &cc.RosterPath, &cc.VaultDir, &cc.HistoryPath} {
		if *p == "" {
			continue
		}
		rel, err := filepath.Rel(old, *p)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		*p = filepath.Join(dir, rel)
	}
}

func requireArg(fs *pflag.FlagSet, what string) string {
	if fs.NArg() != 1 {
		fatal(fmt.Errorf("%s: exactly one %s argument required", fs.Name(), what))
	}
	return fs.Arg(0)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func fatal(err error) {
	if err == nil {
		return
	}
	fmt.Fprintln(os.Stderr, err)
	var se *installer.StepError
	if errors.As(err, &se) {
		os.Exit(3)
	}
	os.Exit(1)
}
