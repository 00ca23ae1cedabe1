package main

import (
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"ovfleet/internal/controller"
	"ovfleet/internal/installer"
	"ovfleet/internal/model"
	"ovfleet/internal/sshx"
)

func handleNode(args []string) {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, "node subcommand required\n")
		os.Exit(2)
	}
	switch args[0] {
	case "add":
		nodeAdd(args[1:])
	case "install":
		nodeInstall(args[1:])
	case "remove":
		nodeRemove(args[1:])
	case "list":
		nodeList(args[1:])
	case "status":
		nodeStatus(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "unknown node subcommand %q\n", args[0])
		os.Exit(2)
	}
}

func nodeAdd(args []string) {
	fs, common := newFlagSet("node add")
	name := fs.String("name", "", "node name (max 10 characters)")
	address := fs.String("address", "", "node address")
	port := fs.Int("port", 0, "node API port (default installer.node_port)")
	protocol := fs.String("protocol", "", "tunnel protocol (default tunnel.protocol)")
	tunnelPort := fs.Int("tunnel-port", 0, "OpenVPN port (default tunnel.port)")
	tunnelAddress := fs.String("tunnel-address", "", "tunnel address override for this node")
	key := fs.String("key", "", "node API key")
	disabled := fs.Bool("disabled", false, "register the node disabled")
	_ = fs.Parse(args)

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	spec := controller.NodeSpec{
		Name:          *name,
		Address:       *address,
		Port:          orInt(*port, e.cfg.Installer.NodePort),
		Protocol:      orString(*protocol, e.cfg.Tunnel.Protocol),
		TunnelPort:    orInt(*tunnelPort, e.cfg.Tunnel.Port),
		TunnelAddress: *tunnelAddress,
		Key:           *key,
		Enabled:       !*disabled,
	}
	res, err := e.svc.AddNode(ctx, spec)
	fatal(err)

	fmt.Fprintf(os.Stdout, "added node %s (%s) id=%s\n", res.Node.Name, res.Node.Endpoint(), res.Node.ID)
	if res.Synced {
		fmt.Fprintf(os.Stdout, "roster total=%d synced=%d failed=%d status=%s\n", res.Roster.Total, res.Roster.Synced, res.Roster.Failed, res.Roster.Status)
	} else {
		fmt.Fprintln(os.Stdout, "node is disabled; roster push deferred")
	}
}

func nodeInstall(args []string) {
	fs, common := newFlagSet("node install")
	name := fs.String("name", "", "node name (max 10 characters)")
	host := fs.String("host", "", "SSH host")
	sshPort := fs.Int("ssh-port", 22, "SSH port")
	user := fs.String("user", "root", "SSH user")
	passwordFile := fs.String("password-file", "", "file holding the SSH password (or set OVFLEET_SSH_PASSWORD)")
	keyFile := fs.String("ssh-key", "", "PEM private key file")
	passphraseFile := fs.String("ssh-key-passphrase-file", "", "file holding the private key passphrase")
	nodePort := fs.Int("node-port", 0, "node API port (default installer.node_port)")
	protocol := fs.String("protocol", "", "tunnel protocol (default tunnel.protocol)")
	tunnelPort := fs.Int("tunnel-port", 0, "OpenVPN port (default tunnel.port)")
	tunnelAddress := fs.String("tunnel-address", "", "tunnel address override for this node")
	disabled := fs.Bool("disabled", false, "register the node disabled")
	showLog := fs.Bool("show-log", false, "print the tail of the remote install log")
	_ = fs.Parse(args)

	auth, err := sshAuth(*passwordFile, *keyFile, *passphraseFile)
	fatal(err)

	e, err := setup(common, setupOptions{installer: true})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	storage := e.cfg.ObjectStorage
	req := controller.InstallRequest{
		Name:          *name,
		SSH:           sshx.Target{Host: *host, Port: *sshPort, User: *user, Auth: auth},
		NodePort:      orInt(*nodePort, e.cfg.Installer.NodePort),
		Protocol:      orString(*protocol, e.cfg.Tunnel.Protocol),
		TunnelPort:    orInt(*tunnelPort, e.cfg.Tunnel.Port),
		TunnelAddress: *tunnelAddress,
		Enabled:       !*disabled,
		Storage: installer.ObjectStorage{
			AccessKeyID:     os.Getenv("OVFLEET_STORAGE_ACCESS_KEY_ID"),
			SecretAccessKey: os.Getenv("OVFLEET_STORAGE_SECRET_ACCESS_KEY"),
			DownloadToken:   os.Getenv("OVFLEET_STORAGE_DOWNLOAD_TOKEN"),
			Bucket:          storage.Bucket,
			AccountID:       storage.AccountID,
			PublicBaseURL:   storage.PublicBaseURL,
		},
	}

	report, err := e.svc.InstallNode(ctx, req)
	printInstall(report, *showLog)
	fatal(err)
}

func sshAuth(passwordFile, keyFile, passphraseFile string) (sshx.Auth, error) {
	var auth sshx.Auth
	if keyFile != "" {
		pem, err := os.ReadFile(keyFile)
		if err != nil {
			return auth, err
		}
		auth.PrivateKey = pem
	}
	if passphraseFile != "" {
		p, err := readSecret(passphraseFile)
		if err != nil {
			return auth, err
		}
		auth.Passphrase = p
	}
	switch {
	case passwordFile != "":
		p, err := readSecret(passwordFile)
		if err != nil {
			return auth, err
		}
		auth.Password = p
	case os.Getenv("OVFLEET_SSH_PASSWORD") != "":
		auth.Password = os.Getenv("OVFLEET_SSH_PASSWORD")
	}
	if auth.Password == "" && len(auth.PrivateKey) == 0 {
		return auth, errors.New("node install: --password-file, OVFLEET_SSH_PASSWORD or --ssh-key is required")
	}
	return auth, nil
}

func readSecret(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(data), "\r\n"), nil
}

func printInstall(report controller.InstallReport, showLog bool) {
	res := report.Install
	for _, st := range res.Steps {
		mark := "ok"
		if !st.OK {
			mark = "FAILED"
		}
		fmt.Fprintf(os.Stdout, "%-20s %-6s %8s  %s\n", st.Stage, mark, st.Duration.Round(time.Millisecond), st.Message)
	}
	if res.Server.OS != "" || res.Server.PublicIP != "" {
		fmt.Fprintf(os.Stdout, "server os=%q hostname=%s public_ip=%s\n", res.Server.OS, res.Server.Hostname, res.Server.PublicIP)
	}
	if res.ServiceStatus != "" {
		fmt.Fprintf(os.Stdout, "service=%s client_remote=%s\n", res.ServiceStatus, res.ClientRemoteIP)
	}
	if showLog && res.InstallLog != "" {
		fmt.Fprintf(os.Stdout, "--- install log (exit=%d) ---\n%s\n", res.ScriptExitCode, res.InstallLog)
	}

	switch {
	case report.Added != nil:
		n := report.Added.Node
		fmt.Fprintf(os.Stdout, "installed (%s) and registered node %s (%s) id=%s\n", res.Outcome, n.Name, n.Endpoint(), n.ID)
	case res.FailedStep != "":
		fmt.Fprintf(os.Stdout, "install failed at %s: %s\n", res.FailedStep, res.Error)
		if res.FailedStep == model.StepRegistration {
			fmt.Fprintln(os.Stdout, "the node key is stored in the vault; register the node with `ovfleet node add` once its API answers")
		}
	}
}

func nodeRemove(args []string) {
	fs, common := newFlagSet("node remove")
	_ = fs.Parse(args)
	ref := requireArg(fs, "node")

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	res, err := e.svc.RemoveNode(ctx, ref)
	fatal(err)

	failed := 0
	for _, o := range res.Accounts {
		if !o.Success {
			failed++
		}
	}
	fmt.Fprintf(os.Stdout, "removed node %s (%s); accounts removed=%d failed=%d\n", res.Node.Name, res.Node.Endpoint(), len(res.Accounts)-failed, failed)
}

func nodeList(args []string) {
	fs, common := newFlagSet("node list")
	_ = fs.Parse(args)

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	views, err := e.svc.ListNodes(ctx)
	fatal(err)
	if len(views) == 0 {
		fmt.Fprintln(os.Stdout, "no nodes registered")
		return
	}
	sort.SliceStable(views, func(i, j int) bool { return views[i].Name < views[j].Name })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tENDPOINT\tACTIVE\tENABLED\tHEALTHY\tRESPONSE\tFAILURES\tSYNC\tID")
	for _, v := range views {
		fmt.Fprintf(w, "%s\t%s\t%t\t%t\t%t\t%s\t%d\t%s\t%s\n",
			v.Name, v.Endpoint(), v.Active, v.Enabled, v.Healthy, responseTime(v.ResponseTimeSeconds), v.ConsecutiveFailures, v.SyncStatus, v.ID)
	}
	_ = w.Flush()
}

func nodeStatus(args []string) {
	fs, common := newFlagSet("node status")
	_ = fs.Parse(args)
	ref := requireArg(fs, "node")

	e, err := setup(common, setupOptions{})
	fatal(err)
	ctx, cancel := signalContext()
	defer cancel()

	st, err := e.svc.NodeStatus(ctx, ref)
	fatal(err)

	fmt.Fprintf(os.Stdout, "node %s (%s) id=%s\n", st.Name, st.Endpoint(), st.ID)
	fmt.Fprintf(os.Stdout, "active=%t enabled=%t healthy=%t failures=%d response=%s\n", st.Active, st.Enabled, st.Healthy, st.ConsecutiveFailures, responseTime(st.ResponseTimeSeconds))
	fmt.Fprintf(os.Stdout, "sync=%s last_sync=%s last_check=%s\n", st.SyncStatus, formatTime(st.LastSyncAt), formatTime(st.LastHealthCheckAt))
	if st.Info == nil {
		fmt.Fprintln(os.Stdout, "live info: unavailable")
		return
	}
	keys := make([]string, 0, len(st.Info))
	for k := range st.Info {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(os.Stdout, "  %s: %v\n", k, st.Info[k])
	}
}

func responseTime(secs *float64) string {
	if secs == nil {
		return "-"
	}
	return fmt.Sprintf("%.3fs", *secs)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "never"
	}
	return t.Format(time.RFC3339)
}

func orInt(v, def int) int {
	if v != 0 {
		return v
	}
	return def
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
