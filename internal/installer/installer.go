// Package installer bootstraps a bare host into a fleet node over SSH.
package installer

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"strconv"
	"strings"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"ovfleet/internal/execx"
	"ovfleet/internal/model"
	"ovfleet/internal/sshx"
)

const (
	connectionProbe = "ovfleet-ok"
	remoteScript    = "/tmp/ovfleet_install.sh"
	remoteLog       = "/tmp/ovfleet_install.log"
	clientCommon    = "/etc/openvpn/server/client-common.txt"
	exitMarker      = "INSTALL_EXIT_CODE="
	logTailBytes    = 5000
	apiUnreachable  = "API_UNREACHABLE"
	commandTimeout  = 60 * time.Second
)

// Session is an open connection to the target host.
type Session interface {
	execx.Runner
	Host() string
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, t sshx.Target) (Session, error)
}

// DialFunc adapts a function to Dialer.
type DialFunc func(ctx context.Context, t sshx.Target) (Session, error)

func (f DialFunc) Dial(ctx context.Context, t sshx.Target) (Session, error) { return f(ctx, t) }

// FromSSH adapts an sshx.Dialer.
func FromSSH(d *sshx.Dialer) Dialer {
	return DialFunc(func(ctx context.Context, t sshx.Target) (Session, error) {
		c, err := d.Dial(ctx, t)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

// ObjectStorage is the bucket configuration written into the node agent's
// environment.
type ObjectStorage struct {
	AccessKeyID     string
	SecretAccessKey string
	Bucket          string
	AccountID       string
	PublicBaseURL   string
	DownloadToken   string
}

// Request describes one bootstrap.
type Request struct {
	Target     sshx.Target
	NodePort   int
	APIKey     string
	TunnelPort int
	Storage    ObjectStorage
}

func (r Request) validate() error {
	switch {
	case r.Target.Host == "":
		return errors.New("ssh host is required")
	case r.Target.Auth.Password == "" && len(r.Target.Auth.PrivateKey) == 0:
		return errors.New("ssh password or private key is required")
	case r.NodePort <= 0 || r.NodePort > 65535:
		return fmt.Errorf("node port out of range: %d", r.NodePort)
	case r.TunnelPort <= 0 || r.TunnelPort > 65535:
		return fmt.Errorf("tunnel port out of range: %d", r.TunnelPort)
	case r.APIKey == "":
		return errors.New("api key is required")
	}
	return nil
}

// Settings are the host-independent knobs of a bootstrap.
type Settings struct {
	SSHTimeout      time.Duration
	ScriptTimeout   time.Duration
	APIWait         time.Duration
	RepoURL         string
	VPNInstallerURL string
	ServiceName     string
	InstallDir      string
}

// StepError reports the stage that halted a bootstrap.
type StepError struct {
	Step   string
	Reason sshx.Reason
	Msg    string
	Err    error
}

func (e *StepError) Error() string {
	msg := e.Msg
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	return fmt.Sprintf("%s: %s", e.Step, msg)
}

func (e *StepError) Unwrap() error { return e.Err }

type Installer struct {
	dialer   Dialer
	settings Settings
	logger   log.Logger
	now      func() time.Time
	sleep    func(ctx context.Context, d time.Duration) error
}

func New(dialer Dialer, settings Settings, logger log.Logger) *Installer {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Installer{
		dialer:   dialer,
		settings: settings,
		logger:   log.With(logger, "component", "installer"),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Install runs the bootstrap stages in order. A hard failure stops the run;
// the returned result then names the failed step and err is a *StepError.
func (in *Installer) Install(ctx context.Context, req Request) (model.InstallResult, error) {
	r := &run{in: in, req: req, logger: log.With(in.logger, "host", req.Target.Host)}
	if err := req.validate(); err != nil {
		return r.fail(&StepError{Step: model.StepSSHConnection, Msg: err.Error(), Err: err})
	}

	level.Info(r.logger).Log("msg", "starting node bootstrap", "script_version", ScriptVersion)

	if err := r.stage(model.StageConnecting, r.connect(ctx)); err != nil {
		return r.fail(err)
	}
	defer r.sess.Close()

	if err := r.stage(model.StageTestingConnection, r.testConnection(ctx)); err != nil {
		return r.fail(err)
	}
	r.res.Server = r.serverInfo(ctx)

	defer r.cleanupOnFailure()

	if err := r.stage(model.StageProvisioning, r.provision(ctx)); err != nil {
		return r.fail(err)
	}
	if err := r.stage(model.StageVerifying, r.verify(ctx)); err != nil {
		return r.fail(err)
	}
	if err := r.stage(model.StageFinalizing, r.finalize(ctx)); err != nil {
		return r.fail(err)
	}

	r.res.Success = true
	_ = r.stage(model.StageDone, func() (string, error) { return string(r.res.Outcome), nil })
	level.Info(r.logger).Log("msg", "node bootstrap finished", "outcome", r.res.Outcome)
	return r.res, nil
}

type run struct {
	in     *Installer
	req    Request
	logger log.Logger
	sess   Session
	res    model.InstallResult

	uploaded bool
	cleaned  bool
}

func (r *run) stage(s model.InstallStage, fn func() (string, error)) error {
	start := r.in.now()
	msg, err := fn()
	step := model.InstallStep{Stage: s, OK: err == nil, Message: msg, StartedAt: start, Duration: r.in.now().Sub(start)}
	if err != nil {
		step.Message = err.Error()
		level.Warn(r.logger).Log("msg", "bootstrap stage failed", "stage", s, "err", err)
	} else {
		level.Debug(r.logger).Log("msg", "bootstrap stage done", "stage", s, "detail", msg)
	}
	r.res.Steps = append(r.res.Steps, step)
	return err
}

func (r *run) fail(err error) (model.InstallResult, error) {
	r.res.Success = false
	r.res.Outcome = model.OutcomeFailed
	r.res.Error = err.Error()

	var se *StepError
	if errors.As(err, &se) {
		r.res.FailedStep = se.Step
		r.res.Reason = string(se.Reason)
		if se.Msg != "" {
			r.res.Error = se.Msg
		}
	}
	return r.res, err
}

// exec runs one command with the default command timeout.
func (r *run) exec(ctx context.Context, script string) (execx.Result, error) {
	return r.sess.Run(ctx, execx.Command{Script: script, Timeout: commandTimeout})
}

func (r *run) connect(ctx context.Context) func() (string, error) {
	return func() (string, error) {
		sess, err := r.in.dialer.Dial(ctx, r.req.Target)
		if err != nil {
			reason := sshx.Classify(err)
			step := model.StepSSHConnection
			// Rejected credentials surface as a failed connection test.
			if reason == sshx.ReasonAuth {
				step = model.StepSSHConnectionTest
			}
			return "", &StepError{Step: step, Reason: reason, Msg: sshx.Describe(reason, r.req.Target, err), Err: err}
		}
		r.sess = sess
		return "connected to " + r.req.Target.Addr(), nil
	}
}

func (r *run) testConnection(ctx context.Context) func() (string, error) {
	return func() (string, error) {
		res, err := r.sess.Run(ctx, execx.Command{Script: "echo " + connectionProbe, Timeout: r.in.settings.SSHTimeout})
		if err != nil {
			reason := sshx.Classify(err)
			return "", &StepError{Step: model.StepSSHConnectionTest, Reason: reason, Msg: sshx.Describe(reason, r.req.Target, err), Err: err}
		}
		if res.Out() != connectionProbe {
			return "", &StepError{Step: model.StepSSHConnectionTest, Reason: sshx.ReasonProtocol, Msg: "ssh connection test failed: unexpected output"}
		}
		return "ssh connection successful", nil
	}
}

func (r *run) serverInfo(ctx context.Context) model.ServerInfo {
	var info model.ServerInfo
	if res, err := r.exec(ctx, "cat /etc/os-release"); err == nil && res.OK() {
		info.OS = prettyName(res.Stdout)
	}
	if res, err := r.exec(ctx, "curl -4 -s -m 10 ifconfig.me"); err == nil && res.OK() {
		if ip, ok := parseIP(res.Out()); ok {
			info.PublicIP = ip
		}
	}
	if res, err := r.exec(ctx, "hostname"); err == nil && res.OK() {
		info.Hostname = res.Out()
	}
	return info
}

func (r *run) provision(ctx context.Context) func() (string, error) {
	return func() (string, error) {
		s := r.in.settings
		script, err := renderScript(scriptData{
			ServiceName:     s.ServiceName,
			InstallDir:      s.InstallDir,
			RepoURL:         s.RepoURL,
			VPNInstallerURL: s.VPNInstallerURL,
			NodePort:        r.req.NodePort,
			APIKey:          r.req.APIKey,
			Storage:         r.req.Storage,
		})
		if err != nil {
			return "", &StepError{Step: model.StepNodeInstallation, Msg: "render install script", Err: err}
		}

		upload := fmt.Sprintf("umask 077 && cat > %s && chmod 700 %s", remoteScript, remoteScript)
		res, err := r.sess.Run(ctx, execx.Command{Script: upload, Stdin: strings.NewReader(script), Timeout: commandTimeout})
		if err != nil || !res.OK() {
			return "", &StepError{Step: model.StepNodeInstallation, Reason: sshx.Classify(err), Msg: "failed to upload install script", Err: errors.Join(err, exitError(res))}
		}
		r.uploaded = true

		level.Info(r.logger).Log("msg", "running install script", "timeout", s.ScriptTimeout)
		runCmd := fmt.Sprintf("cd /tmp && bash %s > %s 2>&1; echo \"%s$?\" >> %s", remoteScript, remoteLog, exitMarker, remoteLog)
		_, runErr := r.sess.Run(ctx, execx.Command{Script: runCmd, Timeout: s.ScriptTimeout})

		if tail, err := r.exec(ctx, fmt.Sprintf("tail -c %d %s 2>/dev/null || true", logTailBytes, remoteLog)); err == nil {
			r.res.InstallLog = tail.Stdout
			r.res.ScriptExitCode = scriptExitCode(tail.Stdout)
		}

		if runErr != nil {
			reason := sshx.Classify(runErr)
			return "", &StepError{Step: model.StepNodeInstallation, Reason: reason, Msg: "install script did not finish: " + runErr.Error(), Err: runErr}
		}
		if r.res.ScriptExitCode != 0 {
			level.Warn(r.logger).Log("msg", "install script exited with error", "code", r.res.ScriptExitCode)
		}
		return fmt.Sprintf("install script exited with %d", r.res.ScriptExitCode), nil
	}
}

func (r *run) verify(ctx context.Context) func() (string, error) {
	return func() (string, error) {
		s := r.in.settings
		res, err := r.exec(ctx, fmt.Sprintf("systemctl is-active %s 2>&1", shellQuote(s.ServiceName)))
		if err != nil {
			return "", &StepError{Step: model.StepVerification, Reason: sshx.Classify(err), Msg: "could not read service state", Err: err}
		}
		r.res.ServiceStatus = res.Out()

		if err := r.in.sleep(ctx, s.APIWait); err != nil {
			return "", &StepError{Step: model.StepVerification, Reason: sshx.ReasonTimeout, Err: err}
		}
		if res, err := r.exec(ctx, fmt.Sprintf("curl -s -m 10 http://localhost:%d/api/health || echo %s", r.req.NodePort, apiUnreachable)); err == nil {
			r.res.APIResponse = res.Out()
		}

		r.reconcileClientRemote(ctx)
		return "service " + r.res.ServiceStatus, nil
	}
}

// reconcileClientRemote makes the "remote" directive used for client
// profiles point at the host's public address.
func (r *run) reconcileClientRemote(ctx context.Context) {
	if res, err := r.exec(ctx, fmt.Sprintf("grep -E '^remote ' %s 2>/dev/null | awk '{print $2}' | head -1", clientCommon)); err == nil && res.OK() {
		r.res.ClientRemoteIP = res.Out()
	}

	public := ""
	if res, err := r.exec(ctx, "curl -s -m 10 ifconfig.me || curl -s -m 10 icanhazip.com || echo ''"); err == nil && res.OK() {
		if ip, ok := parseIP(res.Out()); ok {
			public = ip
		}
	}
	if public == "" {
		public = r.res.Server.PublicIP
	}
	if public == "" {
		if ip, ok := parseIP(r.sess.Host()); ok {
			public = ip
		}
	}
	if public == "" {
		level.Warn(r.logger).Log("msg", "could not detect public address, leaving client remote untouched")
		return
	}
	r.res.PublicIP = public

	var fix string
	switch r.res.ClientRemoteIP {
	case public:
		return
	case "":
		fix = fmt.Sprintf(`sed -i '3 i\remote %s %d' %s`, public, r.req.TunnelPort, clientCommon)
	default:
		fix = fmt.Sprintf(`sed -i 's|^remote .*$|remote %s %d|' %s`, public, r.req.TunnelPort, clientCommon)
	}

	res, err := r.exec(ctx, fix)
	if err != nil || !res.OK() {
		level.Error(r.logger).Log("msg", "failed to fix client remote", "err", errors.Join(err, exitError(res)))
		return
	}
	level.Info(r.logger).Log("msg", "client remote updated", "from", r.res.ClientRemoteIP, "to", public)
	r.res.ClientRemoteIP = public
}

func (r *run) finalize(ctx context.Context) func() (string, error) {
	return func() (string, error) {
		r.removeArtifacts(ctx)

		if r.res.ServiceStatus != "active" {
			r.res.Outcome = model.OutcomeFailed
			return "", &StepError{Step: model.StepNodeInstallation, Msg: "installation failed, service status: " + r.res.ServiceStatus}
		}
		if r.res.APIResponse == "" || strings.Contains(r.res.APIResponse, apiUnreachable) {
			r.res.Outcome = model.OutcomeDegraded
			level.Warn(r.logger).Log("msg", "service is running but the agent API is not answering yet")
			return "service running, agent API still starting", nil
		}
		r.res.Outcome = model.OutcomeSuccess
		return "service running and agent API responding", nil
	}
}

func (r *run) removeArtifacts(ctx context.Context) {
	if r.cleaned {
		return
	}
	r.cleaned = true
	if _, err := r.exec(ctx, fmt.Sprintf("rm -f %s %s", remoteScript, remoteLog)); err != nil {
		level.Warn(r.logger).Log("msg", "failed to remove install artifacts", "err", err)
	}
}

// cleanupOnFailure removes the uploaded script, which carries secrets, when a
// later stage halted the run.
func (r *run) cleanupOnFailure() {
	if !r.uploaded || r.cleaned {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()
	r.removeArtifacts(ctx)
}

func exitError(res execx.Result) error {
	if res.OK() {
		return nil
	}
	msg := strings.TrimSpace(res.Stderr)
	if msg == "" {
		msg = res.Out()
	}
	return fmt.Errorf("exit status %d: %s", res.ExitCode, msg)
}

func scriptExitCode(logTail string) int {
	idx := strings.LastIndex(logTail, exitMarker)
	if idx < 0 {
		return -1
	}
	rest := logTail[idx+len(exitMarker):]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		rest = rest[:nl]
	}
	code, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return -1
	}
	return code
}

func parseIP(s string) (string, bool) {
	addr, err := netip.ParseAddr(strings.TrimSpace(s))
	if err != nil {
		return "", false
	}
	return addr.String(), true
}

func prettyName(osRelease string) string {
	for _, line := range strings.Split(osRelease, "\n") {
		if v, ok := strings.CutPrefix(line, "PRETTY_NAME="); ok {
			return strings.Trim(v, `"`)
		}
	}
	return strings.TrimSpace(osRelease)
}
