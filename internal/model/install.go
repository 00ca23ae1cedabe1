package model

import "time"

// InstallStage names a state of the remote bootstrap machine.
type InstallStage string

const (
	StageConnecting        InstallStage = "connecting"
	StageTestingConnection InstallStage = "testing_connection"
	StageProvisioning      InstallStage = "provisioning"
	StageVerifying         InstallStage = "verifying"
	StageFinalizing        InstallStage = "finalizing"
	StageDone              InstallStage = "done"
)

// Failed-step identifiers reported to callers.
const (
	StepSSHConnection     = "ssh_connection"
	StepSSHConnectionTest = "ssh_connection_test"
	StepNodeInstallation  = "node_installation"
	StepVerification      = "verification"
	StepRegistration      = "registration"
)

// InstallOutcome classifies a finished bootstrap.
type InstallOutcome string

const (
	OutcomeSuccess  InstallOutcome = "success"
	OutcomeDegraded InstallOutcome = "degraded"
	OutcomeFailed   InstallOutcome = "failed"
)

// InstallStep is the record produced by each stage.
type InstallStep struct {
	Stage     InstallStage
	OK        bool
	Message   string
	StartedAt time.Time
	Duration  time.Duration
}

// ServerInfo is host information gathered once the SSH session is up.
type ServerInfo struct {
	OS       string
	Hostname string
	PublicIP string
}

// InstallResult is returned by the remote installer.
type InstallResult struct {
	Success    bool
	Outcome    InstallOutcome
	FailedStep string
	Reason     string
	Error      string
	Steps      []InstallStep

	Server         ServerInfo
	ServiceStatus  string
	APIResponse    string
	ClientRemoteIP string
	PublicIP       string
	InstallLog     string
	ScriptExitCode int
}
