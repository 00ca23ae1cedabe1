package installer

import (
	"bytes"
	"os/exec"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// localShell runs the local /bin/sh with args and returns its stdout.
func localShell(t *testing.T, stdin string, args ...string) string {
	t.Helper()
	cmd := exec.Command("/bin/sh", args...)
	cmd.Stdin = strings.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	require.NoError(t, cmd.Run(), stderr.String())
	return stdout.String()
}

func TestShellQuote_RoundTripsThroughShell(t *testing.T) {
	t.Parallel()

	values := []string{
		"plain",
		"",
		"it's",
		`$(touch /tmp/pwned) "quoted" \back`,
		"a;b|c&d`e`",
		"multi\nline",
	}

	for _, v := range values {
		require.Equal(t, v, localShell(t, "", "-c", "printf %s "+shellQuote(v)))
	}
}

func TestRenderScript_QuotesEveryValue(t *testing.T) {
	t.Parallel()

	script, err := renderScript(scriptData{
		ServiceName:     "ov-node",
		InstallDir:      "/opt/ov node",
		RepoURL:         "https://example.com/agent.git",
		VPNInstallerURL: "https://example.com/vpn.sh",
		NodePort:        9090,
		APIKey:          "k'; rm -rf / #",
		Storage:         ObjectStorage{SecretAccessKey: "$HOME", PublicBaseURL: "api.openvpn.panel"},
	})
	require.NoError(t, err)

	require.Contains(t, script, "# ovfleet node bootstrap, script version "+ScriptVersion)
	require.Contains(t, script, `NODE_API_KEY='k'\''; rm -rf / #'`)
	require.Contains(t, script, `R2_SECRET_ACCESS_KEY='$HOME'`)
	require.Contains(t, script, `INSTALL_DIR='/opt/ov node'`)
	require.Contains(t, script, `NODE_SERVICE_PORT='9090'`)
	require.NotContains(t, script, "<no value>")

	// The rendered script must parse.
	localShell(t, script, "-n")
}
