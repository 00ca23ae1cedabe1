package installer

import (
	"bytes"
	_ "embed"
	"strconv"
	"strings"
	"text/template"
)

// ScriptVersion is bumped whenever install.sh.tmpl changes behavior.
const ScriptVersion = "3"

//go:embed assets/install.sh.tmpl
var scriptSource string

var scriptTemplate = template.Must(template.New("install.sh").
	Funcs(template.FuncMap{"q": quoteValue}).
	Option("missingkey=error").
	Parse(scriptSource))

type scriptData struct {
	Version         string
	ServiceName     string
	InstallDir      string
	RepoURL         string
	VPNInstallerURL string
	NodePort        int
	APIKey          string
	Storage         ObjectStorage
}

func renderScript(d scriptData) (string, error) {
	d.Version = ScriptVersion
	var buf bytes.Buffer
	if err := scriptTemplate.Execute(&buf, d); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func quoteValue(v any) string {
	switch v := v.(type) {
	case string:
		return shellQuote(v)
	case int:
		return shellQuote(strconv.Itoa(v))
	}
	panic("installer: unsupported template value")
}

// shellQuote wraps s in single quotes for a POSIX shell. Embedded single
// quotes become '\'' so the result is always one literal word.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
