// Package launch turns a local agent installation into the option string
// substituted into the managed process's launch invocation.
package launch

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Options is everything the formatter needs. It only reads the local
// installation; it never touches the network.
type Options struct {
	InstallDir string
	Binary     string

	LogDir      string
	LogToStderr bool

	Module  string
	Version string

	Classpath []string

	// Service-account parameters, emitted only when ServiceAccount is set.
	ServiceAccount bool
	ProjectID      string
	ProjectNumber  string
	AccountEmail   string
	KeyFile        string
}

// Format assembles the comma-joined agent option string. When the expected
// binary is absent from the installation the agent feature is silently
// disabled: the result is empty and there is no error. The option order is
// fixed so repeated runs with the same inputs are byte-identical.
func Format(o Options) string {
	if _, err := os.Stat(filepath.Join(o.InstallDir, o.Binary)); err != nil {
		return ""
	}

	parts := []string{
		"log_dir=" + o.LogDir,
		fmt.Sprintf("logtostderr=%t", o.LogToStderr),
		"install_dir=" + o.InstallDir,
	}
	if suffix := descriptionSuffix(o.Module, o.Version); suffix != "" {
		parts = append(parts, "description_suffix="+suffix)
	}
	if len(o.Classpath) > 0 {
		parts = append(parts, "classpath="+strings.Join(o.Classpath, string(os.PathListSeparator)))
	}
	if o.ServiceAccount {
		parts = append(parts,
			"project_id="+o.ProjectID,
			"project_number="+o.ProjectNumber,
			"service_account_email="+o.AccountEmail,
			"service_account_keyfile="+o.KeyFile,
		)
	}
	return strings.Join(parts, ",")
}

// descriptionSuffix renders "-module-version" keeping only non-empty parts.
func descriptionSuffix(module, version string) string {
	var b strings.Builder
	if module != "" {
		b.WriteString("-")
		b.WriteString(module)
	}
	if version != "" {
		b.WriteString("-")
		b.WriteString(version)
	}
	return b.String()
}
