package worker

import (
	"fmt"
	"os"
	"strings"

	"github.com/hpcops/spackq/internal/model"
)

// SetupScriptMissingError fails an installation whose spack environment
// cannot be sourced. Its text is recorded verbatim in the job log.
type SetupScriptMissingError struct {
	Path string
}

func (e *SetupScriptMissingError) Error() string {
	return fmt.Sprintf("Spack setup script not found at: %s", e.Path)
}

// CommandBuilder assembles the shell commands a job runs. Spack only works
// after its setup-env.sh has been sourced, so every generated command starts
// with that unless the job's custom command already does it.
type CommandBuilder struct {
	SetupScript string
}

// SetupScriptExists reports whether the configured setup script is present
// on disk.
func (b CommandBuilder) SetupScriptExists() bool {
	if b.SetupScript == "" {
		return false
	}
	_, err := os.Stat(b.SetupScript)
	return err == nil
}

// SpecCommand returns the bare inspection command for a package.
func (b CommandBuilder) SpecCommand(packageName string) string {
	return "spack spec " + packageName
}

// WithSetup prefixes cmd with sourcing the setup script.
func (b CommandBuilder) WithSetup(cmd string) string {
	return fmt.Sprintf("source %s && %s", b.SetupScript, cmd)
}

// InstallCommand returns the full shell command for a job. A custom command
// that already sources a setup-env.sh runs unchanged; any other command
// requires the configured setup script to exist.
func (b CommandBuilder) InstallCommand(job *model.Job) (string, error) {
	if job.SpackCommand != "" {
		if strings.Contains(job.SpackCommand, "source ") && strings.Contains(job.SpackCommand, "setup-env.sh") {
			return job.SpackCommand, nil
		}
		if !b.SetupScriptExists() {
			return "", &SetupScriptMissingError{Path: b.SetupScript}
		}
		return b.WithSetup(job.SpackCommand), nil
	}
	if !b.SetupScriptExists() {
		return "", &SetupScriptMissingError{Path: b.SetupScript}
	}
	return b.WithSetup("spack install " + job.PackageName), nil
}
