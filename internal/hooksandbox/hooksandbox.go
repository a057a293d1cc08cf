// Package hooksandbox runs a package's declared pre/post-install hook
// scripts with a restricted working directory, a minimal environment, and
// a bounded timeout, so a misbehaving maintainer script cannot wander the
// filesystem or hang a transaction indefinitely.
package hooksandbox

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"time"

	"github.com/apexpm/apex/internal/errs"
	"github.com/apexpm/apex/internal/logging"
	"github.com/apexpm/apex/internal/model"
)

// DefaultTimeout bounds how long any single hook may run.
const DefaultTimeout = 2 * time.Minute

// Hook names a script a package carries, relative to its staged tree.
type Hook struct {
	Name string // "preinst", "postinst", "prerm", "postrm"
	Path string // absolute path to the script inside the staging tree
}

// Runner executes a package's hooks.
type Runner struct {
	Timeout time.Duration
}

// NewRunner constructs a Runner with DefaultTimeout.
func NewRunner() *Runner {
	return &Runner{Timeout: DefaultTimeout}
}

// Run executes hook with stageDir as its working directory and argv[1]
// set to the lifecycle action name, per Debian maintainer-script
// convention. Only hooks the package itself declared are ever run; apex
// never infers or injects a hook a package didn't ship.
func (r *Runner) Run(ctx context.Context, hook Hook, stageDir string, rec model.PackageRecord, action string) error {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	log := logging.Component(ctx, "hooksandbox")
	log.Debug().Str("package", string(rec.Name)).Str("hook", hook.Name).Str("action", action).Msg("running hook")

	cmd := exec.CommandContext(runCtx, hook.Path, action)
	cmd.Dir = stageDir
	cmd.Env = []string{
		"PATH=/usr/sbin:/usr/bin:/sbin:/bin",
		"DPKG_MAINTSCRIPT_PACKAGE=" + string(rec.Name),
		"APEX_HOOK_ACTION=" + action,
	}

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return errs.Cancel(fmt.Sprintf("hook %s/%s timed out", rec.Name, hook.Name), runCtx.Err())
		}

		return errs.Config(fmt.Sprintf("hook %s/%s failed", rec.Name, hook.Name), fmt.Errorf("%w: %s", err, stderr.String()))
	}

	return nil
}
