// Package device runs the shell commands that drive a locally attached
// emulator or simulator.
package device

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/koios/adb-invocation-server/internal/naming"
	"github.com/koios/adb-invocation-server/pkg/models"
)

// ErrUnsupported is returned when a platform has no command for an action.
var ErrUnsupported = errors.New("action not supported on platform")

// CommandError carries the output of a command that exited unsuccessfully.
type CommandError struct {
	Command string
	Output  string
	Err     error
}

func (e *CommandError) Error() string {
	if out := strings.TrimSpace(e.Output); out != "" {
		return fmt.Sprintf("command %q failed: %v: %s", e.Command, e.Err, out)
	}
	return fmt.Sprintf("command %q failed: %v", e.Command, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// ExecFunc runs a shell command line and returns its combined output.
type ExecFunc func(ctx context.Context, command string) ([]byte, error)

// ShellExec runs command through sh -c.
func ShellExec(ctx context.Context, command string) ([]byte, error) {
	return exec.CommandContext(ctx, "sh", "-c", command).CombinedOutput()
}

// Runner fills command templates and executes them.
type Runner struct {
	commands *models.CommandSet
	exec     ExecFunc
	logger   *zap.Logger
}

// NewRunner creates a runner. A nil exec uses ShellExec.
func NewRunner(commands *models.CommandSet, exec ExecFunc, logger *zap.Logger) *Runner {
	if commands == nil {
		commands = models.DefaultCommandSet()
	}
	if exec == nil {
		exec = ShellExec
	}
	return &Runner{commands: commands, exec: exec, logger: logger}
}

// Run executes the platform's template for action with args substituted.
// Non-empty values are shell-quoted; empty values drop out of the command.
func (r *Runner) Run(ctx context.Context, platform models.Platform, action models.Action, args map[string]string) error {
	tmpl, ok := r.commands.Lookup(platform, action)
	if !ok {
		return fmt.Errorf("%w: %s on %s", ErrUnsupported, action, platform)
	}

	values := make(naming.Values, len(args))
	for k, v := range args {
		values[naming.Placeholder(k)] = quote(v)
	}
	command := naming.Substitute(tmpl, values)

	r.logger.Info("Running device command",
		zap.String("platform", string(platform)),
		zap.String("action", string(action)),
		zap.String("command", command))

	out, err := r.exec(ctx, command)
	if err != nil {
		r.logger.Error("Device command failed",
			zap.String("command", command),
			zap.ByteString("output", out),
			zap.Error(err))
		return &CommandError{Command: command, Output: string(out), Err: err}
	}
	return nil
}

// Screenshot captures the current screen into dir/name.png, creating dir.
// name must be a single path element.
func (r *Runner) Screenshot(ctx context.Context, platform models.Platform, dir, name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("%w: empty screenshot name", naming.ErrUnsafePath)
	}
	if err := naming.CheckSegment(name); err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create screenshot directory %s: %w", dir, err)
	}
	path := filepath.Join(dir, ScreenshotFileName(name))
	if err := r.Run(ctx, platform, models.ActionScreenshot, map[string]string{"path": path}); err != nil {
		return "", err
	}
	return path, nil
}

// SetPermissions grants or revokes app permissions.
func (r *Runner) SetPermissions(ctx context.Context, platform models.Platform, bundleID, perms string) error {
	return r.Run(ctx, platform, models.ActionPermissions, map[string]string{
		"bundleId": bundleID,
		"perms":    perms,
	})
}

// SetLocation overrides the device GPS position.
func (r *Runner) SetLocation(ctx context.Context, platform models.Platform, lat, lng float64) error {
	return r.Run(ctx, platform, models.ActionLocation, map[string]string{
		"lat": strconv.FormatFloat(lat, 'f', -1, 64),
		"lng": strconv.FormatFloat(lng, 'f', -1, 64),
	})
}

// OpenDeeplink dispatches a link, optionally to a specific package.
func (r *Runner) OpenDeeplink(ctx context.Context, platform models.Platform, link, packageID string) error {
	return r.Run(ctx, platform, models.ActionDeeplink, map[string]string{
		"link":      link,
		"packageId": packageID,
	})
}

// LaunchApp starts an app, at a specific activity when one is given.
func (r *Runner) LaunchApp(ctx context.Context, platform models.Platform, packageID, activity string) error {
	if activity == "" {
		return r.Run(ctx, platform, models.ActionLaunchAppDefault, map[string]string{"packageId": packageID})
	}
	return r.Run(ctx, platform, models.ActionLaunchApp, map[string]string{
		"packageId": packageID,
		"activity":  activity,
	})
}

// ScreenshotFileName appends the png extension unless already present.
func ScreenshotFileName(name string) string {
	if strings.HasSuffix(strings.ToLower(name), ".png") {
		return name
	}
	return name + ".png"
}

func quote(s string) string {
	if s == "" {
		return ""
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
