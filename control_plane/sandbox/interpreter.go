package sandbox

import (
	"context"
	"fmt"
	"log"
	"path"
	"time"
)

// interpreterLanguages are the runtimes the hosted template ships.
var interpreterLanguages = map[string]bool{
	"python":     true,
	"javascript": true,
	"typescript": true,
	"bash":       true,
}

// driveMountPoint is where the user's drive appears inside the sandbox.
const driveMountPoint = "/home/user/drive"

// interpreterWrapper is the hosted-template fallback: it mounts the
// user's drive via s3fs, runs code through the provider's interpreter
// and derives the file diff by snapshotting the cwd listing.
type interpreterWrapper struct {
	inst Instance
	cfg  Config
}

func newInterpreterWrapper(inst Instance, cfg Config) *interpreterWrapper {
	return &interpreterWrapper{inst: inst, cfg: cfg}
}

func (w *interpreterWrapper) SandboxID() string { return w.inst.ID() }

func (w *interpreterWrapper) ExecuteCode(ctx context.Context, params ExecuteParams, ectx ExecuteContext) (*ExecutionOutput, error) {
	if !interpreterLanguages[params.Language] {
		return nil, &LanguageNotSupportedError{Language: params.Language}
	}

	if err := w.mount(ctx, ectx); err != nil {
		return nil, err
	}
	defer w.unmount(ctx)

	before, err := w.inst.ListDir(ctx, driveMountPoint)
	if err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "snapshot cwd", Err: err}
	}

	res, err := w.inst.RunCode(ctx, params.Code, RunCodeOptions{
		Language: params.Language,
		Cwd:      driveMountPoint,
		Timeout:  w.cfg.RunCodeTimeout,
	})
	if err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "run code", Err: err}
	}

	after, err := w.inst.ListDir(ctx, driveMountPoint)
	if err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "diff cwd", Err: err}
	}

	out := &ExecutionOutput{
		ExitCode: res.ExitCode,
		Stdout:   res.Stdout,
		Stderr:   res.Stderr,
		Diff:     FileDiff{Added: diffListings(before, after)},
	}
	if res.ExitCode != 0 {
		out.Error = res.Stderr
	}
	return out, nil
}

// mount attaches the user's drive prefix with s3fs.
func (w *interpreterWrapper) mount(ctx context.Context, ectx ExecuteContext) error {
	cmd := fmt.Sprintf("mkdir -p %s && s3fs %s %s -o passwd_file=%s",
		driveMountPoint, ectx.S3DrivePath, driveMountPoint, s3CredentialsPath)
	res, err := w.inst.RunCommand(ctx, cmd, CommandOptions{Timeout: 30 * time.Second})
	if err != nil {
		return &MountError{SandboxID: w.inst.ID(), Err: err}
	}
	if res.ExitCode != 0 {
		return &MountError{SandboxID: w.inst.ID(), Err: fmt.Errorf("s3fs exit %d: %s", res.ExitCode, res.Stderr)}
	}
	return nil
}

// unmount is lazy and forced so a wedged fuse connection cannot leak the
// mount into the next run.
func (w *interpreterWrapper) unmount(ctx context.Context) {
	cmd := fmt.Sprintf("fusermount -u -z %s", driveMountPoint)
	if _, err := w.inst.RunCommand(ctx, cmd, CommandOptions{Timeout: 10 * time.Second}); err != nil {
		log.Printf("sandbox %s: unmount: %v", w.inst.ID(), err)
	}
}

// diffListings returns entries present after but not before, as paths
// under the mount point.
func diffListings(before, after []string) []string {
	seen := make(map[string]bool, len(before))
	for _, name := range before {
		seen[name] = true
	}
	var added []string
	for _, name := range after {
		if !seen[name] {
			added = append(added, path.Join(driveMountPoint, name))
		}
	}
	return added
}

// HealthCheck runs a trivial command through the interpreter.
func (w *interpreterWrapper) HealthCheck(ctx context.Context) error {
	res, err := w.inst.RunCommand(ctx, "true", CommandOptions{Timeout: 10 * time.Second})
	if err != nil {
		return &ConnectionError{SandboxID: w.inst.ID(), Err: err}
	}
	if res.ExitCode != 0 {
		return &ConnectionError{SandboxID: w.inst.ID(), Err: fmt.Errorf("health check exit %d", res.ExitCode)}
	}
	return nil
}

func (w *interpreterWrapper) Pause(ctx context.Context) error {
	if err := w.inst.Pause(ctx); err != nil {
		return &LifecycleError{SandboxID: w.inst.ID(), Operation: "pause", Err: err}
	}
	return nil
}

func (w *interpreterWrapper) Kill(ctx context.Context) error {
	if err := w.inst.Kill(ctx); err != nil {
		return &LifecycleError{SandboxID: w.inst.ID(), Operation: "kill", Err: err}
	}
	return nil
}
