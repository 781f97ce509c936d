package sandbox

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// executorBinary is the agent baked into the custom template.
const executorBinary = "refly-executor-slim"

// codeScriptPath is where oversized sources are staged inside the sandbox.
const codeScriptPath = "/tmp/code_script"

// s3CredentialsPath is where the wrapper drops storage credentials for
// the executor binary.
const s3CredentialsPath = "/tmp/.refly_s3_credentials"

// executorWrapper drives the custom-template executor binary: params go
// in as JSON on stdin, the result comes back as the last stdout line.
type executorWrapper struct {
	inst Instance
	cfg  Config
}

func newExecutorWrapper(inst Instance, cfg Config) *executorWrapper {
	return &executorWrapper{inst: inst, cfg: cfg}
}

func (w *executorWrapper) SandboxID() string { return w.inst.ID() }

// executorRequest is the stdin protocol of the executor binary.
type executorRequest struct {
	Code       string `json:"code,omitempty"`
	CodePath   string `json:"codePath,omitempty"`
	CodeMode   string `json:"codeMode"` // inline | path
	DeleteCode bool   `json:"deleteCode,omitempty"`
	Language   string `json:"language"`
	Stdin      string `json:"stdin,omitempty"`
	TimeoutSec int    `json:"timeoutSec"`
	Limits     Limits `json:"limits"`
	Context    struct {
		UID            string `json:"uid"`
		S3DrivePath    string `json:"s3DrivePath"`
		ParentResultID string `json:"parentResultId,omitempty"`
	} `json:"context"`
}

func (w *executorWrapper) ExecuteCode(ctx context.Context, params ExecuteParams, ectx ExecuteContext) (*ExecutionOutput, error) {
	if err := w.writeCredentials(ctx, ectx); err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "write credentials", Err: err}
	}

	req := executorRequest{
		Language:   params.Language,
		Stdin:      params.Stdin,
		TimeoutSec: int(w.cfg.RunCodeTimeout.Seconds()),
		Limits:     w.cfg.Limits,
	}
	req.Context.UID = ectx.UID
	req.Context.S3DrivePath = ectx.S3DrivePath
	req.Context.ParentResultID = ectx.ParentResultID

	// Large sources go through a staged file; small ones inline as base64
	// to survive shell quoting.
	if len(params.Code) > w.cfg.CodeSizeThreshold {
		if err := w.inst.WriteFile(ctx, codeScriptPath, []byte(params.Code)); err != nil {
			return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "stage code file", Err: err}
		}
		req.CodeMode = "path"
		req.CodePath = codeScriptPath
		req.DeleteCode = true
	} else {
		req.CodeMode = "inline"
		req.Code = base64.StdEncoding.EncodeToString([]byte(params.Code))
	}

	stdin, err := json.Marshal(req)
	if err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "encode request", Err: err}
	}

	// Executor gets a small buffer over the code timeout so it can report
	// the timeout itself instead of being killed mid-write.
	res, err := w.inst.RunCommand(ctx, executorBinary, CommandOptions{
		Stdin:   string(stdin),
		Timeout: w.cfg.RunCodeTimeout + 10*time.Second,
	})
	if err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "run executor", Err: err}
	}

	return w.parseOutput(res.Stdout)
}

// parseOutput decodes the last stdout line; everything before it is the
// executor's own logging.
func (w *executorWrapper) parseOutput(stdout string) (*ExecutionOutput, error) {
	lines := strings.Split(strings.TrimRight(stdout, "\n"), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	if last == "" {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: "empty executor output"}
	}
	var out ExecutionOutput
	if err := json.Unmarshal([]byte(last), &out); err != nil {
		return nil, &ExecutionFailedError{SandboxID: w.inst.ID(), Reason: fmt.Sprintf("parse executor output: %v", err), Err: err}
	}
	return &out, nil
}

func (w *executorWrapper) writeCredentials(ctx context.Context, ectx ExecuteContext) error {
	creds, err := json.Marshal(map[string]string{
		"apiKey":      ectx.APIKey,
		"s3DrivePath": ectx.S3DrivePath,
	})
	if err != nil {
		return err
	}
	return w.inst.WriteFile(ctx, s3CredentialsPath, creds)
}

// HealthCheck verifies the executor binary answers.
func (w *executorWrapper) HealthCheck(ctx context.Context) error {
	res, err := w.inst.RunCommand(ctx, executorBinary+" --version", CommandOptions{Timeout: 10 * time.Second})
	if err != nil {
		return &ConnectionError{SandboxID: w.inst.ID(), Err: err}
	}
	if res.ExitCode != 0 {
		return &ConnectionError{SandboxID: w.inst.ID(), Err: fmt.Errorf("health check exit %d: %s", res.ExitCode, res.Stderr)}
	}
	return nil
}

func (w *executorWrapper) Pause(ctx context.Context) error {
	if err := w.inst.Pause(ctx); err != nil {
		return &LifecycleError{SandboxID: w.inst.ID(), Operation: "pause", Err: err}
	}
	return nil
}

func (w *executorWrapper) Kill(ctx context.Context) error {
	if err := w.inst.Kill(ctx); err != nil {
		return &LifecycleError{SandboxID: w.inst.ID(), Operation: "kill", Err: err}
	}
	return nil
}
