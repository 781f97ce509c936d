package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/reflyai/triggerplane/control_plane/sandbox"
	"github.com/reflyai/triggerplane/control_plane/store"
	"github.com/reflyai/triggerplane/control_plane/variables"
	"github.com/reflyai/triggerplane/control_plane/workflow"
)

// doJSON posts payload to urlStr and decodes the response into out.
// Timeouts come from ctx; the caller owns the budget.
func doJSON(ctx context.Context, client *http.Client, method, urlStr string, headers map[string]string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewBuffer(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("%s %s returned status %d: %s", method, urlStr, resp.StatusCode, string(msg))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// -- Workflow engine client --

// EngineClient calls the external workflow engine over HTTP. The engine
// clones the canvas and evaluates the node graph; the control plane only
// hands the inputs across.
type EngineClient struct {
	baseURL string
	client  *http.Client
}

func NewEngineClient(baseURL string) *EngineClient {
	return &EngineClient{
		baseURL: baseURL,
		client:  &http.Client{},
	}
}

func (c *EngineClient) ExecuteFromCanvasData(ctx context.Context, uid string, canvas *store.Canvas, vars []variables.WorkflowVariable, opts workflow.ExecuteOptions) (*workflow.Execution, error) {
	payload := map[string]any{
		"uid":       uid,
		"canvas":    canvas,
		"variables": vars,
		"options":   opts,
	}
	var exec workflow.Execution
	if err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/v1/executions", nil, payload, &exec); err != nil {
		return nil, fmt.Errorf("workflow engine: %w", err)
	}
	return &exec, nil
}

// -- Drive client --

// DriveClient registers sandbox output files with the drive service.
type DriveClient struct {
	baseURL string
	client  *http.Client
}

func NewDriveClient(baseURL string) *DriveClient {
	return &DriveClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *DriveClient) BatchCreate(ctx context.Context, ectx sandbox.ExecuteContext, added []string) ([]sandbox.DriveFile, error) {
	payload := map[string]any{
		"uid":         ectx.UID,
		"canvasId":    ectx.CanvasID,
		"s3DrivePath": ectx.S3DrivePath,
		"paths":       added,
	}
	var out struct {
		Files []sandbox.DriveFile `json:"files"`
	}
	if err := doJSON(ctx, c.client, http.MethodPost, c.baseURL+"/v1/drive/files/batch", nil, payload, &out); err != nil {
		return nil, fmt.Errorf("drive service: %w", err)
	}
	return out.Files, nil
}

// -- Sandbox provider client --

// ProviderClient is the HTTP SDK for the external sandbox service.
type ProviderClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewProviderClient(baseURL, apiKey string) *ProviderClient {
	return &ProviderClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{},
	}
}

func (p *ProviderClient) headers() map[string]string {
	return map[string]string{"X-API-Key": p.apiKey}
}

func (p *ProviderClient) Create(ctx context.Context, template string, opts sandbox.CreateOptions) (sandbox.Instance, error) {
	payload := map[string]any{
		"template":  template,
		"timeoutMs": opts.Timeout.Milliseconds(),
	}
	headers := p.headers()
	if opts.APIKey != "" {
		headers = map[string]string{"X-API-Key": opts.APIKey}
	}
	var out struct {
		SandboxID string `json:"sandboxId"`
	}
	if err := doJSON(ctx, p.client, http.MethodPost, p.baseURL+"/v1/sandboxes", headers, payload, &out); err != nil {
		return nil, &sandbox.CreationError{Reason: err.Error(), Err: err}
	}
	return &providerInstance{provider: p, id: out.SandboxID}, nil
}

func (p *ProviderClient) Connect(ctx context.Context, sandboxID string) (sandbox.Instance, error) {
	err := doJSON(ctx, p.client, http.MethodPost, p.instanceURL(sandboxID, "/connect"), p.headers(), nil, nil)
	if err != nil {
		return nil, &sandbox.ConnectionError{SandboxID: sandboxID, Err: err}
	}
	return &providerInstance{provider: p, id: sandboxID}, nil
}

func (p *ProviderClient) instanceURL(sandboxID, suffix string) string {
	return p.baseURL + "/v1/sandboxes/" + url.PathEscape(sandboxID) + suffix
}

// providerInstance is a live remote sandbox handle.
type providerInstance struct {
	provider *ProviderClient
	id       string
}

func (i *providerInstance) ID() string { return i.id }

func (i *providerInstance) RunCommand(ctx context.Context, cmd string, opts sandbox.CommandOptions) (*sandbox.CommandResult, error) {
	payload := map[string]any{
		"cmd":       cmd,
		"stdin":     opts.Stdin,
		"cwd":       opts.Cwd,
		"timeoutMs": opts.Timeout.Milliseconds(),
	}
	var result sandbox.CommandResult
	err := doJSON(ctx, i.provider.client, http.MethodPost, i.provider.instanceURL(i.id, "/command"), i.provider.headers(), payload, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (i *providerInstance) RunCode(ctx context.Context, code string, opts sandbox.RunCodeOptions) (*sandbox.CommandResult, error) {
	payload := map[string]any{
		"code":      code,
		"language":  opts.Language,
		"cwd":       opts.Cwd,
		"timeoutMs": opts.Timeout.Milliseconds(),
	}
	var result sandbox.CommandResult
	err := doJSON(ctx, i.provider.client, http.MethodPost, i.provider.instanceURL(i.id, "/code"), i.provider.headers(), payload, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (i *providerInstance) WriteFile(ctx context.Context, path string, data []byte) error {
	payload := map[string]any{
		"path":    path,
		"content": base64.StdEncoding.EncodeToString(data),
	}
	return doJSON(ctx, i.provider.client, http.MethodPut, i.provider.instanceURL(i.id, "/files"), i.provider.headers(), payload, nil)
}

func (i *providerInstance) ListDir(ctx context.Context, path string) ([]string, error) {
	var out struct {
		Entries []string `json:"entries"`
	}
	u := i.provider.instanceURL(i.id, "/files") + "?path=" + url.QueryEscape(path)
	if err := doJSON(ctx, i.provider.client, http.MethodGet, u, i.provider.headers(), nil, &out); err != nil {
		return nil, err
	}
	return out.Entries, nil
}

func (i *providerInstance) Pause(ctx context.Context) error {
	return doJSON(ctx, i.provider.client, http.MethodPost, i.provider.instanceURL(i.id, "/pause"), i.provider.headers(), nil, nil)
}

func (i *providerInstance) Kill(ctx context.Context) error {
	return doJSON(ctx, i.provider.client, http.MethodDelete, i.provider.instanceURL(i.id, ""), i.provider.headers(), nil, nil)
}
