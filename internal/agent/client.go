package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// ErrNotFound is returned by heartbeat when the registry no longer knows
// the instance id, so the caller re-registers instead of retrying the
// heartbeat.
var ErrNotFound = errors.New("agent: instance not found by registry")

// registryClient is the Agent's HTTP client to the Registry API: a plain
// *http.Client with a fixed default timeout, context-scoped per call.
type registryClient struct {
	baseURL string
	client  *http.Client
}

func newRegistryClient(baseURL string) *registryClient {
	return &registryClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

type registerRequest struct {
	ServiceName    string            `json:"serviceName"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Version        string            `json:"version,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	HealthCheckURL string            `json:"healthCheckUrl,omitempty"`
	Weight         int               `json:"weight,omitempty"`
}

type registerResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId"`
	Message    string `json:"message"`
}

type heartbeatRequest struct {
	InstanceID  string `json:"instanceId"`
	ServiceName string `json:"serviceName"`
}

func (c *registryClient) register(ctx context.Context, req registerRequest) (registerResponse, error) {
	var resp registerResponse
	err := c.doJSON(ctx, http.MethodPost, "/api/registry/register", req, &resp)
	if err == nil && !resp.Success {
		err = fmt.Errorf("registration rejected: %s", resp.Message)
	}
	return resp, err
}

func (c *registryClient) heartbeat(ctx context.Context, instanceID, serviceName string) error {
	var resp struct {
		Success bool `json:"success"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/registry/heartbeat", heartbeatRequest{
		InstanceID:  instanceID,
		ServiceName: serviceName,
	}, &resp); err != nil {
		return err
	}
	if !resp.Success {
		return fmt.Errorf("heartbeat rejected")
	}
	return nil
}

func (c *registryClient) deregister(ctx context.Context, instanceID string) error {
	return c.doJSON(ctx, http.MethodPost, "/api/registry/deregister/"+instanceID, nil, nil)
}

func (c *registryClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		io.Copy(io.Discard, resp.Body)
		return ErrNotFound
	}
	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("registry returned %d: %s", resp.StatusCode, string(data))
	}

	if out == nil {
		_, err := io.Copy(io.Discard, resp.Body)
		return err
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
