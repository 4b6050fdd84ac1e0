package registryapi

import "meshctl/internal/core"

// registerRequest is the JSON body of POST /api/registry/register.
type registerRequest struct {
	ServiceName    string            `json:"serviceName"`
	Host           string            `json:"host"`
	Port           int               `json:"port"`
	Version        string            `json:"version"`
	Metadata       map[string]string `json:"metadata"`
	HealthCheckURL string            `json:"healthCheckUrl"`
	// Weight is a pointer so an explicit 0 (never select this instance)
	// can be told apart from an omitted field (default to 100).
	Weight *int `json:"weight"`
}

type registerResponse struct {
	Success    bool   `json:"success"`
	InstanceID string `json:"instanceId,omitempty"`
	Message    string `json:"message,omitempty"`
}

type simpleResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}

type heartbeatRequest struct {
	InstanceID  string `json:"instanceId"`
	ServiceName string `json:"serviceName"`
}

type heartbeatResponse struct {
	Success bool `json:"success"`
}

type discoverResponse struct {
	ServiceName string                  `json:"serviceName"`
	Instances   []*core.InstanceRecord `json:"instances"`
}

type changesResponse struct {
	Version        uint64                  `json:"version"`
	AddedOrUpdated []*core.InstanceRecord `json:"addedOrUpdated"`
	Removed        []string                `json:"removed"`
	FullReset      bool                    `json:"fullReset"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}
