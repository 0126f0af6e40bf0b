package server

import (
	"github.com/ChuLiYu/proctor-guard/internal/aggregator"
	"github.com/ChuLiYu/proctor-guard/internal/supervisor"
	"github.com/ChuLiYu/proctor-guard/pkg/types"
)

// Request and response messages of proctor.v1.Control.

type StatusRequest struct{}

type StatusResponse struct {
	Workers          map[string]types.WorkerStatus `json:"workers"`
	Permissions      types.PermissionSnapshot      `json:"permissions"`
	ActiveViolations []types.Violation             `json:"active_violations"`
	Counts           aggregator.SeverityCounts     `json:"counts"`
}

type StartAllRequest struct{}

type StartAllResponse struct {
	Result supervisor.StartResult `json:"result"`
}

type StartWorkerRequest struct {
	Worker string `json:"worker"`
}

type StopWorkerRequest struct {
	Worker string `json:"worker"`
}

type SendCommandRequest struct {
	Worker  string         `json:"worker"`
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

type BroadcastRequest struct {
	Command string         `json:"command"`
	Args    map[string]any `json:"args,omitempty"`
}

type BroadcastResponse struct {
	Delivered []string `json:"delivered"`
}

type ExportRequest struct{}

type ExportResponse struct {
	Document aggregator.ExportDocument `json:"document"`
}

type PermissionsRequest struct {
	// Recheck probes every permission again before answering.
	Recheck bool `json:"recheck,omitempty"`
}

type PermissionsResponse struct {
	Snapshot types.PermissionSnapshot `json:"snapshot"`
	Missing  []string                 `json:"missing"`
}

type RequestPermissionRequest struct {
	Key string `json:"key"`
}

type RequestPermissionResponse struct {
	Granted  bool                     `json:"granted"`
	Snapshot types.PermissionSnapshot `json:"snapshot"`
}

// Ack is the empty response of fire-and-forget calls.
type Ack struct{}
