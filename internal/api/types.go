package api

import "fedstate/internal/federation"

// Request and response bodies of the HTTP API. Records travel as their
// federation types.

type HeartbeatRequest struct {
	State      federation.SubClusterState `json:"state"`
	Capability string                     `json:"capability"`
}

type DeregisterRequest struct {
	State federation.SubClusterState `json:"state"`
}

type JoinRequest struct {
	NodeID string `json:"nodeId"`
	Addr   string `json:"addr"`
}

type HealthResponse struct {
	Status string `json:"status"`
	Leader *bool  `json:"leader,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorResponse is the body of every non-2xx response. Kind is one of
// not_found, already_exists or failure.
type ErrorResponse struct {
	Error string `json:"error"`
	Kind  string `json:"kind"`
}
