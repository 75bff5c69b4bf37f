package ipc

import (
	"stagehand/internal/daemon"
	"stagehand/internal/recovery"
	"stagehand/internal/spawnpool"
)

// StatusRequest fetches daemon status.
type StatusRequest struct{}

// StatusResponse is the daemon status snapshot.
type StatusResponse struct {
	daemon.Status
}

// StopRequest asks the daemon to shut down.
type StopRequest struct{}

// StopResponse acknowledges the request. Shutdown completes after the reply;
// callers watch for the socket to disappear.
type StopResponse struct {
	Stopping bool `json:"stopping"`
}

// PoolStatusRequest fetches the spawn pool snapshot.
type PoolStatusRequest struct{}

// PoolStatusResponse carries the spawn pool snapshot.
type PoolStatusResponse struct {
	Pool spawnpool.PoolStatus `json:"pool"`
}

// RecoverRequest runs time-based recovery. Zero uses the configured stale threshold.
type RecoverRequest struct {
	ThresholdSeconds int `json:"threshold_seconds"`
}

// RecoverResponse reports what recovery changed.
type RecoverResponse struct {
	Result recovery.Result `json:"result"`
}

// RunMaintenanceRequest runs one maintenance job now.
type RunMaintenanceRequest struct {
	Job string `json:"job"`
}

// RunMaintenanceResponse confirms the job ran.
type RunMaintenanceResponse struct {
	Job string `json:"job"`
	Ran bool   `json:"ran"`
}
