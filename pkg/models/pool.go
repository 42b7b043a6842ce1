package models

import "time"

// InstanceState is the observed lifecycle state of a pool instance
type InstanceState string

const (
	InstanceRunning InstanceState = "running"
	InstanceStopped InstanceState = "stopped"
)

// ScaleAction is what one control cycle decided to do
type ScaleAction string

const (
	ScaleNone ScaleAction = "none"
	ScaleUp   ScaleAction = "start"
	ScaleDown ScaleAction = "stop"
)

// PoolState is one control cycle's observation of the fleet and backlog.
// It is rebuilt every cycle and never cached across cycles.
type PoolState struct {
	Running    []string  `json:"running"`
	Stopped    []string  `json:"stopped"`
	QueueDepth int       `json:"queue_depth"`
	InFlight   int       `json:"in_flight"`
	ObservedAt time.Time `json:"observed_at"`
}

// PoolSnapshot is the pool view served to operators
type PoolSnapshot struct {
	PoolState
	MaxInstances int         `json:"max_instances"`
	LastAction   ScaleAction `json:"last_action,omitempty"`
	LastCycle    time.Time   `json:"last_cycle,omitempty"`
}
