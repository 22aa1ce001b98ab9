package supervisor

import "errors"

// State is the supervisor's position in the startup state machine.
type State int

const (
	StateIdle State = iota
	StateSpawning
	StateAwaitingPort
	StateHealthChecking
	StateReady
	StateFailed
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateSpawning:
		return "Spawning"
	case StateAwaitingPort:
		return "AwaitingPort"
	case StateHealthChecking:
		return "HealthChecking"
	case StateReady:
		return "Ready"
	case StateFailed:
		return "Failed"
	case StateStopped:
		return "Stopped"
	default:
		return "Unknown"
	}
}

// Terminal reports whether a new start attempt may begin from s.
func (s State) Terminal() bool {
	return s == StateIdle || s == StateFailed || s == StateStopped
}

var (
	// ErrSpawnFailed means the backend process could not be started.
	ErrSpawnFailed = errors.New("backend spawn failed")
	// ErrPortTimeout means the backend never reported its port.
	ErrPortTimeout = errors.New("timed out waiting for backend to report port")
	// ErrHealthTimeout means the health endpoint never answered as ready.
	ErrHealthTimeout = errors.New("backend failed to respond to health check")
	// ErrAlreadyRunning is returned by Start while an attempt is live.
	ErrAlreadyRunning = errors.New("backend already running")
	// ErrStopped means Stop was called before startup finished.
	ErrStopped = errors.New("backend stopped during startup")
)
