package resilience

import (
	"time"

	"github.com/mockingb1rdblue/bifrost-bridge/internal/models"
)

const (
	// ProbeWindow is how long after a trip callers see the circuit as open.
	// Past it, IsCircuitOpen lets requests through to probe the dependency.
	ProbeWindow = 60 * time.Second

	// RecoveryWindow is how long after a trip maintenance force-closes it.
	RecoveryWindow = 5 * time.Minute
)

// Circuit names used across the service.
const (
	CircuitLinear = "linear"
	CircuitGitHub = "github"
	CircuitLLM    = "llm"
	CircuitRunner = "runner"
)

// CircuitThresholds are the failure counts that trip each circuit.
type CircuitThresholds struct {
	Ingestion int `yaml:"ingestion" toml:"ingestion"`
	Sync      int `yaml:"sync" toml:"sync"`
	GitHub    int `yaml:"github" toml:"github"`
	LLM       int `yaml:"llm" toml:"llm"`
	Runner    int `yaml:"runner" toml:"runner"`
}

// DefaultCircuitThresholds returns the service defaults.
func DefaultCircuitThresholds() CircuitThresholds {
	return CircuitThresholds{
		Ingestion: 2,
		Sync:      3,
		GitHub:    3,
		LLM:       5,
		Runner:    3,
	}
}

func circuit(circuits map[string]*models.CircuitBreakerState, name string) *models.CircuitBreakerState {
	cb, ok := circuits[name]
	if !ok {
		cb = &models.CircuitBreakerState{State: models.CircuitClosed}
		circuits[name] = cb
	}
	return cb
}

// RecordCircuitFailure counts a failure against name and opens the circuit
// once the count reaches threshold. It reports whether the circuit is open.
func RecordCircuitFailure(circuits map[string]*models.CircuitBreakerState, name string, threshold int, reason string, now time.Time) bool {
	cb := circuit(circuits, name)
	cb.FailureCount++
	cb.Reason = reason
	if cb.FailureCount >= threshold {
		t := now
		cb.State = models.CircuitOpen
		cb.TrippedAt = &t
	}
	return cb.State == models.CircuitOpen
}

// RecordCircuitSuccess closes the circuit and clears its failure count.
func RecordCircuitSuccess(circuits map[string]*models.CircuitBreakerState, name string) {
	cb := circuit(circuits, name)
	cb.State = models.CircuitClosed
	cb.FailureCount = 0
	cb.TrippedAt = nil
	cb.Reason = ""
}

// IsCircuitOpen is the inline gate consulted before a risky call.
func IsCircuitOpen(circuits map[string]*models.CircuitBreakerState, name string, now time.Time) bool {
	cb, ok := circuits[name]
	if !ok || cb.State != models.CircuitOpen {
		return false
	}
	if cb.TrippedAt == nil {
		return true
	}
	return now.Sub(*cb.TrippedAt) <= ProbeWindow
}

// AttemptCircuitRecovery force-closes an open circuit tripped more than
// RecoveryWindow ago. Run from maintenance only. It reports whether it reset.
func AttemptCircuitRecovery(circuits map[string]*models.CircuitBreakerState, name string, now time.Time) bool {
	cb, ok := circuits[name]
	if !ok || cb.State != models.CircuitOpen || cb.TrippedAt == nil {
		return false
	}
	if now.Sub(*cb.TrippedAt) <= RecoveryWindow {
		return false
	}
	RecordCircuitSuccess(circuits, name)
	return true
}
