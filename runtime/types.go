// Package runtime implements capsule validation, sandboxed Wasm execution,
// and signed execution receipts.
package runtime

import "time"

// Capsule is a compiled WebAssembly module submitted for execution.
type Capsule struct {
	Bytes []byte
}

// Capability gates access to one family of host functions.
type Capability string

// The five capability families a sandbox can grant.
const (
	CapHash   Capability = "hash"
	CapJSON   Capability = "json"
	CapBase64 Capability = "base64"
	CapTime   Capability = "time"
	CapRandom Capability = "random"
)

// AllCapabilities returns every known capability in a stable order.
func AllCapabilities() []Capability {
	return []Capability{CapHash, CapJSON, CapBase64, CapTime, CapRandom}
}

// ResourceLimits bounds what a sandboxed execution may consume and which
// host functions it may call.
type ResourceLimits struct {
	MemoryLimitMB    uint32
	ExecutionTimeMS  uint64
	FuelLimit        uint64
	Capabilities     []Capability
}

// DefaultLimits mirrors the conservative default profile: modest memory and
// fuel, only Hash and Json granted.
func DefaultLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimitMB:   32,
		ExecutionTimeMS: 1000,
		FuelLimit:       1_000_000,
		Capabilities:    []Capability{CapHash, CapJSON},
	}
}

// DevelopmentLimits grants every capability with generous resource ceilings,
// for local iteration only.
func DevelopmentLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimitMB:   64,
		ExecutionTimeMS: 5000,
		FuelLimit:       10_000_000,
		Capabilities:    AllCapabilities(),
	}
}

// ProductionLimits is the tightest profile: small memory, short deadline,
// and only the Hash capability (no wall-clock access, since wall-clock
// reads from within a capsule make execution outcomes non-deterministic
// across replicas).
func ProductionLimits() ResourceLimits {
	return ResourceLimits{
		MemoryLimitMB:   16,
		ExecutionTimeMS: 500,
		FuelLimit:       500_000,
		Capabilities:    []Capability{CapHash},
	}
}

// HasCapability reports whether cap is granted by these limits.
func (r ResourceLimits) HasCapability(cap Capability) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// AddCapability returns a copy of r with cap granted.
func (r ResourceLimits) AddCapability(cap Capability) ResourceLimits {
	if r.HasCapability(cap) {
		return r
	}
	r.Capabilities = append(append([]Capability{}, r.Capabilities...), cap)
	return r
}

// RemoveCapability returns a copy of r with cap revoked.
func (r ResourceLimits) RemoveCapability(cap Capability) ResourceLimits {
	out := make([]Capability, 0, len(r.Capabilities))
	for _, c := range r.Capabilities {
		if c != cap {
			out = append(out, c)
		}
	}
	r.Capabilities = out
	return r
}

// ExecMetrics records the resource consumption of one execution.
type ExecMetrics struct {
	FuelUsed         uint64  `json:"fuel_used"`
	MemoryMB         float64 `json:"memory_mb"`
	DurationMS       uint64  `json:"duration_ms"`
	HostFunctionCalls uint32 `json:"host_function_calls"`
}

// AggregateMetrics tracks accumulated statistics across every execution a
// single runtime instance has performed.
type AggregateMetrics struct {
	TotalExecutions    uint64
	AvgExecutionTimeMS float64
	PeakMemoryMB       float64
	TotalFuelUsed      uint64
}

// Observe folds one execution's metrics into the running aggregate.
func (a *AggregateMetrics) Observe(m ExecMetrics) {
	n := a.TotalExecutions
	a.AvgExecutionTimeMS = (a.AvgExecutionTimeMS*float64(n) + float64(m.DurationMS)) / float64(n+1)
	a.TotalExecutions = n + 1
	a.TotalFuelUsed += m.FuelUsed
	if m.MemoryMB > a.PeakMemoryMB {
		a.PeakMemoryMB = m.MemoryMB
	}
}

// now is overridden in tests; production code always uses time.Now.
var now = time.Now
