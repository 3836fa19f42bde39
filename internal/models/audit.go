// Package models provides data model definitions for the dukapos sync core.
package models

// MismatchKind classifies a divergence found by the reconciliation audit.
type MismatchKind string

const (
	MismatchValueDrift     MismatchKind = "value_drift"
	MismatchMissingLocally MismatchKind = "missing_locally"
	MismatchMissingRemote  MismatchKind = "missing_remotely"
)

// AuditAggregate is one locally-trusted aggregate value submitted for
// server-side recomputation: current stock for a product, total for a sale,
// quantity change for a stock movement, amount for an expense.
type AuditAggregate struct {
	EntityID string  `json:"entity_id"`
	Value    float64 `json:"value"`
}

// AuditMismatch is one diverging entity reported by the audit endpoint.
type AuditMismatch struct {
	EntityID string       `json:"entity_id"`
	Kind     MismatchKind `json:"kind"`
}

// AuditTypeResult holds the audit outcome for a single entity type.
type AuditTypeResult struct {
	Matched    int             `json:"matched"`
	Mismatches []AuditMismatch `json:"mismatches"`
}

// AuditStatusHealthy is the overall status when no mismatch was found.
const AuditStatusHealthy = "healthy"

// AuditReport is the transient result of one reconciliation audit run.
// It is produced on demand and never persisted.
type AuditReport struct {
	Status          string                         `json:"status"`
	TotalMismatches int                            `json:"total_mismatches"`
	Results         map[EntityType]AuditTypeResult `json:"results"`
}

// Healthy reports whether the audit found the two stores in agreement.
func (r *AuditReport) Healthy() bool {
	return r.TotalMismatches == 0
}
