package v1

import "time"

// Tier is a tenant service tier governing admission limits.
type Tier string

const (
	TierFree       Tier = "FREE"
	TierStandard   Tier = "STANDARD"
	TierEnterprise Tier = "ENTERPRISE"
)

// TierLimits are the admission limits attached to a tier. Per-tenant
// overrides may raise or lower the numeric fields.
type TierLimits struct {
	MaxConcurrentJobs int    `json:"max_concurrent_jobs"`
	MaxJobsPerHour    int    `json:"max_jobs_per_hour"`
	Queue             string `json:"queue"`
	WorkerConcurrency int    `json:"worker_concurrency"`
}

// DefaultTierLimits returns the built-in limits for a tier. Unknown tiers
// fall back to FREE.
func DefaultTierLimits(t Tier) TierLimits {
	switch t {
	case TierStandard:
		return TierLimits{MaxConcurrentJobs: 20, MaxJobsPerHour: 1000, Queue: "workflow-exec-standard", WorkerConcurrency: 20}
	case TierEnterprise:
		return TierLimits{MaxConcurrentJobs: 100, MaxJobsPerHour: 10000, Queue: "workflow-exec-enterprise", WorkerConcurrency: 100}
	default:
		return TierLimits{MaxConcurrentJobs: 5, MaxJobsPerHour: 100, Queue: "workflow-exec-free", WorkerConcurrency: 5}
	}
}

// ConnectorType distinguishes remote mini connectors from cloud connectors.
type ConnectorType string

const (
	ConnectorTypeMini  ConnectorType = "MINI"
	ConnectorTypeCloud ConnectorType = "CLOUD"
)

// Connector is a tenant-owned handle to a data-plane agent. APIKeyHash is the
// bcrypt hash the gateway verifies presented keys against.
type Connector struct {
	ID         string        `json:"id"`
	TenantID   string        `json:"tenant_id"`
	Name       string        `json:"name"`
	Type       ConnectorType `json:"type"`
	APIKeyHash string        `json:"-"`
	CreatedAt  time.Time     `json:"created_at"`
}

// AggregatorInstance is a tenant-owned, credentialed handle to an external
// data system. The credential itself lives in the secret store; only the
// reference travels through the engine.
type AggregatorInstance struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Name          string    `json:"name"`
	Capabilities  []string  `json:"capabilities"`
	CredentialRef string    `json:"credential_ref,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// HasCapability reports whether the instance declares the given capability.
func (a *AggregatorInstance) HasCapability(c string) bool {
	for _, cap := range a.Capabilities {
		if cap == c {
			return true
		}
	}
	return false
}

// FieldMappingTransform names a value transform applied by a field mapping rule.
type FieldMappingTransform string

const (
	TransformUppercase      FieldMappingTransform = "uppercase"
	TransformLowercase      FieldMappingTransform = "lowercase"
	TransformStringToNumber FieldMappingTransform = "string-to-number"
	TransformNumberToString FieldMappingTransform = "number-to-string"
	TransformBoolToString   FieldMappingTransform = "boolean-to-string"
	TransformJSONStringify  FieldMappingTransform = "json-stringify"
	TransformJSONParse      FieldMappingTransform = "json-parse"
	TransformDateFormat     FieldMappingTransform = "date-format"
	TransformNumberFormat   FieldMappingTransform = "number-format"
	TransformDirect         FieldMappingTransform = "direct"
)

// FieldMappingRule maps one source field to a target field with an optional
// value transform.
type FieldMappingRule struct {
	SourceField string                `json:"source_field"`
	TargetField string                `json:"target_field"`
	Transform   FieldMappingTransform `json:"transform,omitempty"`
	Format      string                `json:"format,omitempty"`
}

// FieldMapping is a named, tenant-owned set of mapping rules referenced by
// load activities via mappingId.
type FieldMapping struct {
	ID       string             `json:"id"`
	TenantID string             `json:"tenant_id"`
	Name     string             `json:"name"`
	Rules    []FieldMappingRule `json:"rules"`
}
