// Package v1 contains the shared API types for the VectorMesh control plane.
package v1

import (
	"encoding/json"
	"time"
)

// WorkflowStatus is the publication state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowStatusDraft    WorkflowStatus = "DRAFT"
	WorkflowStatusActive   WorkflowStatus = "ACTIVE"
	WorkflowStatusInactive WorkflowStatus = "INACTIVE"
)

// ActivityType identifies an activity kind. The set is closed: the dispatcher
// branches on it and every kind carries its own typed config record.
type ActivityType string

const (
	ActivityTypeExtract              ActivityType = "extract"
	ActivityTypeTransform            ActivityType = "transform"
	ActivityTypeLoad                 ActivityType = "load"
	ActivityTypeFilter               ActivityType = "filter"
	ActivityTypeJoin                 ActivityType = "join"
	ActivityTypeMiniConnectorSource  ActivityType = "mini-connector-source"
	ActivityTypeCloudConnectorSource ActivityType = "cloud-connector-source"
	ActivityTypeCloudConnectorSink   ActivityType = "cloud-connector-sink"
)

// ValidActivityType reports whether t is one of the known activity kinds.
func ValidActivityType(t ActivityType) bool {
	switch t {
	case ActivityTypeExtract, ActivityTypeTransform, ActivityTypeLoad,
		ActivityTypeFilter, ActivityTypeJoin, ActivityTypeMiniConnectorSource,
		ActivityTypeCloudConnectorSource, ActivityTypeCloudConnectorSink:
		return true
	}
	return false
}

// Activity is a unit of work inside a workflow definition. Config is the
// kind-specific record, persisted as a discriminated JSON document and decoded
// by the dispatcher based on Type.
type Activity struct {
	ID         string          `json:"id"`
	Type       ActivityType    `json:"type"`
	Name       string          `json:"name,omitempty"`
	Config     json.RawMessage `json:"config"`
	MaxRetries int             `json:"maxRetries,omitempty"`
}

// Step binds an activity to a position in the execution DAG.
type Step struct {
	ID         string   `json:"id"`
	ActivityID string   `json:"activityId"`
	DependsOn  []string `json:"dependsOn,omitempty"`
}

// Definition is the executable body of a workflow: a set of activities plus
// the step DAG over them. Multiple steps may reference the same activity.
type Definition struct {
	Activities []Activity `json:"activities"`
	Steps      []Step     `json:"steps"`
	Schedule   string     `json:"schedule,omitempty"` // optional cron expression
}

// Workflow is one immutable version of a tenant workflow. Metadata (name,
// description, status) may change in place; the definition never does — a new
// definition produces a new row with version+1 and a new content hash.
type Workflow struct {
	ID          string         `json:"id"`
	TenantID    string         `json:"tenant_id"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Status      WorkflowStatus `json:"status"`
	Version     int            `json:"version"`
	Hash        string         `json:"hash"`
	Definition  Definition     `json:"definition"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// ExtractConfig is the config record for extract activities.
type ExtractConfig struct {
	AggregatorInstanceID string   `json:"aggregatorInstanceId"`
	Table                string   `json:"table"`
	Columns              []string `json:"columns"`
	Where                string   `json:"where,omitempty"`
	Limit                int      `json:"limit,omitempty"`
	OrderBy              string   `json:"orderBy,omitempty"`
}

// TransformConfig is the config record for transform activities. Code is
// evaluated in the expression sandbox with the upstream rows bound as "data".
type TransformConfig struct {
	Code        string          `json:"code"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// LoadMode selects how rows are written to the destination table.
type LoadMode string

const (
	LoadModeInsert LoadMode = "insert"
	LoadModeUpsert LoadMode = "upsert"
	LoadModeCreate LoadMode = "create"
)

// ConflictResolution selects upsert behaviour on key conflicts.
type ConflictResolution string

const (
	ConflictReplace ConflictResolution = "replace"
	ConflictMerge   ConflictResolution = "merge"
	ConflictSkip    ConflictResolution = "skip"
)

// LoadConfig is the config record for load activities.
type LoadConfig struct {
	AggregatorInstanceID string             `json:"aggregatorInstanceId,omitempty"`
	SDKID                string             `json:"sdkId,omitempty"`
	Table                string             `json:"table,omitempty"`
	Mode                 LoadMode           `json:"mode"`
	ConflictKey          string             `json:"conflictKey,omitempty"`
	ConflictResolution   ConflictResolution `json:"conflictResolution,omitempty"`
	ColumnMappings       map[string]string  `json:"columnMappings,omitempty"`
	MappingID            string             `json:"mappingId,omitempty"`
	BatchSize            int                `json:"batchSize,omitempty"`
	SourceMetadata       *SourceMetadata    `json:"sourceMetadata,omitempty"`
}

// FilterConfig is the config record for filter activities.
type FilterConfig struct {
	InputActivityID string `json:"inputActivityId,omitempty"`
	Condition       string `json:"condition"`
}

// JoinType selects join semantics.
type JoinType string

const (
	JoinInner JoinType = "inner"
	JoinLeft  JoinType = "left"
	JoinRight JoinType = "right"
	JoinFull  JoinType = "full"
)

// JoinConfig is the config record for join activities. RightKey defaults to
// JoinKey when empty. Multi-column keys are comma separated.
type JoinConfig struct {
	LeftActivityID  string   `json:"leftActivityId"`
	RightActivityID string   `json:"rightActivityId"`
	Type            JoinType `json:"type"`
	JoinKey         string   `json:"joinKey"`
	RightKey        string   `json:"rightKey,omitempty"`
}

// MiniConnectorSourceConfig is the config record for mini-connector-source
// activities, dispatched to a remote agent through the gateway.
type MiniConnectorSourceConfig struct {
	ConnectorID string   `json:"connectorId"`
	Database    string   `json:"database,omitempty"`
	Table       string   `json:"table"`
	Columns     []string `json:"columns,omitempty"`
	Where       string   `json:"where,omitempty"`
	Limit       int      `json:"limit,omitempty"`
}

// SourceMetadata is propagated from source activities to downstream loads so
// the load can target the right destination without explicit configuration.
type SourceMetadata struct {
	TableName string   `json:"tableName"`
	Columns   []string `json:"columns,omitempty"`
}
