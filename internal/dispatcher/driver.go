package dispatcher

import (
	"context"

	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// QueryRequest describes a read against an aggregator instance.
type QueryRequest struct {
	Table   string
	Columns []string
	Where   string
	Limit   int
	OrderBy string
}

// LoadRequest describes a batched write against an aggregator instance.
type LoadRequest struct {
	Table              string
	Mode               v1.LoadMode
	ConflictKey        string
	ConflictResolution v1.ConflictResolution
	BatchSize          int
	Rows               []map[string]any
}

// LoadResult is the outcome of a load. Partial failures carry per-batch
// warnings; the dispatcher decides whether they are fatal.
type LoadResult struct {
	RowsProcessed int
	RowsLoaded    int
	RowsFailed    int
	Warnings      []string
}

// ConnectorDriver is the external collaborator that talks to aggregator
// backends. Transient failures should be returned as *errors.HandlerError
// carrying a retryable class code (NETWORK_ERROR, TIMEOUT, CONNECTION_LOST,
// DEADLOCK) so the dispatcher can classify them.
type ConnectorDriver interface {
	Query(ctx context.Context, instance *v1.AggregatorInstance, req QueryRequest) ([]map[string]any, error)
	Load(ctx context.Context, instance *v1.AggregatorInstance, req LoadRequest) (*LoadResult, error)
}
