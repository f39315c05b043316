package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/vectormesh/vectormesh/internal/common/errors"
	"github.com/vectormesh/vectormesh/internal/common/logger"
	v1 "github.com/vectormesh/vectormesh/pkg/api/v1"
)

// PgxDriver talks to aggregator backends over postgres wire. An instance's
// CredentialRef is its DSN; pools are cached per instance and closed with the
// driver.
type PgxDriver struct {
	mu     sync.Mutex
	pools  map[string]*pgxpool.Pool
	group  singleflight.Group
	logger *logger.Logger
}

// NewPgxDriver creates the driver.
func NewPgxDriver(log *logger.Logger) *PgxDriver {
	return &PgxDriver{
		pools:  make(map[string]*pgxpool.Pool),
		logger: log.WithFields(zap.String("component", "pgx_driver")),
	}
}

// Close releases every cached pool.
func (d *PgxDriver) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	for key, pool := range d.pools {
		pool.Close()
		delete(d.pools, key)
	}
}

func (d *PgxDriver) pool(ctx context.Context, instance *v1.AggregatorInstance) (*pgxpool.Pool, error) {
	if instance.CredentialRef == "" {
		return nil, fmt.Errorf("aggregator instance %s has no credential reference", instance.ID)
	}

	d.mu.Lock()
	pool, ok := d.pools[instance.ID]
	d.mu.Unlock()
	if ok {
		return pool, nil
	}

	// Concurrent attempts for the same instance share one pool creation.
	v, err, _ := d.group.Do(instance.ID, func() (any, error) {
		created, err := pgxpool.New(ctx, instance.CredentialRef)
		if err != nil {
			return nil, classifyPgError(err)
		}
		d.mu.Lock()
		d.pools[instance.ID] = created
		d.mu.Unlock()
		return created, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*pgxpool.Pool), nil
}

// Query implements ConnectorDriver.
func (d *PgxDriver) Query(ctx context.Context, instance *v1.AggregatorInstance, req QueryRequest) ([]map[string]any, error) {
	pool, err := d.pool(ctx, instance)
	if err != nil {
		return nil, err
	}

	cols := "*"
	if len(req.Columns) > 0 {
		quoted := make([]string, len(req.Columns))
		for i, c := range req.Columns {
			quoted[i] = pgx.Identifier{c}.Sanitize()
		}
		cols = strings.Join(quoted, ", ")
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "SELECT %s FROM %s", cols, pgx.Identifier{req.Table}.Sanitize())
	if req.Where != "" {
		sb.WriteString(" WHERE " + req.Where)
	}
	if req.OrderBy != "" {
		sb.WriteString(" ORDER BY " + pgx.Identifier{req.OrderBy}.Sanitize())
	}
	if req.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", req.Limit)
	}

	rows, err := pool.Query(ctx, sb.String())
	if err != nil {
		return nil, classifyPgError(err)
	}
	defer rows.Close()

	fields := rows.FieldDescriptions()
	var out []map[string]any
	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, classifyPgError(err)
		}
		row := make(map[string]any, len(fields))
		for i, f := range fields {
			row[f.Name] = values[i]
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, classifyPgError(err)
	}
	return out, nil
}

// Load implements ConnectorDriver. Rows go out in batches; a failing batch
// counts its rows as failed and loading continues with the next batch.
func (d *PgxDriver) Load(ctx context.Context, instance *v1.AggregatorInstance, req LoadRequest) (*LoadResult, error) {
	pool, err := d.pool(ctx, instance)
	if err != nil {
		return nil, err
	}
	result := &LoadResult{}
	if len(req.Rows) == 0 {
		return result, nil
	}

	columns := columnSet(req.Rows)
	if req.Mode == v1.LoadModeCreate {
		if err := d.createTable(ctx, pool, req.Table, columns); err != nil {
			return nil, err
		}
	}

	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = defaultLoadBatchSize
	}

	for start := 0; start < len(req.Rows); start += batchSize {
		end := start + batchSize
		if end > len(req.Rows) {
			end = len(req.Rows)
		}
		batch := req.Rows[start:end]
		result.RowsProcessed += len(batch)

		if err := d.insertBatch(ctx, pool, req, columns, batch); err != nil {
			// Transient errors abort the load so the attempt can retry as a
			// whole; anything else is a partial failure.
			var he *apperrors.HandlerError
			if errors.As(err, &he) && he.Retryable {
				return nil, err
			}
			result.RowsFailed += len(batch)
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("batch %d-%d: %v", start, end, err))
			continue
		}
		result.RowsLoaded += len(batch)
	}
	return result, nil
}

func (d *PgxDriver) insertBatch(ctx context.Context, pool *pgxpool.Pool, req LoadRequest, columns []string, rows []map[string]any) error {
	quoted := make([]string, len(columns))
	for i, c := range columns {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ",
		pgx.Identifier{req.Table}.Sanitize(), strings.Join(quoted, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	for r, row := range rows {
		if r > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("(")
		for c, col := range columns {
			if c > 0 {
				sb.WriteString(", ")
			}
			fmt.Fprintf(&sb, "$%d", len(args)+1)
			args = append(args, row[col])
		}
		sb.WriteString(")")
	}

	if req.Mode == v1.LoadModeUpsert && req.ConflictKey != "" {
		key := pgx.Identifier{req.ConflictKey}.Sanitize()
		switch req.ConflictResolution {
		case v1.ConflictSkip:
			fmt.Fprintf(&sb, " ON CONFLICT (%s) DO NOTHING", key)
		default: // replace and merge both overwrite the conflicting columns
			sets := make([]string, 0, len(columns))
			for _, c := range columns {
				if c == req.ConflictKey {
					continue
				}
				q := pgx.Identifier{c}.Sanitize()
				sets = append(sets, fmt.Sprintf("%s = EXCLUDED.%s", q, q))
			}
			fmt.Fprintf(&sb, " ON CONFLICT (%s) DO UPDATE SET %s", key, strings.Join(sets, ", "))
		}
	}

	if _, err := pool.Exec(ctx, sb.String(), args...); err != nil {
		return classifyPgError(err)
	}
	return nil
}

func (d *PgxDriver) createTable(ctx context.Context, pool *pgxpool.Pool, table string, columns []string) error {
	defs := make([]string, len(columns))
	for i, c := range columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	sql := fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)",
		pgx.Identifier{table}.Sanitize(), strings.Join(defs, ", "))
	if _, err := pool.Exec(ctx, sql); err != nil {
		return classifyPgError(err)
	}
	return nil
}

// columnSet is the sorted union of keys across all rows, so sparse rows
// still line up with the placeholder grid.
func columnSet(rows []map[string]any) []string {
	seen := map[string]bool{}
	for _, row := range rows {
		for col := range row {
			seen[col] = true
		}
	}
	cols := make([]string, 0, len(seen))
	for col := range seen {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// classifyPgError maps driver failures onto the handler error vocabulary so
// the dispatcher can tell transient from permanent.
func classifyPgError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return apperrors.NewHandlerError(apperrors.CodeTimeout, err.Error(), true)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return apperrors.NewHandlerError(apperrors.CodeNetworkError, err.Error(), true)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40P01": // deadlock_detected
			return apperrors.NewHandlerError(apperrors.CodeDeadlock, pgErr.Message, true)
		case "40001": // serialization_failure
			return apperrors.NewHandlerError(apperrors.CodeDeadlock, pgErr.Message, true)
		case "57P01", "08000", "08003", "08006": // shutdown / connection exceptions
			return apperrors.NewHandlerError(apperrors.CodeConnectionLost, pgErr.Message, true)
		}
	}
	if pgconn.SafeToRetry(err) {
		return apperrors.NewHandlerError(apperrors.CodeNetworkError, err.Error(), true)
	}
	return err
}

var _ ConnectorDriver = (*PgxDriver)(nil)
