package repository

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// telemetryTables is the closed set of source tables the producer may
// count against. Table names are interpolated into SQL, so anything
// outside this set is refused.
var telemetryTables = map[string]bool{
	"drone_positions":        true,
	"drone_commands":         true,
	"drone_real_time_status": true,
}

// ValidTelemetryTable reports whether name is a known source table.
func ValidTelemetryTable(name string) bool {
	return telemetryTables[name]
}

type pgTelemetryRepository struct {
	pool *pgxpool.Pool
}

// NewPgTelemetryRepository returns a TelemetryRepository backed by the
// shared PostgreSQL pool.
func NewPgTelemetryRepository(pool *pgxpool.Pool) TelemetryRepository {
	return &pgTelemetryRepository{pool: pool}
}

func (r *pgTelemetryRepository) CountUnarchived(ctx context.Context, table string, from, to time.Time) (int64, error) {
	if !telemetryTables[table] {
		return 0, domain.ErrInvalidTable
	}

	query := fmt.Sprintf(`
		SELECT COUNT(*) FROM %s
		WHERE archived_at IS NULL
		  AND created_at >= $1 AND created_at <= $2`, table)

	var count int64
	if err := r.pool.QueryRow(ctx, query, from, to).Scan(&count); err != nil {
		return 0, fmt.Errorf("count unarchived %s: %w", table, err)
	}
	return count, nil
}
