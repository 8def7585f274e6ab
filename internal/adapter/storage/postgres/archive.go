// Package postgres persists terminal results for operator queries. The
// in-memory store stays authoritative; this archive is the durable,
// queryable copy.
package postgres

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	postgresql "github.com/agentgrid/agentgrid/config/storage/postgresql"
	"github.com/agentgrid/agentgrid/internal/core/domain"
	"github.com/agentgrid/agentgrid/internal/core/port"
)

type resultArchive struct {
	db  *postgresql.DB
	log *zap.Logger
}

// NewResultArchive creates a new postgres result archive
func NewResultArchive(db *postgresql.DB, log *zap.Logger) port.ResultArchive {
	return &resultArchive{db: db, log: log}
}

func (a *resultArchive) SaveResult(ctx context.Context, domainName string, task *domain.Task, result *domain.TaskResult) error {
	output, err := result.Output.MarshalWire()
	if err != nil {
		return err
	}

	query, args, err := a.db.QueryBuilder.
		Insert("task_results").
		Columns("task_id", "domain", "status", "output", "error").
		Values(result.TaskID, domainName, string(result.Status), output, result.Error).
		Suffix("ON CONFLICT (task_id) DO UPDATE SET status = EXCLUDED.status, output = EXCLUDED.output, error = EXCLUDED.error").
		ToSql()
	if err != nil {
		return err
	}

	if _, err := a.db.Exec(ctx, query, args...); err != nil {
		a.log.Error("Failed to archive result",
			zap.String("task_id", result.TaskID),
			zap.Error(err))
		return err
	}
	return nil
}

func (a *resultArchive) ListRecent(ctx context.Context, domainName string, limit int) ([]*domain.TaskResult, error) {
	if limit <= 0 {
		limit = 50
	}

	query, args, err := a.db.QueryBuilder.
		Select("task_id", "status", "output", "error", "created_at").
		From("task_results").
		Where("domain = ?", domainName).
		OrderBy("created_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, err
	}

	rows, err := a.db.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*domain.TaskResult
	for rows.Next() {
		var (
			r         domain.TaskResult
			rawOutput []byte
			createdAt time.Time
		)
		if err := rows.Scan(&r.TaskID, &r.Status, &rawOutput, &r.Error, &createdAt); err != nil {
			return nil, err
		}
		r.CreatedAt = createdAt.UTC().Format(time.RFC3339)
		if len(rawOutput) > 0 {
			var out domain.TaskOutput
			if err := json.Unmarshal(rawOutput, &out); err == nil {
				r.Output = &out
			}
		}
		results = append(results, &r)
	}
	return results, rows.Err()
}
