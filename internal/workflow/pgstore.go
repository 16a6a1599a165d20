package workflow

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/stepper/model"
)

//go:embed schema.sql
var schemaSQL string

const (
	pgUniqueViolation     = "23505"
	idempotencyConstraint = "workflow_instances_idempotency"
)

const instanceColumns = `id, workflow_id, tenant_id, partition_id, subject_id,
       current_step, status, state, version,
       created_at, updated_at, expires_at, idempotency_key`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// execer is satisfied by both the pool and a transaction.
type execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgWorkflowStore keeps instances in PostgreSQL with the controller state
// as a JSONB column. Events live in an append-only table ordered by a
// serial column.
type PgWorkflowStore struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

func NewPgWorkflowStore(pool *pgxpool.Pool) *PgWorkflowStore {
	return &PgWorkflowStore{pool: pool, now: func() time.Time { return time.Now().UTC() }}
}

// Migrate applies the embedded schema. It is idempotent.
func (s *PgWorkflowStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply workflow schema: %w", err)
	}
	return nil
}

func (s *PgWorkflowStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PgWorkflowStore) Create(ctx context.Context, inst model.WorkflowInstance) error {
	state, err := json.Marshal(inst.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (@id, @workflow_id, @tenant_id, @partition_id, @subject_id,
		        @current_step, @status, @state, @version,
		        @created_at, @updated_at, @expires_at, @idempotency_key)`,
		pgx.NamedArgs{
			"id":              inst.ID,
			"workflow_id":     inst.WorkflowID,
			"tenant_id":       inst.TenantID,
			"partition_id":    inst.PartitionID,
			"subject_id":      inst.SubjectID,
			"current_step":    inst.CurrentStep,
			"status":          inst.Status,
			"state":           state,
			"version":         inst.Version,
			"created_at":      inst.CreatedAt,
			"updated_at":      inst.UpdatedAt,
			"expires_at":      inst.ExpiresAt,
			"idempotency_key": inst.IdempotencyKey,
		},
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
		if pgErr.ConstraintName == idempotencyConstraint {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance with idempotency key %q already exists", inst.IdempotencyKey),
			)
		}
		return model.NewConflictError(fmt.Sprintf("workflow instance %q already exists", inst.ID))
	}
	if err != nil {
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (s *PgWorkflowStore) Get(ctx context.Context, tenantID, instanceID string) (model.WorkflowInstance, error) {
	return getInstance(ctx, s.pool, tenantID, instanceID)
}

func getInstance(ctx context.Context, q querier, tenantID, instanceID string) (model.WorkflowInstance, error) {
	inst, err := scanInstance(q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1 AND tenant_id = $2`,
		instanceID, tenantID,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, model.NewNotFoundError(
			fmt.Sprintf("workflow instance %q not found", instanceID),
		)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

// Update writes inst only if the stored version still equals inst.Version.
// The events are inserted in the same transaction, so a failed insert rolls
// the state change back.
func (s *PgWorkflowStore) Update(ctx context.Context, inst model.WorkflowInstance, events ...model.WorkflowEvent) error {
	state, err := json.Marshal(inst.State)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	return pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{}, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `
			UPDATE workflow_instances
			SET current_step = @current_step,
			    status       = @status,
			    state        = @state,
			    version      = version + 1,
			    updated_at   = @updated_at,
			    expires_at   = @expires_at
			WHERE id = @id AND tenant_id = @tenant_id AND version = @version`,
			pgx.NamedArgs{
				"current_step": inst.CurrentStep,
				"status":       inst.Status,
				"state":        state,
				"updated_at":   s.now(),
				"expires_at":   inst.ExpiresAt,
				"id":           inst.ID,
				"tenant_id":    inst.TenantID,
				"version":      inst.Version,
			},
		)
		if err != nil {
			return fmt.Errorf("update workflow instance: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return model.NewConflictError(
				fmt.Sprintf("workflow instance %q version conflict (expected %d)", inst.ID, inst.Version),
			)
		}
		for _, evt := range events {
			if err := insertEvent(ctx, tx, evt); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *PgWorkflowStore) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	return insertEvent(ctx, s.pool, event)
}

func insertEvent(ctx context.Context, q execer, event model.WorkflowEvent) error {
	var data []byte
	if len(event.Data) > 0 {
		var err error
		if data, err = json.Marshal(event.Data); err != nil {
			return fmt.Errorf("marshal event data: %w", err)
		}
	}

	_, err := q.Exec(ctx, `
		INSERT INTO workflow_events (id, workflow_instance_id, step_id, event, actor_id, data, comment, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		event.ID, event.WorkflowInstanceID, event.StepID, event.Event,
		event.ActorID, data, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// GetEvents checks tenant visibility and reads the trail in one
// transaction so a concurrent write cannot slip between the two.
func (s *PgWorkflowStore) GetEvents(ctx context.Context, tenantID, instanceID string) ([]model.WorkflowEvent, error) {
	var events []model.WorkflowEvent
	err := pgx.BeginTxFunc(ctx, s.pool, pgx.TxOptions{AccessMode: pgx.ReadOnly}, func(tx pgx.Tx) error {
		if _, err := getInstance(ctx, tx, tenantID, instanceID); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `
			SELECT id, workflow_instance_id, step_id, event, actor_id, data, comment, created_at
			FROM workflow_events
			WHERE workflow_instance_id = $1
			ORDER BY seq`,
			instanceID,
		)
		if err != nil {
			return fmt.Errorf("query workflow events: %w", err)
		}
		events, err = pgx.CollectRows(rows, scanEvent)
		return err
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

// List counts and pages within one repeatable-read snapshot so total
// agrees with the page.
func (s *PgWorkflowStore) List(ctx context.Context, tenantID string, filters ListFilters) ([]model.WorkflowInstance, int, error) {
	cond, args := filters.where(tenantID)

	var (
		page  []model.WorkflowInstance
		total int
	)
	opts := pgx.TxOptions{IsoLevel: pgx.RepeatableRead, AccessMode: pgx.ReadOnly}
	err := pgx.BeginTxFunc(ctx, s.pool, opts, func(tx pgx.Tx) error {
		if err := tx.QueryRow(ctx, "SELECT count(*) FROM workflow_instances WHERE "+cond, args...).Scan(&total); err != nil {
			return fmt.Errorf("count workflow instances: %w", err)
		}
		query := "SELECT " + instanceColumns + " FROM workflow_instances WHERE " + cond +
			" ORDER BY created_at DESC, id DESC"
		if filters.Limit > 0 {
			args = append(args, filters.Limit)
			query += fmt.Sprintf(" LIMIT $%d", len(args))
		}
		if filters.Offset > 0 {
			args = append(args, filters.Offset)
			query += fmt.Sprintf(" OFFSET $%d", len(args))
		}
		var err error
		page, err = queryInstances(ctx, tx, query, args...)
		return err
	})
	if err != nil {
		return nil, 0, err
	}
	return page, total, nil
}

// where renders the filters as a positional SQL condition.
func (f ListFilters) where(tenantID string) (string, []any) {
	clauses := []string{"tenant_id = $1"}
	args := []any{tenantID}
	for _, eq := range []struct{ column, value string }{
		{"workflow_id", f.WorkflowID},
		{"status", f.Status},
		{"subject_id", f.SubjectID},
	} {
		if eq.value == "" {
			continue
		}
		args = append(args, eq.value)
		clauses = append(clauses, fmt.Sprintf("%s = $%d", eq.column, len(args)))
	}
	return strings.Join(clauses, " AND "), args
}

func (s *PgWorkflowStore) FindExpired(ctx context.Context, cutoff time.Time, limit int) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + `
	          FROM workflow_instances
	          WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at < $1
	          ORDER BY expires_at`
	args := []any{cutoff}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}
	return queryInstances(ctx, s.pool, query, args...)
}

func queryInstances(ctx context.Context, q querier, query string, args ...any) ([]model.WorkflowInstance, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow instances: %w", err)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkflowInstance, error) {
		return scanInstance(row)
	})
}

func scanInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var (
		inst  model.WorkflowInstance
		state []byte
	)
	if err := row.Scan(
		&inst.ID, &inst.WorkflowID, &inst.TenantID, &inst.PartitionID, &inst.SubjectID,
		&inst.CurrentStep, &inst.Status, &state, &inst.Version,
		&inst.CreatedAt, &inst.UpdatedAt, &inst.ExpiresAt, &inst.IdempotencyKey,
	); err != nil {
		return model.WorkflowInstance{}, err
	}
	if err := json.Unmarshal(state, &inst.State); err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("unmarshal state of %q: %w", inst.ID, err)
	}
	return inst, nil
}

func scanEvent(row pgx.CollectableRow) (model.WorkflowEvent, error) {
	var (
		evt  model.WorkflowEvent
		data []byte
	)
	if err := row.Scan(
		&evt.ID, &evt.WorkflowInstanceID, &evt.StepID, &evt.Event,
		&evt.ActorID, &data, &evt.Comment, &evt.Timestamp,
	); err != nil {
		return model.WorkflowEvent{}, fmt.Errorf("scan workflow event: %w", err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &evt.Data); err != nil {
			return model.WorkflowEvent{}, fmt.Errorf("unmarshal event data: %w", err)
		}
	}
	return evt, nil
}
