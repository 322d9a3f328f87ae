package services

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/sirupsen/logrus"

	"blockflow/internal/database"
	"blockflow/internal/models"
)

// WorkflowLoader loads a workflow graph by id
type WorkflowLoader interface {
	LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error)
}

// ChangePublisher tells other instances that a workflow definition changed
type ChangePublisher interface {
	PublishWorkflowChanged(ctx context.Context, workflowID string) error
}

// WorkflowService stores workflow definitions in SQL behind an in-process cache.
// Cached graphs are shared between runs and must not be mutated.
type WorkflowService struct {
	db        *database.DB
	cache     *cache.Cache
	publisher ChangePublisher
}

// NewWorkflowService creates a workflow service caching definitions for ttl
func NewWorkflowService(db *database.DB, ttl time.Duration) *WorkflowService {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &WorkflowService{
		db:    db,
		cache: cache.New(ttl, 2*ttl),
	}
}

// SetChangePublisher broadcasts saves and deletes so peers drop stale cache entries
func (s *WorkflowService) SetChangePublisher(p ChangePublisher) {
	s.publisher = p
}

// Invalidate drops a cached definition
func (s *WorkflowService) Invalidate(workflowID string) {
	s.cache.Delete(workflowID)
}

func (s *WorkflowService) changed(ctx context.Context, workflowID string) {
	s.cache.Delete(workflowID)
	if s.publisher == nil {
		return
	}
	if err := s.publisher.PublishWorkflowChanged(ctx, workflowID); err != nil {
		logrus.Warnf("⚠️ [WORKFLOWS] Failed to broadcast change of %s: %v", workflowID, err)
	}
}

// SaveWorkflow inserts or replaces a workflow definition
func (s *WorkflowService) SaveWorkflow(ctx context.Context, wf *models.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow needs an id")
	}
	if len(wf.Blocks) == 0 {
		return fmt.Errorf("workflow %s has no blocks", wf.ID)
	}

	now := time.Now().UTC()
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = now
	}
	wf.UpdatedAt = now
	if wf.Version == 0 {
		wf.Version = 1
	}

	definition, err := json.Marshal(wf)
	if err != nil {
		return fmt.Errorf("failed to encode workflow %s: %w", wf.ID, err)
	}

	query := `INSERT INTO workflows (id, name, version, definition, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`
	if s.db.Dialect == database.DialectMySQL {
		query += ` ON DUPLICATE KEY UPDATE name = VALUES(name), version = VALUES(version),
			definition = VALUES(definition), updated_at = VALUES(updated_at)`
	} else {
		query += ` ON CONFLICT(id) DO UPDATE SET name = excluded.name, version = excluded.version,
			definition = excluded.definition, updated_at = excluded.updated_at`
	}

	if _, err := s.db.ExecContext(ctx, query, wf.ID, wf.Name, wf.Version, string(definition),
		wf.CreatedAt.UnixMilli(), now.UnixMilli()); err != nil {
		return fmt.Errorf("failed to save workflow %s: %w", wf.ID, err)
	}

	s.changed(ctx, wf.ID)
	logrus.Infof("💾 Saved workflow %s (version %d)", wf.ID, wf.Version)
	return nil
}

// LoadWorkflow returns a workflow, from cache when possible
func (s *WorkflowService) LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	if cached, ok := s.cache.Get(id); ok {
		return cached.(*models.Workflow), nil
	}

	var definition string
	err := s.db.QueryRowContext(ctx, `SELECT definition FROM workflows WHERE id = ?`, id).Scan(&definition)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load workflow %s: %w", id, err)
	}

	wf, err := models.ParseWorkflow(id+".json", []byte(definition))
	if err != nil {
		return nil, err
	}
	s.cache.SetDefault(id, wf)
	return wf, nil
}

// DeleteWorkflow removes a workflow definition
func (s *WorkflowService) DeleteWorkflow(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workflows WHERE id = ?`, id)
	if err != nil {
		s.cache.Delete(id)
		return fmt.Errorf("failed to delete workflow %s: %w", id, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		s.cache.Delete(id)
		return fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
	}
	s.changed(ctx, id)
	return nil
}

// ChainLoaders tries each loader in order; the first one that knows the id wins.
// Errors other than "not found" stop the chain.
func ChainLoaders(loaders ...WorkflowLoader) WorkflowLoader {
	return chain(loaders)
}

type chain []WorkflowLoader

func (c chain) LoadWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	for _, l := range c {
		if l == nil {
			continue
		}
		wf, err := l.LoadWorkflow(ctx, id)
		if err == nil {
			return wf, nil
		}
		if !errors.Is(err, models.ErrWorkflowNotFound) {
			return nil, err
		}
	}
	return nil, fmt.Errorf("%w: %s", models.ErrWorkflowNotFound, id)
}
