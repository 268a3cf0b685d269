package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cyoa-server/internal/domain"

	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Compile-time check
var _ StoryRepository = (*pgStoryRepository)(nil)

const (
	insertStoryQuery = `
		INSERT INTO stories (id, title, prompt, session_id, root_node_id, nodes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	getStoryQuery = `
		SELECT id, title, prompt, session_id, root_node_id, nodes, created_at
		FROM stories WHERE id = $1`

	// задания ссылаются на историю, удалять можно только неиспользуемую
	deleteStoryQuery = `
		DELETE FROM stories s WHERE s.id = $1
		AND NOT EXISTS (SELECT 1 FROM jobs j WHERE j.result_ref = s.id)`
)

type storyRow struct {
	ID         uuid.UUID `db:"id"`
	Title      string    `db:"title"`
	Prompt     string    `db:"prompt"`
	SessionID  string    `db:"session_id"`
	RootNodeID string    `db:"root_node_id"`
	Nodes      []byte    `db:"nodes"`
	CreatedAt  time.Time `db:"created_at"`
}

type pgStoryRepository struct {
	db     DBTX
	logger *zap.Logger
}

// NewPgStoryRepository репозиторий историй в PostgreSQL. Узлы хранятся одним JSONB.
func NewPgStoryRepository(db DBTX, logger *zap.Logger) StoryRepository {
	return &pgStoryRepository{
		db:     db,
		logger: logger.Named("PgStoryRepo"),
	}
}

func (r *pgStoryRepository) Save(ctx context.Context, story *domain.Story) error {
	logFields := []zap.Field{zap.Stringer("storyID", story.ID), zap.Int("nodes", len(story.Nodes))}

	nodes, err := json.Marshal(story.Nodes)
	if err != nil {
		return fmt.Errorf("marshal story %s nodes: %w", story.ID, err)
	}

	_, err = r.db.Exec(ctx, insertStoryQuery,
		story.ID,
		story.Title,
		story.Prompt,
		story.SessionID,
		story.RootNodeID,
		nodes,
		story.CreatedAt,
	)
	if err != nil {
		r.logger.Error("Failed to save story", append(logFields, zap.Error(err))...)
		return fmt.Errorf("save story %s: %w: %w", story.ID, domain.ErrPersistence, err)
	}
	r.logger.Debug("Story saved", logFields...)
	return nil
}

func (r *pgStoryRepository) Get(ctx context.Context, id uuid.UUID) (*domain.Story, error) {
	var row storyRow
	if err := pgxscan.Get(ctx, r.db, &row, getStoryQuery, id); err != nil {
		if pgxscan.NotFound(err) {
			return nil, fmt.Errorf("story %s: %w", id, domain.ErrNotFound)
		}
		r.logger.Error("Failed to get story", zap.Stringer("storyID", id), zap.Error(err))
		return nil, fmt.Errorf("get story %s: %w: %w", id, domain.ErrPersistence, err)
	}

	story := &domain.Story{
		ID:         row.ID,
		Title:      row.Title,
		Prompt:     row.Prompt,
		SessionID:  row.SessionID,
		RootNodeID: row.RootNodeID,
		CreatedAt:  row.CreatedAt.UTC(),
	}
	if err := json.Unmarshal(row.Nodes, &story.Nodes); err != nil {
		r.logger.Error("Corrupted story nodes", zap.Stringer("storyID", id), zap.Error(err))
		return nil, fmt.Errorf("decode story %s nodes: %w: %w", id, domain.ErrPersistence, err)
	}
	return story, nil
}

func (r *pgStoryRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, deleteStoryQuery, id)
	if err != nil {
		r.logger.Error("Failed to delete story", zap.Stringer("storyID", id), zap.Error(err))
		return fmt.Errorf("delete story %s: %w: %w", id, domain.ErrPersistence, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("story %s: %w", id, domain.ErrNotFound)
	}
	return nil
}
