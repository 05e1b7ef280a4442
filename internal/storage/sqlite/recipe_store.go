package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// CreateRecipe stores the recipe with its children encoded as JSON columns.
func (s *Store) CreateRecipe(ctx context.Context, r importer.Recipe) (string, error) {
	if r.ID == "" {
		return "", errors.New("recipe id is required")
	}
	ingredients, err := json.Marshal(r.Ingredients)
	if err != nil {
		return "", fmt.Errorf("marshal ingredients: %w", err)
	}
	steps, err := json.Marshal(r.Steps)
	if err != nil {
		return "", fmt.Errorf("marshal steps: %w", err)
	}
	tags, err := json.Marshal(r.Tags)
	if err != nil {
		return "", fmt.Errorf("marshal tags: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO recipes (
    id, owner_id, job_id, title, description, source_kind, source_url, servings,
    prep_minutes, cook_minutes, ingredients_json, steps_json, tags_json, image_url, created_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.OwnerID, r.JobID, r.Title, r.Description, string(r.SourceKind), r.SourceURL, r.Servings,
		r.PrepMinutes, r.CookMinutes, string(ingredients), string(steps), string(tags), r.ImageURL, unixNano(r.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("insert recipe: %w", err)
	}
	return r.ID, nil
}

// GetRecipe loads a recipe by ID.
func (s *Store) GetRecipe(ctx context.Context, recipeID string) (importer.Recipe, error) {
	var (
		r                        importer.Recipe
		kind                     string
		ingredients, steps, tags string
		created                  int64
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, owner_id, job_id, title, description, source_kind, source_url,
    servings, prep_minutes, cook_minutes, ingredients_json, steps_json, tags_json, image_url, created_at
FROM recipes WHERE id = ?`, recipeID).Scan(
		&r.ID, &r.OwnerID, &r.JobID, &r.Title, &r.Description, &kind, &r.SourceURL,
		&r.Servings, &r.PrepMinutes, &r.CookMinutes, &ingredients, &steps, &tags, &r.ImageURL, &created,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return importer.Recipe{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("get recipe: %w", err)
	}
	r.SourceKind = importer.SourceKind(kind)
	r.CreatedAt = time.Unix(0, created).UTC()
	if err := json.Unmarshal([]byte(ingredients), &r.Ingredients); err != nil {
		return importer.Recipe{}, fmt.Errorf("decode ingredients: %w", err)
	}
	if err := json.Unmarshal([]byte(steps), &r.Steps); err != nil {
		return importer.Recipe{}, fmt.Errorf("decode steps: %w", err)
	}
	if err := json.Unmarshal([]byte(tags), &r.Tags); err != nil {
		return importer.Recipe{}, fmt.Errorf("decode tags: %w", err)
	}
	return r, nil
}
