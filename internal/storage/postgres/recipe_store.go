package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// CreateRecipe writes the recipe and its children in one transaction.
func (s *Store) CreateRecipe(ctx context.Context, recipe importer.Recipe) (string, error) {
	if recipe.ID == "" {
		return "", fmt.Errorf("recipe id is required")
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("begin recipe tx: %w", err)
	}
	if err := insertRecipe(ctx, tx, recipe); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
			return "", fmt.Errorf("%w (rollback: %v)", err, rbErr)
		}
		return "", err
	}
	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("commit recipe tx: %w", err)
	}
	return recipe.ID, nil
}

func insertRecipe(ctx context.Context, tx pgx.Tx, r importer.Recipe) error {
	tags := r.Tags
	if tags == nil {
		tags = []string{}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO recipes (
	id, owner_id, job_id, title, description, source_kind, source_url,
	servings, prep_minutes, cook_minutes, tags, image_url, created_at
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		r.ID, r.OwnerID, r.JobID, r.Title, r.Description, string(r.SourceKind), r.SourceURL,
		r.Servings, r.PrepMinutes, r.CookMinutes, tags, r.ImageURL, r.CreatedAt,
	); err != nil {
		return fmt.Errorf("insert recipe: %w", err)
	}
	for i, ing := range r.Ingredients {
		if _, err := tx.Exec(ctx, `
INSERT INTO recipe_ingredients (recipe_id, position, name, quantity, unit, note)
VALUES ($1,$2,$3,$4,$5,$6)`, r.ID, i+1, ing.Name, ing.Quantity, ing.Unit, ing.Note); err != nil {
			return fmt.Errorf("insert ingredient %d: %w", i+1, err)
		}
	}
	for _, step := range r.Steps {
		if _, err := tx.Exec(ctx, `
INSERT INTO recipe_steps (recipe_id, position, body) VALUES ($1,$2,$3)`,
			r.ID, step.Position, step.Text); err != nil {
			return fmt.Errorf("insert step %d: %w", step.Position, err)
		}
	}
	return nil
}

// GetRecipe loads a recipe with its ingredients and steps.
func (s *Store) GetRecipe(ctx context.Context, recipeID string) (importer.Recipe, error) {
	var (
		r    importer.Recipe
		kind string
	)
	err := s.pool.QueryRow(ctx, `
SELECT id, owner_id, job_id, title, description, source_kind, source_url,
	servings, prep_minutes, cook_minutes, tags, image_url, created_at
FROM recipes WHERE id = $1`, recipeID).Scan(
		&r.ID, &r.OwnerID, &r.JobID, &r.Title, &r.Description, &kind, &r.SourceURL,
		&r.Servings, &r.PrepMinutes, &r.CookMinutes, &r.Tags, &r.ImageURL, &r.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return importer.Recipe{}, importer.ErrNotFound
	}
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("get recipe: %w", err)
	}
	r.SourceKind = importer.SourceKind(kind)

	rows, err := s.pool.Query(ctx, `
SELECT name, quantity, unit, note FROM recipe_ingredients WHERE recipe_id = $1 ORDER BY position`, recipeID)
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("list ingredients: %w", err)
	}
	r.Ingredients, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (importer.Ingredient, error) {
		var ing importer.Ingredient
		err := row.Scan(&ing.Name, &ing.Quantity, &ing.Unit, &ing.Note)
		return ing, err
	})
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("scan ingredients: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
SELECT position, body FROM recipe_steps WHERE recipe_id = $1 ORDER BY position`, recipeID)
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("list steps: %w", err)
	}
	r.Steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (importer.Step, error) {
		var step importer.Step
		err := row.Scan(&step.Position, &step.Text)
		return step, err
	})
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("scan steps: %w", err)
	}
	return r, nil
}
