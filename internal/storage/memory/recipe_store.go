package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// RecipeStore keeps recipes in a map.
type RecipeStore struct {
	mu      sync.RWMutex
	recipes map[string]importer.Recipe
}

// NewRecipeStore constructs a RecipeStore.
func NewRecipeStore() *RecipeStore {
	return &RecipeStore{recipes: make(map[string]importer.Recipe)}
}

// CreateRecipe stores the recipe under its ID.
func (s *RecipeStore) CreateRecipe(_ context.Context, recipe importer.Recipe) (string, error) {
	if recipe.ID == "" {
		return "", errors.New("recipe id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recipes[recipe.ID] = recipe.Clone()
	return recipe.ID, nil
}

// GetRecipe returns a copy of the stored recipe.
func (s *RecipeStore) GetRecipe(_ context.Context, recipeID string) (importer.Recipe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recipe, ok := s.recipes[recipeID]
	if !ok {
		return importer.Recipe{}, importer.ErrNotFound
	}
	return recipe.Clone(), nil
}

// Len returns how many recipes are stored.
func (s *RecipeStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.recipes)
}
