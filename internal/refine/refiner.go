// Package refine runs a best-effort model pass that normalizes a draft
// recipe's wording and units.
package refine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// ErrDegraded is returned when the refined recipe lost content the draft had.
var ErrDegraded = errors.New("refined recipe dropped required content")

const systemPrompt = `You tidy recipes. Keep the meaning, fix capitalisation and spelling, normalise units
to common abbreviations, split combined steps, and never invent ingredients. Reply with the same JSON shape you receive.`

// Completer is the model surface the refiner needs.
type Completer interface {
	Configured() bool
	CompleteJSON(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Decoder turns model output into a recipe.
type Decoder func(content string) (importer.Recipe, error)

// Refiner implements importer.Refiner.
type Refiner struct {
	model  Completer
	decode Decoder
}

// New builds a Refiner that decodes replies with decode.
func New(model Completer, decode Decoder) *Refiner {
	return &Refiner{model: model, decode: decode}
}

// Refine returns an improved copy of draft. Fields the model leaves empty keep
// their draft values; losing the title or every ingredient is an error.
func (r *Refiner) Refine(ctx context.Context, draft importer.Recipe) (importer.Recipe, error) {
	if r == nil || r.model == nil || !r.model.Configured() {
		return draft, nil
	}
	payload, err := json.Marshal(draftPayload(draft))
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("encode draft: %w", err)
	}
	out, err := r.model.CompleteJSON(ctx, systemPrompt, string(payload))
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("refine: %w", err)
	}
	refined, err := r.decode(out)
	if err != nil {
		return importer.Recipe{}, fmt.Errorf("refine: %w", err)
	}
	if refined.Validate() != nil {
		return importer.Recipe{}, ErrDegraded
	}
	return merge(draft, refined), nil
}

type payloadIngredient struct {
	Name     string `json:"name"`
	Quantity string `json:"quantity"`
	Unit     string `json:"unit"`
	Note     string `json:"note"`
}

type payload struct {
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Servings    string              `json:"servings"`
	PrepMinutes int                 `json:"prep_minutes"`
	CookMinutes int                 `json:"cook_minutes"`
	Ingredients []payloadIngredient `json:"ingredients"`
	Steps       []string            `json:"steps"`
	Tags        []string            `json:"tags"`
}

func draftPayload(r importer.Recipe) payload {
	p := payload{
		Title:       r.Title,
		Description: r.Description,
		Servings:    r.Servings,
		PrepMinutes: r.PrepMinutes,
		CookMinutes: r.CookMinutes,
		Tags:        r.Tags,
	}
	for _, ing := range r.Ingredients {
		p.Ingredients = append(p.Ingredients, payloadIngredient(ing))
	}
	for _, s := range r.Steps {
		p.Steps = append(p.Steps, s.Text)
	}
	return p
}

func merge(draft, refined importer.Recipe) importer.Recipe {
	out := draft.Clone()
	out.Title = refined.Title
	out.Ingredients = refined.Ingredients
	if refined.Description != "" {
		out.Description = refined.Description
	}
	if refined.Servings != "" {
		out.Servings = refined.Servings
	}
	if refined.PrepMinutes > 0 {
		out.PrepMinutes = refined.PrepMinutes
	}
	if refined.CookMinutes > 0 {
		out.CookMinutes = refined.CookMinutes
	}
	if len(refined.Steps) > 0 {
		out.Steps = refined.Steps
	}
	if len(refined.Tags) > 0 {
		out.Tags = refined.Tags
	}
	return out
}
