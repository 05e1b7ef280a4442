package extract

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/llm"
)

// Draft is the JSON shape requested from the model.
type Draft struct {
	Title       string          `json:"title"`
	Description string          `json:"description"`
	Servings    json.RawMessage `json:"servings"`
	PrepMinutes any             `json:"prep_minutes"`
	CookMinutes any             `json:"cook_minutes"`
	Ingredients []struct {
		Name     string `json:"name"`
		Quantity any    `json:"quantity"`
		Unit     string `json:"unit"`
		Note     string `json:"note"`
	} `json:"ingredients"`
	Steps []string `json:"steps"`
	Tags  []string `json:"tags"`
}

// DecodeDraft parses a model reply into a recipe.
func DecodeDraft(content string) (importer.Recipe, error) {
	var d Draft
	if err := llm.DecodeJSON(content, &d); err != nil {
		return importer.Recipe{}, fmt.Errorf("decode model recipe: %w", err)
	}
	return d.Recipe(), nil
}

// Recipe converts the draft into the domain type.
func (d Draft) Recipe() importer.Recipe {
	r := importer.Recipe{
		Title:       cleanText(d.Title),
		Description: cleanText(d.Description),
		Servings:    rawString(d.Servings),
		PrepMinutes: number(d.PrepMinutes),
		CookMinutes: number(d.CookMinutes),
	}
	for _, ing := range d.Ingredients {
		name := cleanText(ing.Name)
		if name == "" {
			continue
		}
		r.Ingredients = append(r.Ingredients, importer.Ingredient{
			Name:     name,
			Quantity: cleanText(fmt.Sprint(nonNil(ing.Quantity))),
			Unit:     cleanText(ing.Unit),
			Note:     cleanText(ing.Note),
		})
	}
	for _, step := range d.Steps {
		if s := cleanText(step); s != "" {
			r.Steps = append(r.Steps, importer.Step{Position: len(r.Steps) + 1, Text: s})
		}
	}
	for _, tag := range d.Tags {
		if t := strings.ToLower(cleanText(tag)); t != "" {
			r.Tags = append(r.Tags, t)
		}
	}
	return r
}

func rawString(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return cleanText(s)
	}
	return strings.TrimSpace(string(raw))
}

// number accepts 15, 15.0, "15" and "15 minutes".
func number(v any) int {
	var f float64
	switch t := v.(type) {
	case float64:
		f = t
	case string:
		fields := strings.Fields(t)
		if len(fields) == 0 {
			return 0
		}
		parsed, err := strconv.ParseFloat(fields[0], 64)
		if err != nil {
			return ParseISODuration(t)
		}
		f = parsed
	}
	if f <= 0 {
		return 0
	}
	return int(f + 0.5)
}

func nonNil(v any) any {
	if v == nil {
		return ""
	}
	return v
}
