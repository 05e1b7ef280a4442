package extract

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

// FromJSONLD returns the first schema.org Recipe found in the document's
// JSON-LD blocks.
func FromJSONLD(doc *goquery.Document) (importer.Recipe, bool) {
	var (
		recipe importer.Recipe
		found  bool
	)
	doc.Find(`script[type="application/ld+json"]`).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		var raw any
		if err := json.Unmarshal([]byte(strings.TrimSpace(s.Text())), &raw); err != nil {
			return true
		}
		node, ok := findRecipeNode(raw)
		if !ok {
			return true
		}
		recipe = recipeFromNode(node)
		found = recipe.Validate() == nil
		return !found
	})
	return recipe, found
}

func findRecipeNode(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case []any:
		for _, item := range t {
			if node, ok := findRecipeNode(item); ok {
				return node, true
			}
		}
	case map[string]any:
		if isRecipeType(t["@type"]) {
			return t, true
		}
		if graph, ok := t["@graph"]; ok {
			return findRecipeNode(graph)
		}
		if entity, ok := t["mainEntity"]; ok {
			return findRecipeNode(entity)
		}
	}
	return nil, false
}

func isRecipeType(v any) bool {
	switch t := v.(type) {
	case string:
		return strings.EqualFold(t, "Recipe")
	case []any:
		for _, item := range t {
			if isRecipeType(item) {
				return true
			}
		}
	}
	return false
}

func recipeFromNode(node map[string]any) importer.Recipe {
	r := importer.Recipe{
		Title:       cleanText(asString(node["name"])),
		Description: cleanText(asString(node["description"])),
		Servings:    yield(node["recipeYield"]),
		PrepMinutes: ParseISODuration(asString(node["prepTime"])),
		CookMinutes: ParseISODuration(asString(node["cookTime"])),
		ImageURL:    imageURL(node["image"]),
	}
	for _, line := range asStrings(node["recipeIngredient"]) {
		if ing := ParseIngredientLine(line); ing.Name != "" {
			r.Ingredients = append(r.Ingredients, ing)
		}
	}
	for i, text := range instructions(node["recipeInstructions"]) {
		r.Steps = append(r.Steps, importer.Step{Position: i + 1, Text: text})
	}
	r.Tags = tags(node)
	return r
}

func asString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case []any:
		if len(t) > 0 {
			return asString(t[0])
		}
	case map[string]any:
		if s, ok := t["@value"]; ok {
			return asString(s)
		}
	}
	return ""
}

func asStrings(v any) []string {
	switch t := v.(type) {
	case string:
		return []string{t}
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s := cleanText(asString(item)); s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func yield(v any) string {
	if list, ok := v.([]any); ok {
		// yields like ["4", "4 servings"] list the bare number first
		for i := len(list) - 1; i >= 0; i-- {
			if s := cleanText(asString(list[i])); s != "" {
				return s
			}
		}
		return ""
	}
	return cleanText(asString(v))
}

func imageURL(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []any:
		for _, item := range t {
			if u := imageURL(item); u != "" {
				return u
			}
		}
	case map[string]any:
		return asString(t["url"])
	}
	return ""
}

func instructions(v any) []string {
	switch t := v.(type) {
	case string:
		var out []string
		for _, line := range strings.Split(t, "\n") {
			if s := cleanText(line); s != "" {
				out = append(out, s)
			}
		}
		return out
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, instructions(item)...)
		}
		return out
	case map[string]any:
		if list, ok := t["itemListElement"]; ok {
			return instructions(list)
		}
		if s := cleanText(asString(t["text"])); s != "" {
			return []string{s}
		}
		if s := cleanText(asString(t["name"])); s != "" {
			return []string{s}
		}
	}
	return nil
}

func tags(node map[string]any) []string {
	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		s = strings.ToLower(cleanText(s))
		if s == "" || seen[s] {
			return
		}
		seen[s] = true
		out = append(out, s)
	}
	for _, key := range []string{"recipeCategory", "recipeCuisine"} {
		for _, s := range asStrings(node[key]) {
			add(s)
		}
	}
	for _, kw := range asStrings(node["keywords"]) {
		for _, s := range strings.Split(kw, ",") {
			add(s)
		}
	}
	return out
}

var isoDuration = regexp.MustCompile(`(?i)^P(?:(\d+)D)?(?:T(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?)?$`)

// ParseISODuration converts an ISO 8601 duration such as PT1H15M to whole
// minutes. Unparseable input yields 0.
func ParseISODuration(s string) int {
	m := isoDuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	atoi := func(v string) int {
		n, _ := strconv.Atoi(v)
		return n
	}
	return atoi(m[1])*24*60 + atoi(m[2])*60 + atoi(m[3])
}

var spaces = regexp.MustCompile(`\s+`)

func cleanText(s string) string {
	s = strings.NewReplacer("&nbsp;", " ", "&amp;", "&", "&#39;", "'", "&quot;", `"`).Replace(s)
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}
