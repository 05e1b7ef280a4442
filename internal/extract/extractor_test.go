package extract

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/recipe-importer/internal/importer"
	"github.com/JakeFAU/recipe-importer/internal/llm"
)

const jsonLDPage = `<html><head><title>Pie</title>
<script type="application/ld+json">
{"@context":"https://schema.org","@graph":[
  {"@type":"WebPage","name":"Pie page"},
  {"@type":["Recipe","NewsArticle"],"name":"Apple Pie","description":"Classic.",
   "recipeYield":["8","8 slices"],"prepTime":"PT30M","cookTime":"PT1H",
   "image":{"url":"https://img.example/pie.jpg"},
   "recipeIngredient":["6 apples, peeled","1 1/2 cups sugar","pinch of salt"],
   "recipeInstructions":[{"@type":"HowToSection","itemListElement":[
      {"@type":"HowToStep","text":"Slice apples."},
      {"@type":"HowToStep","text":"Bake."}]}],
   "recipeCategory":"Dessert","keywords":"pie, apple, Dessert"}
]}
</script></head><body><p>Story time.</p></body></html>`

type fakeModel struct {
	configured bool
	out        string
	err        error
	prompts    []string
	images     int
}

func (m *fakeModel) Configured() bool { return m.configured }

func (m *fakeModel) CompleteJSON(_ context.Context, _, user string) (string, error) {
	m.prompts = append(m.prompts, user)
	return m.out, m.err
}

func (m *fakeModel) CompleteJSONWithImages(_ context.Context, _, user string, urls []string) (string, error) {
	m.prompts = append(m.prompts, user)
	m.images = len(urls)
	return m.out, m.err
}

const modelRecipe = `{"title":"Ramen","servings":2,"prep_minutes":"10 minutes","cook_minutes":5,
"ingredients":[{"name":"noodles","quantity":1,"unit":"pack"},{"name":" "}],"steps":["Boil.",""],"tags":["Quick"]}`

func writeContent(t *testing.T, kind importer.SourceKind, files map[string]string) *importer.Content {
	t.Helper()
	dir := t.TempDir()
	c := &importer.Content{Kind: kind, SourceURL: "https://src.example/x", Dir: dir}
	for name, mime := range files {
		path := filepath.Join(dir, name)
		c.Files = append(c.Files, importer.ContentFile{Path: path, MIMEType: mime})
	}
	return c
}

func write(t *testing.T, path, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
}

func TestExtractWebpageFromJSONLD(t *testing.T) {
	t.Parallel()

	c := writeContent(t, importer.SourceWebpage, map[string]string{"page.html": "text/html"})
	write(t, c.Files[0].Path, jsonLDPage)

	var phases []importer.ExtractProgress
	model := &fakeModel{configured: true}
	r, err := New(model, nil).Extract(context.Background(), c, func(p importer.ExtractProgress) { phases = append(phases, p) })
	require.NoError(t, err)
	require.Empty(t, model.prompts)

	require.Equal(t, "Apple Pie", r.Title)
	require.Equal(t, "8 slices", r.Servings)
	require.Equal(t, 30, r.PrepMinutes)
	require.Equal(t, 60, r.CookMinutes)
	require.Equal(t, "https://img.example/pie.jpg", r.ImageURL)
	require.Equal(t, importer.Ingredient{Name: "apples", Quantity: "6", Note: "peeled"}, r.Ingredients[0])
	require.Equal(t, importer.Ingredient{Name: "sugar", Quantity: "1 1/2", Unit: "cup"}, r.Ingredients[1])
	require.Equal(t, "pinch of salt", r.Ingredients[2].Name)
	require.Equal(t, []importer.Step{{Position: 1, Text: "Slice apples."}, {Position: 2, Text: "Bake."}}, r.Steps)
	require.Equal(t, []string{"dessert", "pie", "apple"}, r.Tags)
	require.Equal(t, importer.SourceWebpage, r.SourceKind)
	require.Equal(t, "https://src.example/x", r.SourceURL)

	require.NotEmpty(t, phases)
	require.Equal(t, importer.StatusProcessing, phases[0].Phase)
	require.Equal(t, 100, phases[len(phases)-1].Percent)
}

func TestExtractWebpageFallsBackToModel(t *testing.T) {
	t.Parallel()

	c := writeContent(t, importer.SourceWebpage, map[string]string{"page.html": "text/html"})
	write(t, c.Files[0].Path, `<html><body><article><h1>Ramen</h1><ul><li>1 pack noodles</li></ul><p>Boil.</p></article><script>x()</script></body></html>`)

	model := &fakeModel{configured: true, out: modelRecipe}
	r, err := New(model, nil).Extract(context.Background(), c, nil)
	require.NoError(t, err)
	require.Len(t, model.prompts, 1)
	require.Contains(t, model.prompts[0], "1 pack noodles")
	require.NotContains(t, model.prompts[0], "x()")

	require.Equal(t, "Ramen", r.Title)
	require.Equal(t, "2", r.Servings)
	require.Equal(t, 10, r.PrepMinutes)
	require.Equal(t, 5, r.CookMinutes)
	require.Equal(t, []importer.Ingredient{{Name: "noodles", Quantity: "1", Unit: "pack"}}, r.Ingredients)
	require.Len(t, r.Steps, 1)
	require.Equal(t, []string{"quick"}, r.Tags)
}

func TestExtractWebpageWithoutModel(t *testing.T) {
	t.Parallel()

	c := writeContent(t, importer.SourceWebpage, map[string]string{"page.html": "text/html"})
	write(t, c.Files[0].Path, `<html><body><p>Just a story.</p></body></html>`)

	_, err := New(nil, nil).Extract(context.Background(), c, nil)
	require.ErrorIs(t, err, llm.ErrNotConfigured)
}

func TestExtractVideo(t *testing.T) {
	t.Parallel()

	c := writeContent(t, importer.SourceVideo, map[string]string{
		"video.info.json": "application/json",
		"video.en.vtt":    "text/vtt",
	})
	for _, f := range c.Files {
		if strings.HasSuffix(f.Path, ".json") {
			write(t, f.Path, `{"title":"Ramen in 5","description":"Quick noodles"}`)
		} else {
			write(t, f.Path, "WEBVTT\n\n00:00.000 --> 00:02.000\nboil the <c>water</c>\n\n00:02.000 --> 00:04.000\nboil the water\nadd noodles\n")
		}
	}
	model := &fakeModel{configured: true, out: `{"title":"","ingredients":[{"name":"noodles"}],"steps":["Boil."]}`}
	r, err := New(model, nil).Extract(context.Background(), c, nil)
	require.NoError(t, err)
	require.Equal(t, "Ramen in 5", r.Title)
	require.Contains(t, model.prompts[0], "boil the water add noodles")
	require.Contains(t, model.prompts[0], "Quick noodles")
}

func TestExtractImages(t *testing.T) {
	t.Parallel()

	c := writeContent(t, importer.SourceImage, map[string]string{"a.png": "image/png", "b.jpg": "image/jpeg"})
	for _, f := range c.Files {
		write(t, f.Path, "img")
	}
	model := &fakeModel{configured: true, out: modelRecipe}
	r, err := New(model, nil).Extract(context.Background(), c, nil)
	require.NoError(t, err)
	require.Equal(t, 2, model.images)
	require.Equal(t, "Ramen", r.Title)
}

func TestExtractRejectsEmptyDraft(t *testing.T) {
	t.Parallel()

	c := writeContent(t, importer.SourceImage, map[string]string{"a.png": "image/png"})
	write(t, c.Files[0].Path, "img")

	model := &fakeModel{configured: true, out: `{"title":"","ingredients":[]}`}
	_, err := New(model, nil).Extract(context.Background(), c, nil)
	require.ErrorContains(t, err, "no recipe found")

	model = &fakeModel{configured: true, err: errors.New("upstream down")}
	_, err = New(model, nil).Extract(context.Background(), c, nil)
	require.ErrorContains(t, err, "upstream down")
}

func TestExtractUnsupportedKind(t *testing.T) {
	t.Parallel()

	_, err := New(nil, nil).Extract(context.Background(), &importer.Content{Kind: "fax"}, nil)
	require.Error(t, err)
	_, err = New(nil, nil).Extract(context.Background(), nil, nil)
	require.Error(t, err)
}
