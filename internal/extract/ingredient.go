package extract

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/recipe-importer/internal/importer"
)

var quantityPattern = regexp.MustCompile(`^((?:\d+\s+)?\d+(?:[./]\d+)?|[¼½¾⅓⅔⅛]|\d+[¼½¾⅓⅔⅛])(?:\s*(?:-|to)\s*\d+(?:[./]\d+)?)?\s+`)

var units = map[string]string{
	"cup": "cup", "cups": "cup", "c": "cup",
	"tablespoon": "tbsp", "tablespoons": "tbsp", "tbsp": "tbsp", "tbs": "tbsp", "tbsp.": "tbsp",
	"teaspoon": "tsp", "teaspoons": "tsp", "tsp": "tsp", "tsp.": "tsp",
	"gram": "g", "grams": "g", "g": "g",
	"kilogram": "kg", "kilograms": "kg", "kg": "kg",
	"milliliter": "ml", "milliliters": "ml", "ml": "ml",
	"liter": "l", "liters": "l", "l": "l",
	"ounce": "oz", "ounces": "oz", "oz": "oz", "oz.": "oz",
	"pound": "lb", "pounds": "lb", "lb": "lb", "lbs": "lb", "lb.": "lb",
	"pinch": "pinch", "clove": "clove", "cloves": "clove", "can": "can", "cans": "can",
}

// ParseIngredientLine splits "1 1/2 cups flour, sifted" into quantity, unit,
// name and note. Lines without a leading quantity become a bare name.
func ParseIngredientLine(line string) importer.Ingredient {
	rest := cleanText(line)
	var ing importer.Ingredient
	if m := quantityPattern.FindStringSubmatch(rest); m != nil {
		ing.Quantity = strings.TrimSpace(m[0])
		rest = rest[len(m[0]):]
		if word, after, ok := strings.Cut(rest, " "); ok {
			if unit, known := units[strings.ToLower(word)]; known {
				ing.Unit = unit
				rest = after
			}
		}
	}
	if name, note, ok := strings.Cut(rest, ","); ok {
		rest = name
		ing.Note = strings.TrimSpace(note)
	}
	ing.Name = strings.TrimSpace(rest)
	return ing
}
