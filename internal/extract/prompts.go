package extract

const systemPrompt = `You convert cooking material into a recipe. Reply with one JSON object:
{"title": string, "description": string, "servings": string, "prep_minutes": int, "cook_minutes": int,
 "ingredients": [{"name": string, "quantity": string, "unit": string, "note": string}],
 "steps": [string], "tags": [string]}
Use empty strings or 0 when unknown. If there is no recipe, return {"title": "", "ingredients": []}.`

const webpagePrompt = "Extract the recipe from this webpage text.\nTitle: %s\nURL: %s\n\n%s"

const videoPrompt = "Extract the recipe shown in this cooking video.\nTitle: %s\nURL: %s\n\nDescription:\n%s\n\nTranscript:\n%s"

const imagePrompt = "Extract the recipe from these %d photo(s) of a recipe card, cookbook page or screenshot."
