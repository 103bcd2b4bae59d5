package translator

// harmCategories are the known upstream safety categories; every request pins
// them all to BLOCK_NONE.
var harmCategories = []string{
	"HARM_CATEGORY_HARASSMENT",
	"HARM_CATEGORY_HATE_SPEECH",
	"HARM_CATEGORY_SEXUALLY_EXPLICIT",
	"HARM_CATEGORY_DANGEROUS_CONTENT",
	"HARM_CATEGORY_CIVIC_INTEGRITY",
	"HARM_CATEGORY_DEROGATORY",
	"HARM_CATEGORY_TOXICITY",
	"HARM_CATEGORY_VIOLENCE",
	"HARM_CATEGORY_SEXUAL",
	"HARM_CATEGORY_MEDICAL",
}

func buildSafetySettings() []interface{} {
	out := make([]interface{}, 0, len(harmCategories))
	for _, cat := range harmCategories {
		out = append(out, map[string]interface{}{
			"category":  cat,
			"threshold": "BLOCK_NONE",
		})
	}
	return out
}
