package gemini

import "github.com/google/generative-ai-go/genai"

// structuredOutputSchema describes StructuredOutput in the subset of OpenAPI that
// Gemini accepts as a response schema.
func structuredOutputSchema() *genai.Schema {
	str := func() *genai.Schema { return &genai.Schema{Type: genai.TypeString} }
	strList := func() *genai.Schema { return &genai.Schema{Type: genai.TypeArray, Items: str()} }

	return &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"answer":      str(),
			"explanation": str(),
			"sources": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"url":   str(),
						"title": str(),
					},
					Required: []string{"url"},
				},
			},
			"facts":    strList(),
			"code":     str(),
			"language": str(),
			"actions": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"tool":       str(),
						"parameters": strList(),
						"result":     str(),
					},
					Required: []string{"tool"},
				},
			},
			"nerd_stats": {
				Type: genai.TypeArray,
				Items: &genai.Schema{
					Type: genai.TypeObject,
					Properties: map[string]*genai.Schema{
						"key":   str(),
						"value": str(),
					},
					Required: []string{"key", "value"},
				},
			},
		},
		Required: []string{"answer"},
	}
}
