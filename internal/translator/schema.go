package translator

// StructuredOutputSchema returns the JSON Schema describing StructuredOutput for providers
// that accept a schema-constrained response_format. Strict schemas forbid additional
// properties on every object.
func StructuredOutputSchema(strict bool) map[string]any {
	object := func(properties map[string]any, required ...string) map[string]any {
		schema := map[string]any{
			"type":       "object",
			"properties": properties,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		if strict {
			schema["additionalProperties"] = false
		}
		return schema
	}
	str := func() map[string]any { return map[string]any{"type": "string"} }
	arrayOf := func(items map[string]any) map[string]any {
		return map[string]any{"type": "array", "items": items}
	}

	return object(map[string]any{
		"answer":      str(),
		"explanation": str(),
		"code":        str(),
		"language":    str(),
		"facts":       arrayOf(str()),
		"sources": arrayOf(object(map[string]any{
			"url":   str(),
			"title": str(),
		}, "url")),
		"actions": arrayOf(object(map[string]any{
			"tool":       str(),
			"parameters": arrayOf(str()),
			"result":     str(),
		}, "tool")),
		"nerd_stats": arrayOf(object(map[string]any{
			"key":   str(),
			"value": str(),
		}, "key", "value")),
	}, "answer")
}

// JSONSchemaResponseFormat wraps the StructuredOutput schema in an OpenAI-style
// response_format block.
func JSONSchemaResponseFormat(name string, strict bool) map[string]any {
	jsonSchema := map[string]any{
		"schema": StructuredOutputSchema(strict),
	}
	if name != "" {
		jsonSchema["name"] = name
	}
	if strict {
		jsonSchema["strict"] = true
	}
	return map[string]any{
		"type":        "json_schema",
		"json_schema": jsonSchema,
	}
}
