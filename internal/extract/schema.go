package extract

func stringProp() map[string]any {
	return map[string]any{"type": "string"}
}

func scoreProp() map[string]any {
	return map[string]any{"type": "number", "minimum": 0.0, "maximum": 1.0}
}

func vehicleProps() map[string]any {
	return map[string]any{
		"make":               stringProp(),
		"model":              stringProp(),
		"color":              stringProp(),
		"licensePlateState":  stringProp(),
		"licensePlateNumber": stringProp(),
	}
}

func paperworkInfoSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"vin":                map[string]any{"type": "string", "maxLength": 17},
			"licensePlateNumber": stringProp(),
			"licensePlateState":  stringProp(),
			"make":               stringProp(),
			"model":              stringProp(),
			"registrantName":     stringProp(),
		},
		"additionalProperties": false,
	}
}

// ViolationSchema is what the model must return for a case analysis. Details
// may come back as a bare string; it is normalized to a language map afterwards.
func ViolationSchema() map[string]any {
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"violationType", "details", "images"},
		"properties": map[string]any{
			"violationType": map[string]any{"type": "string", "minLength": 1},
			"language":      map[string]any{"type": "string", "minLength": 2, "maxLength": 8},
			"details": map[string]any{
				"anyOf": []any{
					map[string]any{"type": "string", "minLength": 1},
					map[string]any{
						"type":                 "object",
						"minProperties":        1,
						"additionalProperties": map[string]any{"type": "string"},
					},
				},
			},
			"vehicle": map[string]any{
				"type":                 "object",
				"properties":           vehicleProps(),
				"additionalProperties": false,
			},
			"images": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type":     "object",
					"required": []any{"representationScore"},
					"properties": map[string]any{
						"representationScore": scoreProp(),
						"violation":           map[string]any{"type": "boolean"},
						"paperwork":           map[string]any{"type": "boolean"},
					},
				},
			},
		},
	}
}

// PaperworkSchema covers OCR of one registration/ownership document.
func PaperworkSchema() map[string]any {
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"text", "info"},
		"properties": map[string]any{
			"text": stringProp(),
			"info": paperworkInfoSchema(),
		},
	}
}

// EmailSchema is the shape of a drafted report email.
func EmailSchema() map[string]any {
	return map[string]any{
		"$schema":  "https://json-schema.org/draft/2020-12/schema",
		"type":     "object",
		"required": []any{"subject", "body"},
		"properties": map[string]any{
			"subject": map[string]any{"type": "string", "minLength": 1, "maxLength": 200},
			"body":    map[string]any{"type": "string", "minLength": 1},
		},
		"additionalProperties": false,
	}
}

// OverrideSchema validates user-supplied analysis corrections. Every field is optional.
func OverrideSchema() map[string]any {
	vehicle := vehicleProps()
	for k := range vehicle {
		vehicle[k] = map[string]any{"type": "string", "minLength": 1}
	}
	return map[string]any{
		"$schema": "https://json-schema.org/draft/2020-12/schema",
		"type":    "object",
		"properties": map[string]any{
			"violationType": map[string]any{"type": "string", "minLength": 1},
			"details": map[string]any{
				"type":                 "object",
				"additionalProperties": map[string]any{"type": "string"},
			},
			"vehicle": map[string]any{
				"type":                 "object",
				"properties":           vehicle,
				"additionalProperties": false,
			},
			"images": map[string]any{
				"type": "object",
				"additionalProperties": map[string]any{
					"type":     "object",
					"required": []any{"representationScore"},
					"properties": map[string]any{
						"representationScore": scoreProp(),
						"violation":           map[string]any{"type": "boolean"},
						"paperwork":           map[string]any{"type": "boolean"},
						"paperworkText":       stringProp(),
						"paperworkInfo":       paperworkInfoSchema(),
					},
					"additionalProperties": false,
				},
			},
		},
		"additionalProperties": false,
	}
}
