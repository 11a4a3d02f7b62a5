package handlers

import "github.com/xeipuuv/gojsonschema"

var CompressRequestSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"postId": {
			"type": "integer",
			"minimum": 1
		},
		"wpMediaPath": {
			"type": "string",
			"minLength": 1
		},
		"wpVideoUrl": {
			"type": "string",
			"format": "uri"
		},
		"wpThumbnailPath": {
			"type": "string"
		},
		"wpThumbnailUrl": {
			"type": "string",
			"format": "uri"
		},
		"wpPostUrl": {
			"type": "string"
		},
		"year": {
			"type": "integer",
			"minimum": 2000,
			"maximum": 2100
		},
		"month": {
			"type": "integer",
			"minimum": 1,
			"maximum": 12
		}
	},
	"required": ["postId", "wpMediaPath", "year", "month"],
	"additionalProperties": false
}`

var WebhookActionSchemaDefinition string = `{
	"type": "object",
	"properties": {
		"action": {
			"type": "string",
			"enum": ["acknowledge", "status", "retry", "cancel"]
		},
		"jobId": {
			"type": "string",
			"minLength": 1
		}
	},
	"required": ["action"],
	"additionalProperties": false
}`

var inputSchemas map[string]string = map[string]string{
	"Compress":      CompressRequestSchemaDefinition,
	"WebhookAction": WebhookActionSchemaDefinition,
}

func compileJsonSchemas() map[string]*gojsonschema.Schema {
	compiled := make(map[string]*gojsonschema.Schema, 0)
	for name, text := range inputSchemas {
		schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(text))
		if err != nil {
			// a broken schema is a programming error, fail at startup
			panic(err)
		}
		compiled[name] = schema
	}
	return compiled
}

// Compiled once at program start.
var inputSchemasCompiled map[string]*gojsonschema.Schema = compileJsonSchemas()
