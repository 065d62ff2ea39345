package api

import (
	"fmt"
	"net/http"

	"github.com/mattjoyce/fontbridge/internal/auth"
	"github.com/mattjoyce/fontbridge/internal/catalog"
)

// handleOpenAPI handles GET /openapi.json.
func (s *Server) handleOpenAPI(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, buildOpenAPIDoc(s.exec.Catalog(), s.config.Version))
}

// buildOpenAPIDoc returns an OpenAPI 3.1 document with one POST path per
// catalog operation.
func buildOpenAPIDoc(reg *catalog.Registry, version string) map[string]any {
	if version == "" {
		version = "dev"
	}
	paths := map[string]any{}
	for _, op := range reg.All() {
		paths["/v1/operations/"+op.Name] = map[string]any{
			"post": operationItem(op),
		}
	}

	return map[string]any{
		"openapi": "3.1.0",
		"info": map[string]any{
			"title":   "FontLab Bridge",
			"version": version,
		},
		"paths": paths,
		"components": map[string]any{
			"schemas": map[string]any{
				"Result": resultSchema(),
			},
			"securitySchemes": map[string]any{
				"BearerAuth": map[string]any{
					"type":   "http",
					"scheme": "bearer",
				},
			},
		},
	}
}

func operationItem(op *catalog.Operation) map[string]any {
	summary := op.Description
	if summary == "" {
		summary = op.Name
	}
	result := map[string]any{
		"content": map[string]any{
			"application/json": map[string]any{
				"schema": map[string]any{"$ref": "#/components/schemas/Result"},
			},
		},
	}
	return map[string]any{
		"operationId": op.Name,
		"summary":     summary,
		"tags":        []string{string(op.Kind)},
		"parameters": []any{map[string]any{
			"name":        "timeout",
			"in":          "query",
			"required":    false,
			"description": "Host timeout, clamped to the configured ceiling",
			"schema":      map[string]any{"type": "string"},
		}},
		"requestBody": map[string]any{
			"required": false,
			"content": map[string]any{
				"application/json": map[string]any{"schema": op.InputSchema()},
			},
		},
		"responses": map[string]any{
			"200": withDescription(result, "Operation succeeded"),
			"400": withDescription(result, "Validation failed"),
			"403": map[string]any{"description": fmt.Sprintf("Requires scope %s", auth.RequiredScope(op.IsWrite()))},
			"503": withDescription(result, "All execution slots busy"),
			"504": withDescription(result, "Host timed out"),
		},
		"security": []any{map[string]any{"BearerAuth": []string{}}},
	}
}

func withDescription(item map[string]any, desc string) map[string]any {
	out := make(map[string]any, len(item)+1)
	for k, v := range item {
		out[k] = v
	}
	out["description"] = desc
	return out
}

func resultSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"success":  map[string]any{"type": "boolean"},
			"data":     map[string]any{},
			"message":  map[string]any{"type": "string"},
			"error":    map[string]any{"type": "string"},
			"category": map[string]any{"type": "string"},
		},
		"required": []string{"success"},
	}
}
