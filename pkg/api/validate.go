package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const maxBodyBytes = 1 << 20

func mustSchema(name, src string) *jsonschema.Schema {
	s, err := jsonschema.CompileString(name, src)
	if err != nil {
		panic(fmt.Sprintf("api: bad schema %s: %v", name, err))
	}
	return s
}

var (
	checkSchema = mustSchema("check.json", `{
		"type": "object",
		"required": ["action", "actor"],
		"properties": {
			"action":   {"type": "string", "minLength": 1},
			"actor":    {"type": "string", "minLength": 1},
			"resource": {"type": "object"},
			"context":  {"type": "object"},
			"simulate": {"type": "boolean"}
		}
	}`)

	policySchema = mustSchema("policy.json", `{
		"type": "object",
		"required": ["policyId", "name", "severity", "rule"],
		"properties": {
			"policyId": {"type": "string", "minLength": 1},
			"name":     {"type": "string", "minLength": 1},
			"severity": {"enum": ["LOW", "MEDIUM", "HIGH", "CRITICAL"]},
			"rule":     {},
			"metadata": {"type": "object"},
			"version":  {"type": "integer", "minimum": 1}
		}
	}`)

	signSchema = mustSchema("sign.json", `{
		"type": "object",
		"required": ["manifest"],
		"properties": {
			"manifest": {
				"type": "object",
				"required": ["id", "version"],
				"properties": {
					"id":      {"type": "string", "minLength": 1},
					"version": {"type": "string", "minLength": 1},
					"body":    {"type": "object"}
				}
			}
		}
	}`)

	auditSchema = mustSchema("audit.json", `{
		"type": "object",
		"required": ["eventType", "payload"],
		"properties": {
			"eventType": {"type": "string", "minLength": 1},
			"payload":   {"type": "object"}
		}
	}`)

	upgradeSchema = mustSchema("upgrade.json", `{
		"type": "object",
		"required": ["manifest"],
		"properties": {
			"manifest": {
				"type": "object",
				"required": ["upgradeId"],
				"properties": {
					"upgradeId": {"type": "string", "minLength": 1},
					"subject":   {"type": "string"}
				}
			}
		}
	}`)

	nodeSchema = mustSchema("node.json", `{
		"type": "object",
		"properties": {
			"owner":      {"type": "string"},
			"namespace":  {"type": "string"},
			"kind":       {"type": "string"},
			"content":    {"type": "object"},
			"ttlSeconds": {"type": "integer", "minimum": 0},
			"embedding": {
				"type": "object",
				"required": ["vector"],
				"properties": {
					"model":     {"type": "string"},
					"dimension": {"type": "integer", "minimum": 1},
					"vector":    {"type": "array", "items": {"type": "number"}}
				}
			},
			"artifacts": {"type": "array"}
		}
	}`)

	searchSchema = mustSchema("search.json", `{
		"type": "object",
		"required": ["queryEmbedding"],
		"properties": {
			"queryEmbedding": {"type": "array", "items": {"type": "number"}, "minItems": 1},
			"topK":           {"type": "integer", "minimum": 1},
			"namespace":      {"type": "string"}
		}
	}`)

	evalSchema = mustSchema("eval.json", `{
		"type": "object",
		"required": ["agentId", "components"],
		"properties": {
			"agentId":    {"type": "string", "minLength": 1},
			"components": {"type": "object", "minProperties": 1},
			"samples":    {"type": "integer", "minimum": 0},
			"windowEnd":  {"type": "string"}
		}
	}`)

	allocRequestSchema = mustSchema("alloc_request.json", `{
		"type": "object",
		"required": ["pool", "delta", "entityId"],
		"properties": {
			"pool":     {"type": "string", "minLength": 1},
			"delta":    {"type": "integer"},
			"entityId": {"type": "string", "minLength": 1},
			"budgeted": {"type": "boolean"}
		}
	}`)
)

// readBody reads and bounds the request body.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	return io.ReadAll(r.Body)
}

// decodeValidated parses body into dst after schema validation. The
// returned error message is caller-safe.
func decodeValidated(body []byte, schema *jsonschema.Schema, dst interface{}) error {
	var generic interface{}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("invalid JSON body")
	}
	if err := schema.Validate(generic); err != nil {
		return fmt.Errorf("request does not match schema: %v", err)
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return fmt.Errorf("invalid request body")
	}
	return nil
}
