package compliance

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"
)

// frameworkSchema validates framework definition files before any rule is
// compiled. Definitions that fail the schema never reach the registry.
const frameworkSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["id", "name", "version", "rules"],
  "properties": {
    "id": {"type": "string", "minLength": 1},
    "name": {"type": "string", "minLength": 1},
    "version": {"type": "string", "pattern": "^[0-9]+\\.[0-9]+\\.[0-9]+"},
    "rules": {
      "type": "array",
      "minItems": 1,
      "items": {
        "type": "object",
        "required": ["id", "description", "severity", "expr"],
        "properties": {
          "id": {"type": "string", "minLength": 1},
          "description": {"type": "string", "minLength": 1},
          "severity": {"enum": ["critical", "high", "medium", "low"]},
          "remedy": {"type": "string"},
          "expr": {"type": "string", "minLength": 1}
        }
      }
    }
  }
}`

type frameworkDoc struct {
	ID      string    `yaml:"id" json:"id"`
	Name    string    `yaml:"name" json:"name"`
	Version string    `yaml:"version" json:"version"`
	Rules   []ruleDoc `yaml:"rules" json:"rules"`
}

type ruleDoc struct {
	ID          string `yaml:"id" json:"id"`
	Description string `yaml:"description" json:"description"`
	Severity    string `yaml:"severity" json:"severity"`
	Remedy      string `yaml:"remedy,omitempty" json:"remedy,omitempty"`
	Expr        string `yaml:"expr" json:"expr"`
}

func compiledFrameworkSchema() (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	const url = "https://privateinsight.schemas.local/framework.schema.json"
	if err := c.AddResource(url, strings.NewReader(frameworkSchema)); err != nil {
		return nil, fmt.Errorf("compliance: load framework schema: %w", err)
	}
	schema, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compliance: compile framework schema: %w", err)
	}
	return schema, nil
}

// ParseFramework parses and validates a YAML framework definition.
func ParseFramework(data []byte) (Framework, error) {
	var doc frameworkDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return Framework{}, fmt.Errorf("compliance: parse framework yaml: %w", err)
	}

	// Schema validation happens on the JSON shape of the document.
	schema, err := compiledFrameworkSchema()
	if err != nil {
		return Framework{}, err
	}
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return Framework{}, fmt.Errorf("compliance: framework to json: %w", err)
	}
	var generic any
	if err := json.Unmarshal(jsonBytes, &generic); err != nil {
		return Framework{}, fmt.Errorf("compliance: framework from json: %w", err)
	}
	if err := schema.Validate(generic); err != nil {
		return Framework{}, fmt.Errorf("compliance: framework definition invalid: %w", err)
	}

	version, err := semver.NewVersion(doc.Version)
	if err != nil {
		return Framework{}, fmt.Errorf("compliance: framework version %q: %w", doc.Version, err)
	}

	fw := Framework{ID: doc.ID, Name: doc.Name, Version: version}
	for _, r := range doc.Rules {
		fw.Rules = append(fw.Rules, Rule{
			ID:          r.ID,
			Description: r.Description,
			Severity:    Severity(r.Severity),
			Remedy:      r.Remedy,
			Expr:        r.Expr,
		})
	}
	return fw, nil
}

// LoadFrameworkFile loads a framework definition from a YAML file.
func LoadFrameworkFile(path string) (Framework, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Framework{}, fmt.Errorf("compliance: read framework file: %w", err)
	}
	return ParseFramework(data)
}
