package config

import (
	"embed"
	"fmt"
	"sync"

	configschema "github.com/opal-compute/gateway/core/infra/schema"
	"gopkg.in/yaml.v3"
)

//go:embed schema/*.schema.json
var schemaFS embed.FS

var (
	compiledMu sync.Mutex
	compiled   = map[string]*configschema.Compiled{}
)

// checkDocument validates YAML or JSON data against schema/<doc>.schema.json
// and reports the first violation.
func checkDocument(doc string, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	c, err := documentSchema(doc)
	if err != nil {
		return err
	}
	var payload any
	if err := yaml.Unmarshal(data, &payload); err != nil {
		return fmt.Errorf("parse %s config: %w", doc, err)
	}
	if err := c.Validate(payload); err != nil {
		return fmt.Errorf("validate %s config: %s", doc, configschema.FirstViolation(err))
	}
	return nil
}

func documentSchema(doc string) (*configschema.Compiled, error) {
	compiledMu.Lock()
	defer compiledMu.Unlock()
	if c, ok := compiled[doc]; ok {
		return c, nil
	}
	raw, err := schemaFS.ReadFile("schema/" + doc + ".schema.json")
	if err != nil {
		return nil, fmt.Errorf("load %s schema: %w", doc, err)
	}
	c, err := configschema.Compile("config-"+doc, raw)
	if err != nil {
		return nil, fmt.Errorf("compile %s schema: %w", doc, err)
	}
	compiled[doc] = c
	return c, nil
}
