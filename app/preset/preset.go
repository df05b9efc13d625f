// Package preset loads the list of tasks to create at startup from YAML (or JSON) file
package preset

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/invopop/jsonschema"
	"gopkg.in/yaml.v3"
)

// Config is the preset file content
type Config struct {
	Tasks []TaskSpec `yaml:"tasks" json:"tasks" jsonschema:"required,minItems=1,description=tasks created at startup in the listed order"`
}

// TaskSpec describes a single preset task
type TaskSpec struct {
	Label string `yaml:"label" json:"label" jsonschema:"required,minLength=1,description=task display name"`
}

// Creator makes a task and returns its id
type Creator interface {
	Create(label string) int
}

// Load reads and validates preset file. Unknown fields are errors.
func Load(file string) (*Config, error) {
	data, err := os.ReadFile(file) //nolint:gosec // file from cli options
	if err != nil {
		return nil, fmt.Errorf("can't read preset %s: %w", file, err)
	}

	res := &Config{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(res); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("can't parse preset %s: %w", file, err)
	}
	if err := res.Validate(); err != nil {
		return nil, fmt.Errorf("invalid preset %s: %w", file, err)
	}
	return res, nil
}

// Validate checks that config has tasks and all labels are set
func (c *Config) Validate() error {
	if len(c.Tasks) == 0 {
		return fmt.Errorf("at least one task is required")
	}
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.Label) == "" {
			return fmt.Errorf("task %d: label is required", i+1)
		}
	}
	return nil
}

// Labels returns trimmed task labels in file order
func (c *Config) Labels() []string {
	res := make([]string, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		res = append(res, strings.TrimSpace(t.Label))
	}
	return res
}

// Apply creates all preset tasks and returns their ids in file order
func (c *Config) Apply(cr Creator) []int {
	ids := make([]int, 0, len(c.Tasks))
	for _, label := range c.Labels() {
		ids = append(ids, cr.Create(label))
	}
	return ids
}

// GenerateSchema generates a JSON schema for the Config struct
func GenerateSchema() *jsonschema.Schema {
	return jsonschema.Reflect(&Config{})
}
