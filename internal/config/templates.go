package config

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

//go:embed defaults/templates.yaml
var defaultTemplates []byte

type TemplateSpec struct {
	Subject string `yaml:"subject"`
	Body    string `yaml:"body"`
}

type Catalog struct {
	Templates map[string]TemplateSpec `yaml:"templates"`
}

func (c *Catalog) Lookup(key string) (TemplateSpec, bool) {
	t, ok := c.Templates[key]
	return t, ok
}

// LoadTemplates parses the embedded catalog and overlays path when given.
func LoadTemplates(path string) (*Catalog, error) {
	cat, err := ParseTemplates(defaultTemplates)
	if err != nil {
		return nil, fmt.Errorf("default templates: %w", err)
	}
	if path == "" {
		return cat, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	extra, err := ParseTemplates(data)
	if err != nil {
		return nil, fmt.Errorf("templates %s: %w", path, err)
	}
	for k, v := range extra.Templates {
		cat.Templates[k] = v
	}
	return cat, nil
}

func ParseTemplates(data []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, err
	}
	if c.Templates == nil {
		c.Templates = map[string]TemplateSpec{}
	}
	for k, t := range c.Templates {
		if t.Subject == "" && t.Body == "" {
			return nil, fmt.Errorf("template %q is empty", k)
		}
	}
	return &c, nil
}
