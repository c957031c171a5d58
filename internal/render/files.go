package render

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// templateFile is the on-disk layout of one template.
type templateFile struct {
	ID      string `yaml:"id"`
	Version int    `yaml:"version"`
	Subject string `yaml:"subject"`
	HTML    string `yaml:"html"`
	Text    string `yaml:"text"`
}

// LoadDir reads every *.yaml and *.yml file in dir into a MapSource. A
// file without an id uses its base name.
func LoadDir(dir string) (*MapSource, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read templates dir %s: %w", dir, err)
	}
	src := NewMapSource()
	for _, e := range entries {
		ext := filepath.Ext(e.Name())
		if e.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var f templateFile
		if err := yaml.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("parse template %s: %w", e.Name(), err)
		}
		if f.ID == "" {
			f.ID = strings.TrimSuffix(e.Name(), ext)
		}
		if f.HTML == "" && f.Text == "" {
			return nil, fmt.Errorf("template %s has no html or text body", f.ID)
		}
		src.Put(&Template{ID: f.ID, Version: f.Version, Subject: f.Subject, HTML: f.HTML, Text: f.Text})
	}
	return src, nil
}
