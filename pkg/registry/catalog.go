package registry

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sketchflow/sketchflow/internal/model"
)

// catalogEntry is the on-disk shape of one analyzer definition. Timeout is
// a duration string ("2m", "90s") so catalog files stay readable.
type catalogEntry struct {
	Name        string   `yaml:"name"`
	DisplayName string   `yaml:"display_name"`
	DependsOn   []string `yaml:"depends_on"`
	Timeout     string   `yaml:"timeout"`
	MaxRetries  int      `yaml:"max_retries"`
}

type catalogFile struct {
	Analyzers []catalogEntry `yaml:"analyzers"`
}

// LoadCatalog reads an analyzer catalog from a YAML file and registers
// every definition, filling defaults where the file leaves them out. The
// first failure stops the load.
func LoadCatalog(r *Registry, path string, defaultTimeout time.Duration, defaultRetries int) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read catalog: %w", err)
	}

	var catalog catalogFile
	if err := yaml.Unmarshal(data, &catalog); err != nil {
		return fmt.Errorf("failed to parse catalog: %w", err)
	}

	for _, entry := range catalog.Analyzers {
		def := &model.AnalyzerDefinition{
			Name:        entry.Name,
			DisplayName: entry.DisplayName,
			DependsOn:   entry.DependsOn,
			Timeout:     defaultTimeout,
			MaxRetries:  entry.MaxRetries,
		}
		if entry.Timeout != "" {
			d, err := time.ParseDuration(entry.Timeout)
			if err != nil {
				return fmt.Errorf("analyzer %s: invalid timeout %q: %w", entry.Name, entry.Timeout, err)
			}
			def.Timeout = d
		}
		if def.MaxRetries == 0 {
			def.MaxRetries = defaultRetries
		}
		if err := r.Register(def); err != nil {
			return err
		}
	}
	return nil
}
