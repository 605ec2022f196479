// Package queryrunner implements the service side of the job engine: a
// cone-search query service over a source catalog, described by a YAML
// service descriptor. Each executing job runs one query and publishes
// its matches as a result artifact.
package queryrunner

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Descriptor defines the query service exposed over the job interface.
type Descriptor struct {
	Name        string        `yaml:"name"`
	Description string        `yaml:"description"`
	Catalog     CatalogConfig `yaml:"catalog"`
	Query       QueryConfig   `yaml:"query"`
	Output      OutputConfig  `yaml:"output"`
}

type CatalogConfig struct {
	// Path is the CSV source catalog (columns: id, ra, dec, mag).
	Path string `yaml:"path"`
}

type QueryConfig struct {
	// MaxRadius caps the search radius in degrees.
	MaxRadius float64 `yaml:"max_radius"`
	// DefaultRadius applies when the job omits SR.
	DefaultRadius float64 `yaml:"default_radius"`
}

type OutputConfig struct {
	// Formats lists the accepted FORMAT values.
	Formats []string `yaml:"formats"`
	// DefaultFormat applies when the job omits FORMAT.
	DefaultFormat string `yaml:"default_format"`
}

// LoadDescriptor reads and validates a service descriptor from a YAML
// file.
func LoadDescriptor(path string) (*Descriptor, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("service descriptor not found: %s", path)
		}
		return nil, fmt.Errorf("read service descriptor: %w", err)
	}
	return LoadDescriptorFromBytes(data)
}

// LoadDescriptorFromBytes parses and validates a descriptor from raw
// YAML.
func LoadDescriptorFromBytes(data []byte) (*Descriptor, error) {
	if len(data) == 0 {
		return nil, errors.New("service descriptor is empty")
	}
	var d Descriptor
	if err := yaml.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse service descriptor: %w", err)
	}
	d.ApplyDefaults()
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// ApplyDefaults fills optional fields with their defaults.
func (d *Descriptor) ApplyDefaults() {
	if d.Name == "" {
		d.Name = "cone-search"
	}
	if d.Query.MaxRadius <= 0 {
		d.Query.MaxRadius = 10
	}
	if d.Query.DefaultRadius <= 0 {
		d.Query.DefaultRadius = 0.1
	}
	if len(d.Output.Formats) == 0 {
		d.Output.Formats = []string{"csv", "json"}
	}
	if d.Output.DefaultFormat == "" {
		d.Output.DefaultFormat = d.Output.Formats[0]
	}
}

// Validate checks the descriptor for internal consistency.
func (d *Descriptor) Validate() error {
	if strings.TrimSpace(d.Catalog.Path) == "" {
		return errors.New("service descriptor: catalog.path is required")
	}
	if d.Query.DefaultRadius > d.Query.MaxRadius {
		return fmt.Errorf("service descriptor: default_radius %g exceeds max_radius %g", d.Query.DefaultRadius, d.Query.MaxRadius)
	}
	hasDefault := false
	for _, f := range d.Output.Formats {
		if strings.EqualFold(f, d.Output.DefaultFormat) {
			hasDefault = true
		}
		if !strings.EqualFold(f, "csv") && !strings.EqualFold(f, "json") {
			return fmt.Errorf("service descriptor: unsupported output format %q", f)
		}
	}
	if !hasDefault {
		return fmt.Errorf("service descriptor: default_format %q is not among formats", d.Output.DefaultFormat)
	}
	return nil
}
