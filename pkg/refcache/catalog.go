package refcache

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// CatalogEntry is one record of the startup catalog: a natural key plus the
// remote files backing it.
type CatalogEntry struct {
	Provider      string `yaml:"provider" json:"provider"`
	Species       string `yaml:"species" json:"species"`
	Assembly      string `yaml:"assembly" json:"assembly"`
	SequenceURL   string `yaml:"sequence_url" json:"sequence_url"`
	AnnotationURL string `yaml:"annotation_url,omitempty" json:"annotation_url,omitempty"`
}

// Key returns the entry's natural key.
func (e CatalogEntry) Key() Key {
	return Key{Provider: e.Provider, Species: e.Species, Assembly: e.Assembly}
}

// Validate checks required fields. The annotation URL, when present, must
// name a GFF-family file; GTF input is rejected here, before any network
// access, rather than silently converted.
func (e CatalogEntry) Validate() error {
	var missing []string
	if e.Provider == "" {
		missing = append(missing, "provider")
	}
	if e.Species == "" {
		missing = append(missing, "species")
	}
	if e.Assembly == "" {
		missing = append(missing, "assembly")
	}
	if e.SequenceURL == "" {
		missing = append(missing, "sequence_url")
	}
	if len(missing) > 0 {
		return fmt.Errorf("catalog entry %s/%s/%s: missing required field(s) %s",
			e.Provider, e.Species, e.Assembly, strings.Join(missing, ", "))
	}
	if e.AnnotationURL != "" {
		if err := ValidateAnnotationURL(e.AnnotationURL); err != nil {
			return err
		}
	}
	return nil
}

type catalogFile struct {
	Sources []CatalogEntry `yaml:"sources"`
}

// LoadCatalog reads the YAML catalog at path. A missing required field on
// any record rejects the whole load, naming the offending record.
func LoadCatalog(path string) ([]CatalogEntry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	var cf catalogFile
	if err := yaml.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("parse catalog %s: %w", path, err)
	}
	for i, e := range cf.Sources {
		if err := e.Validate(); err != nil {
			return nil, fmt.Errorf("catalog %s: source %d: %w", path, i, err)
		}
	}
	return cf.Sources, nil
}

// Compression suffixes stripped before deciding the annotation family.
var compressionSuffixes = []string{".gz", ".bgz", ".bz2", ".xz"}

// ValidateAnnotationURL accepts only the GFF family (.gff, .gff3), optionally
// compressed. GTF-family input is a hard validation failure; so is a suffix
// we cannot classify, since guessing would defer the failure until after
// download.
func ValidateAnnotationURL(url string) error {
	name := strings.ToLower(url)
	if i := strings.IndexAny(name, "?#"); i >= 0 {
		name = name[:i]
	}
	for _, s := range compressionSuffixes {
		name = strings.TrimSuffix(name, s)
	}
	switch {
	case strings.HasSuffix(name, ".gff3"), strings.HasSuffix(name, ".gff"):
		return nil
	case strings.HasSuffix(name, ".gtf"):
		return fmt.Errorf("%w: GTF annotation %q; only GFF3 is accepted", ErrUnsupportedFormat, url)
	default:
		return fmt.Errorf("%w: cannot classify annotation %q as GFF family", ErrUnsupportedFormat, url)
	}
}
