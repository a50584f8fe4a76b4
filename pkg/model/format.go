package model

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// GeneratorSpec names the module (and its parameters) able to synthesize a
// data format when no step of the workflow produces it.
type GeneratorSpec struct {
	Module     string            `yaml:"module" json:"module"`
	Parameters map[string]string `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Format identifies the type of data flowing through a port.
type Format struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Prefix      string         `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Extensions  []string       `yaml:"extensions,omitempty" json:"extensions,omitempty"`
	MaxFiles    int            `yaml:"max_files,omitempty" json:"max_files,omitempty"`
	DesignField string         `yaml:"design_field,omitempty" json:"design_field,omitempty"`
	Generator   *GeneratorSpec `yaml:"generator,omitempty" json:"generator,omitempty"`
}

// DefaultExtension returns the first declared extension, or ".data".
func (f *Format) DefaultExtension() string {
	if len(f.Extensions) == 0 {
		return ".data"
	}
	return f.Extensions[0]
}

// IsMultiFile returns true if one data element of this format may be backed
// by more than one file.
func (f *Format) IsMultiFile() bool {
	return f.MaxFiles > 1
}

// FilePrefix returns the prefix used when naming files of this format.
func (f *Format) FilePrefix() string {
	if f.Prefix != "" {
		return f.Prefix
	}
	return strings.ReplaceAll(f.Name, "_", "")
}

// FormatRegistry is a workflow-scoped catalog of known data formats.
type FormatRegistry struct {
	mu      sync.RWMutex
	formats map[string]*Format
}

// NewFormatRegistry creates an empty FormatRegistry.
func NewFormatRegistry() *FormatRegistry {
	return &FormatRegistry{formats: make(map[string]*Format)}
}

// Register adds a format. Registering the same name twice is an error.
func (r *FormatRegistry) Register(f *Format) error {
	if f == nil || f.Name == "" {
		return fmt.Errorf("format name is required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.formats[f.Name]; ok {
		return fmt.Errorf("format %q already registered", f.Name)
	}
	r.formats[f.Name] = f
	return nil
}

// Get returns the format with the given name.
func (r *FormatRegistry) Get(name string) (*Format, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.formats[name]
	return f, ok
}

// Formats returns all registered formats sorted by name.
func (r *FormatRegistry) Formats() []*Format {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Format, 0, len(r.formats))
	for _, f := range r.formats {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ByDesignField returns the format sourced from the given design column.
func (r *FormatRegistry) ByDesignField(field string) (*Format, bool) {
	for _, f := range r.Formats() {
		if f.DesignField != "" && strings.EqualFold(f.DesignField, field) {
			return f, true
		}
	}
	return nil, false
}

// DefaultFormats returns a registry holding the built-in formats.
func DefaultFormats() *FormatRegistry {
	r := NewFormatRegistry()
	for _, f := range []*Format{
		{
			Name:        "reads_fastq",
			Description: "FASTQ reads",
			Prefix:      "reads",
			Extensions:  []string{".fq", ".fastq"},
			MaxFiles:    2,
			DesignField: "Reads",
		},
		{
			Name:        "genome_fasta",
			Description: "Genome sequence",
			Prefix:      "genome",
			Extensions:  []string{".fasta", ".fa"},
			DesignField: "Genome",
		},
		{
			Name:        "annotation_gff",
			Description: "Genome annotation",
			Prefix:      "annotation",
			Extensions:  []string{".gff", ".gff3"},
			DesignField: "Annotation",
		},
		{
			Name:        "genome_desc_txt",
			Description: "Genome description",
			Prefix:      "genomedesc",
			Extensions:  []string{".txt"},
			Generator: &GeneratorSpec{
				Module: "shell",
				Parameters: map[string]string{
					"input.genome": "genome_fasta",
					"output.desc":  "genome_desc_txt",
					"command":      "grep -c '>' {in.genome} > {out.desc}",
				},
			},
		},
		{
			Name:        "mapper_results_sam",
			Description: "Alignments in SAM format",
			Prefix:      "mapperresults",
			Extensions:  []string{".sam"},
		},
		{
			Name:        "expression_results_tsv",
			Description: "Expression counts",
			Prefix:      "expression",
			Extensions:  []string{".tsv"},
		},
	} {
		// Built-in names are unique.
		_ = r.Register(f)
	}
	return r
}

// Compression is the compression applied to the files of an output port.
type Compression string

const (
	CompressionNone  Compression = "none"
	CompressionGzip  Compression = "gzip"
	CompressionBzip2 Compression = "bzip2"
)

// Extension returns the file suffix for the compression, "" for none.
func (c Compression) Extension() string {
	switch c {
	case CompressionGzip:
		return ".gz"
	case CompressionBzip2:
		return ".bz2"
	}
	return ""
}

// ParseCompression converts a string to a Compression. Empty input yields none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "gzip", "gz":
		return CompressionGzip, nil
	case "bzip2", "bz2":
		return CompressionBzip2, nil
	}
	return "", fmt.Errorf("unknown compression %q", s)
}
