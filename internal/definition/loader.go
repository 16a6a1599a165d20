// Package definition loads YAML workflow definitions, validates them, and
// provides a fast-lookup registry of compiled plans with atomic pointer swap.
package definition

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/pitabwire/stepper/model"
)

// Loader scans directories or file systems for YAML definition files, parses
// them, and computes SHA-256 checksums.
type Loader struct{}

// NewLoader creates a new definition Loader.
func NewLoader() *Loader {
	return &Loader{}
}

// LoadAll recursively scans directories for *.yaml and *.yml files.
func (l *Loader) LoadAll(directories []string) ([]model.DomainDefinition, error) {
	var defs []model.DomainDefinition
	for _, dir := range directories {
		if _, err := os.Stat(dir); err != nil {
			return nil, fmt.Errorf("scanning directory %s: %w", dir, err)
		}
		found, err := l.load(os.DirFS(dir), dir)
		if err != nil {
			return nil, err
		}
		defs = append(defs, found...)
	}
	return defs, nil
}

// LoadFS scans an fs.FS, such as an embedded definitions bundle.
func (l *Loader) LoadFS(fsys fs.FS) ([]model.DomainDefinition, error) {
	return l.load(fsys, "")
}

func (l *Loader) load(fsys fs.FS, root string) ([]model.DomainDefinition, error) {
	var defs []model.DomainDefinition
	err := fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading %s: %w", p, err)
		}
		source := p
		if root != "" {
			source = filepath.Join(root, filepath.FromSlash(p))
		}
		def, err := l.parse(data, source)
		if err != nil {
			return err
		}
		defs = append(defs, def)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning definitions: %w", err)
	}
	return defs, nil
}

// LoadFile loads and parses a single YAML definition file.
func (l *Loader) LoadFile(file string) (model.DomainDefinition, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return model.DomainDefinition{}, fmt.Errorf("reading %s: %w", file, err)
	}
	return l.parse(data, file)
}

func (l *Loader) parse(data []byte, source string) (model.DomainDefinition, error) {
	var def model.DomainDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return model.DomainDefinition{}, fmt.Errorf("parsing %s: %w", source, err)
	}
	def.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	def.SourceFile = source
	return def, nil
}
