package definition

import (
	"testing"
	"testing/fstest"

	"github.com/pitabwire/stepper/definitions"
)

func TestLoader_LoadFile(t *testing.T) {
	l := NewLoader()
	def, err := l.LoadFile("testdata/kyc/definition.yaml")
	if err != nil {
		t.Fatalf("LoadFile() error = %v", err)
	}

	if def.Domain != "kyc" {
		t.Errorf("Domain = %q, want kyc", def.Domain)
	}
	if def.Version != "1.0.0" {
		t.Errorf("Version = %q, want 1.0.0", def.Version)
	}
	if len(def.Workflows) != 1 {
		t.Fatalf("Workflows = %d, want 1", len(def.Workflows))
	}
	w := def.Workflows[0]
	if w.ID != "kyc-basic" || len(w.Steps) != 4 {
		t.Errorf("workflow = %q with %d steps", w.ID, len(w.Steps))
	}
	if w.Steps[2].ActivatedBy == nil || w.Steps[2].ActivatedBy.Outcome != "high" {
		t.Errorf("enhanced_checks gate = %+v", w.Steps[2].ActivatedBy)
	}
	if !w.Steps[3].Terminal {
		t.Error("done should be terminal")
	}
	if len(w.Decisions) != 1 || w.Decisions[0].Rule == "" {
		t.Errorf("decisions = %+v, want one rule-backed decision", w.Decisions)
	}
	if def.Checksum == "" {
		t.Error("Checksum should not be empty")
	}
	if def.SourceFile != "testdata/kyc/definition.yaml" {
		t.Errorf("SourceFile = %q", def.SourceFile)
	}
}

func TestLoader_LoadFile_not_found(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/nonexistent.yaml"); err == nil {
		t.Fatal("LoadFile() with missing file should return error")
	}
}

func TestLoader_LoadFile_invalid_yaml(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadFile("testdata/invalid/bad.yaml"); err == nil {
		t.Fatal("LoadFile() with invalid YAML should return error")
	}
}

func TestLoader_LoadAll(t *testing.T) {
	l := NewLoader()
	defs, err := l.LoadAll([]string{"testdata/kyc"})
	if err != nil {
		t.Fatalf("LoadAll() error = %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("LoadAll() returned %d definitions, want 1", len(defs))
	}
	if defs[0].Domain != "kyc" {
		t.Errorf("Domain = %q, want kyc", defs[0].Domain)
	}
}

func TestLoader_LoadAll_invalid_dir(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/nonexistent"}); err == nil {
		t.Fatal("LoadAll() with missing directory should return error")
	}
}

func TestLoader_LoadAll_invalid_yaml(t *testing.T) {
	l := NewLoader()
	if _, err := l.LoadAll([]string{"testdata/invalid"}); err == nil {
		t.Fatal("LoadAll() with invalid YAML should return error")
	}
}

func TestLoader_LoadFS_skipsNonYAML(t *testing.T) {
	fsys := fstest.MapFS{
		"a/loans.yml": {Data: []byte("domain: loans\nversion: \"1\"\n")},
		"README.md":   {Data: []byte("# not a definition")},
	}
	defs, err := NewLoader().LoadFS(fsys)
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if len(defs) != 1 || defs[0].Domain != "loans" {
		t.Fatalf("LoadFS() = %+v, want the loans domain only", defs)
	}
	if defs[0].SourceFile != "a/loans.yml" {
		t.Errorf("SourceFile = %q, want a/loans.yml", defs[0].SourceFile)
	}
}

func TestLoader_bundledDefinitionsValidate(t *testing.T) {
	defs, err := NewLoader().LoadFS(definitions.FS)
	if err != nil {
		t.Fatalf("LoadFS() error = %v", err)
	}
	if len(defs) < 3 {
		t.Fatalf("bundled definitions = %d, want at least 3", len(defs))
	}
	if verrs := NewValidator(nil).Validate(defs); len(verrs) > 0 {
		t.Errorf("bundled definitions have errors: %v", verrs)
	}
	if _, err := NewRegistry(defs); err != nil {
		t.Errorf("NewRegistry() error = %v", err)
	}
}

func TestLoader_Checksum_deterministic(t *testing.T) {
	l := NewLoader()
	def1, _ := l.LoadFile("testdata/kyc/definition.yaml")
	def2, _ := l.LoadFile("testdata/kyc/definition.yaml")
	if def1.Checksum != def2.Checksum {
		t.Error("Checksum should be deterministic")
	}
}
