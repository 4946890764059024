package registry

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sketchflow/sketchflow/internal/model"
	sferrors "github.com/sketchflow/sketchflow/pkg/errors"
)

func def(name string, deps ...string) *model.AnalyzerDefinition {
	return &model.AnalyzerDefinition{Name: name, DependsOn: deps, Timeout: time.Minute, MaxRetries: 3}
}

func mustRegister(t *testing.T, r *Registry, defs ...*model.AnalyzerDefinition) {
	t.Helper()
	for _, d := range defs {
		if err := r.Register(d); err != nil {
			t.Fatalf("Register(%s): %v", d.Name, err)
		}
	}
}

func TestRegisterDuplicate(t *testing.T) {
	r := New()
	mustRegister(t, r, def("domain"))

	err := r.Register(def("domain"))
	if !sferrors.IsCode(err, sferrors.CodeDuplicateName) {
		t.Errorf("expected %s, got %v", sferrors.CodeDuplicateName, err)
	}
}

func TestRegisterCycle(t *testing.T) {
	r := New()
	mustRegister(t, r, def("a"), def("b", "a"), def("c", "b"))

	// Closing c -> a -> ... -> c is rejected and leaves the catalog as it
	// was.
	err := r.Register(def("d", "c", "d"))
	if !sferrors.IsCode(err, sferrors.CodeCycle) {
		t.Fatalf("self-dependency: expected %s, got %v", sferrors.CodeCycle, err)
	}

	// A cycle through existing nodes: e depends on c, then register a new
	// dependency of a on e by re-building the chain.
	r2 := New()
	mustRegister(t, r2, def("x", "z")) // z unknown yet, no cycle possible
	mustRegister(t, r2, def("y", "x"))
	err = r2.Register(def("z", "y"))
	if !sferrors.IsCode(err, sferrors.CodeCycle) {
		t.Fatalf("expected %s, got %v", sferrors.CodeCycle, err)
	}

	// The rejected definition must not be visible.
	if _, err := r2.Get("z"); !sferrors.IsCode(err, sferrors.CodeUnknownAnalyzer) {
		t.Errorf("rejected definition leaked into the catalog: %v", err)
	}
	if got := len(r2.List()); got != 2 {
		t.Errorf("catalog size = %d, want 2", got)
	}
}

func TestResolveTopologicalOrder(t *testing.T) {
	r := New()
	// Diamond: d depends on b and c, both depend on a.
	mustRegister(t, r, def("a"), def("b", "a"), def("c", "a"), def("d", "b", "c"))

	defs, err := r.Resolve([]string{"d"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	pos := make(map[string]int)
	for i, d := range defs {
		pos[d.Name] = i
	}
	if len(defs) != 4 {
		t.Fatalf("resolved %d definitions, want 4", len(defs))
	}
	for _, edge := range [][2]string{{"a", "b"}, {"a", "c"}, {"b", "d"}, {"c", "d"}} {
		if pos[edge[0]] >= pos[edge[1]] {
			t.Errorf("%s must come before %s, got order %v", edge[0], edge[1], pos)
		}
	}
}

func TestResolveUnknown(t *testing.T) {
	r := New()
	mustRegister(t, r, def("a", "ghost"))

	if _, err := r.Resolve([]string{"missing"}); !sferrors.IsCode(err, sferrors.CodeUnknownAnalyzer) {
		t.Errorf("unknown request: expected %s, got %v", sferrors.CodeUnknownAnalyzer, err)
	}

	// An unknown name reached through a dependency edge fails too.
	if _, err := r.Resolve([]string{"a"}); !sferrors.IsCode(err, sferrors.CodeUnknownAnalyzer) {
		t.Errorf("unknown dependency: expected %s, got %v", sferrors.CodeUnknownAnalyzer, err)
	}
}

func TestResolveDeduplicates(t *testing.T) {
	r := New()
	mustRegister(t, r, def("a"), def("b", "a"), def("c", "a"))

	defs, err := r.Resolve([]string{"b", "c", "a"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(defs) != 3 {
		t.Errorf("resolved %d definitions, want 3 (a once)", len(defs))
	}
}

func TestLoadCatalog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "analyzers.yaml")
	content := `analyzers:
  - name: domain
    display_name: Domain extractor
  - name: bruteforce
    depends_on: [domain]
    timeout: 2m
    max_retries: 5
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	r := New()
	if err := LoadCatalog(r, path, 10*time.Minute, 3); err != nil {
		t.Fatalf("LoadCatalog: %v", err)
	}

	domain, err := r.Get("domain")
	if err != nil {
		t.Fatalf("Get(domain): %v", err)
	}
	if domain.Timeout != 10*time.Minute || domain.MaxRetries != 3 {
		t.Errorf("defaults not applied: timeout=%v retries=%d", domain.Timeout, domain.MaxRetries)
	}

	bf, err := r.Get("bruteforce")
	if err != nil {
		t.Fatalf("Get(bruteforce): %v", err)
	}
	if bf.MaxRetries != 5 {
		t.Errorf("max_retries = %d, want 5", bf.MaxRetries)
	}
	if len(bf.DependsOn) != 1 || bf.DependsOn[0] != "domain" {
		t.Errorf("depends_on = %v", bf.DependsOn)
	}
}
