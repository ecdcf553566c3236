package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseDotenv(t *testing.T) {
	content := `# store settings
TV_STORE=/srv/store
export TV_OWNER=ops
TV_QUOTED="has # hash"
TV_SINGLE='single'
TV_COMMENTED=value # trailing
 TV_SPACED = spaced
not a pair
=novalue
`
	vars, err := parseDotenv(strings.NewReader(content))
	if err != nil {
		t.Fatal(err)
	}

	want := [][2]string{
		{"TV_STORE", "/srv/store"},
		{"TV_OWNER", "ops"},
		{"TV_QUOTED", "has # hash"},
		{"TV_SINGLE", "single"},
		{"TV_COMMENTED", "value"},
		{"TV_SPACED", "spaced"},
	}
	if len(vars) != len(want) {
		t.Fatalf("got %d vars, want %d: %v", len(vars), len(want), vars)
	}
	for i, w := range want {
		if vars[i] != w {
			t.Errorf("vars[%d] = %v, want %v", i, vars[i], w)
		}
	}
}

func TestLoadDotenvNoOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("TV_EXISTING=new\nTV_FRESH=fresh\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("TV_EXISTING", "original")
	t.Setenv("TV_FRESH", "")
	os.Unsetenv("TV_FRESH")

	if err := LoadDotenv(path); err != nil {
		t.Fatal(err)
	}
	if got := os.Getenv("TV_EXISTING"); got != "original" {
		t.Errorf("existing var overridden: %q", got)
	}
	if got := os.Getenv("TV_FRESH"); got != "fresh" {
		t.Errorf("TV_FRESH = %q", got)
	}
}

func TestLoadDotenvMissingFile(t *testing.T) {
	if err := LoadDotenv(filepath.Join(t.TempDir(), ".env")); err != nil {
		t.Errorf("missing file should be ignored, got: %v", err)
	}
}
