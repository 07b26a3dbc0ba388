// Package bootstrap seeds a fresh workspace with the default persona
// definitions and loads persona files back for spawning. Seeding never
// overwrites: files the operator has edited are left alone.
package bootstrap

import (
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/titanous/json5"

	"github.com/legionworks/legion/internal/minion"
)

//go:embed personas/*.json
var personaFS embed.FS

// EnsurePersonaFiles seeds the embedded default personas into dir,
// creating it if needed. Existing files are never overwritten. Returns
// the names of the files it created.
func EnsurePersonaFiles(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create personas dir: %w", err)
	}

	entries, err := personaFS.ReadDir("personas")
	if err != nil {
		return nil, fmt.Errorf("read embedded personas: %w", err)
	}

	var created []string
	for _, e := range entries {
		ok, err := seedPersona(dir, e.Name())
		if err != nil {
			slog.Warn("bootstrap.seed_failed", "file", e.Name(), "error", err)
			continue
		}
		if ok {
			created = append(created, e.Name())
		}
	}
	sort.Strings(created)
	return created, nil
}

// seedPersona writes one embedded persona file unless it already exists.
func seedPersona(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)
	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := personaFS.ReadFile(filepath.Join("personas", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}

// LoadPersonas reads every persona file in dir, sorted by file name.
// Files that do not parse or fail validation are logged and skipped so
// one broken persona cannot keep the rest from spawning.
func LoadPersonas(dir string) ([]minion.Persona, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read personas dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	personas := make([]minion.Persona, 0, len(names))
	for _, name := range names {
		p, err := readPersona(os.DirFS(dir), name)
		if err != nil {
			slog.Warn("bootstrap.persona_skipped", "file", name, "error", err)
			continue
		}
		personas = append(personas, p)
	}
	return personas, nil
}

// DefaultPersonas parses the embedded persona set. Used by onboarding
// to show what a fresh workspace would get.
func DefaultPersonas() ([]minion.Persona, error) {
	sub, err := fs.Sub(personaFS, "personas")
	if err != nil {
		return nil, err
	}
	entries, err := fs.ReadDir(sub, ".")
	if err != nil {
		return nil, err
	}
	personas := make([]minion.Persona, 0, len(entries))
	for _, e := range entries {
		p, err := readPersona(sub, e.Name())
		if err != nil {
			return nil, fmt.Errorf("embedded persona %s: %w", e.Name(), err)
		}
		personas = append(personas, p)
	}
	sort.Slice(personas, func(i, j int) bool { return personas[i].Name < personas[j].Name })
	return personas, nil
}

// readPersona parses and validates one persona file. The format is
// JSON5, same as the config file, so personas may carry comments.
func readPersona(fsys fs.FS, name string) (minion.Persona, error) {
	raw, err := fs.ReadFile(fsys, name)
	if err != nil {
		return minion.Persona{}, err
	}
	var p minion.Persona
	if err := json5.Unmarshal(raw, &p); err != nil {
		return minion.Persona{}, fmt.Errorf("parse: %w", err)
	}
	if err := p.Validate(); err != nil {
		return minion.Persona{}, err
	}
	return p, nil
}
