package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/sheetpress/sheetpress/engine"
	"github.com/sheetpress/sheetpress/fields"
)

// templateManifest is the on-disk template description. The payload may
// be inline or referenced by file, relative to the manifest.
type templateManifest struct {
	ID           string            `json:"id"`
	Format       engine.Format     `json:"format"`
	Fields       []fields.Def      `json:"fields,omitempty"`
	Slots        []fields.SlotDef  `json:"slots,omitempty"`
	Payload      string            `json:"payload,omitempty"`
	PayloadFile  string            `json:"payloadFile,omitempty"`
	Fallback     string            `json:"fallback,omitempty"`
	FallbackFile string            `json:"fallbackFile,omitempty"`
}

// dirTemplateStore resolves template ids to <root>/<id>.json manifests.
type dirTemplateStore struct {
	root string
}

func (s *dirTemplateStore) Get(_ context.Context, id string) (*engine.Template, error) {
	if strings.ContainsAny(id, `/\`) || strings.Contains(id, "..") {
		return nil, fmt.Errorf("invalid template id %q", id)
	}
	path := filepath.Join(s.root, id+".json")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var m templateManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("manifest %s: %w", path, err)
	}
	if m.ID == "" {
		m.ID = id
	}

	payload, err := inlineOrFile(s.root, m.Payload, m.PayloadFile)
	if err != nil {
		return nil, fmt.Errorf("manifest %s payload: %w", path, err)
	}
	fallback, err := inlineOrFile(s.root, m.Fallback, m.FallbackFile)
	if err != nil {
		return nil, fmt.Errorf("manifest %s fallback: %w", path, err)
	}

	return &engine.Template{
		ID:       m.ID,
		Format:   m.Format,
		Fields:   m.Fields,
		Slots:    m.Slots,
		Payload:  payload,
		Fallback: fallback,
	}, nil
}

func inlineOrFile(root, inline, file string) ([]byte, error) {
	if inline != "" {
		return []byte(inline), nil
	}
	if file == "" {
		return nil, nil
	}
	return os.ReadFile(filepath.Join(root, file))
}

// fileAssetStore serves asset references as paths under a fixed root.
type fileAssetStore struct {
	root string
}

func (s *fileAssetStore) Get(_ context.Context, ref string) ([]byte, error) {
	path := filepath.Join(s.root, filepath.Clean("/"+ref))
	return os.ReadFile(path)
}
