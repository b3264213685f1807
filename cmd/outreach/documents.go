package main

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/rendis/outreach/pkg/schema"
)

// bundle is the import file format. Every section is optional.
type bundle struct {
	Users      []*schema.UserProfile        `json:"users,omitempty"`
	Templates  []*schema.EmailTemplate      `json:"templates,omitempty"`
	Businesses []*schema.Business           `json:"businesses,omitempty"`
	Workflows  []json.RawMessage            `json:"workflows,omitempty"`
	Triggers   []*schema.Trigger            `json:"triggers,omitempty"`
	workflows  []*schema.WorkflowDefinition
}

// readDocument returns the JSON form of a YAML or JSON file. Files ending in
// .json are passed through; anything else is parsed as YAML, which also
// accepts JSON.
func readDocument(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if strings.EqualFold(filepath.Ext(path), ".json") {
		return raw, nil
	}
	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("convert %s to JSON: %w", path, err)
	}
	return out, nil
}

func decodeWorkflow(raw []byte) (*schema.WorkflowDefinition, error) {
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(raw, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "decode workflow: %s", err).WithCause(err)
	}
	return &def, nil
}

// readBundle loads an import file. Workflows are kept raw as well so the
// structural validator sees fields that decoding would drop. Triggers without
// an ID get one.
func readBundle(path string) (*bundle, error) {
	raw, err := readDocument(path)
	if err != nil {
		return nil, err
	}
	var b bundle
	if err := json.Unmarshal(raw, &b); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	for i, w := range b.Workflows {
		def, err := decodeWorkflow(w)
		if err != nil {
			return nil, fmt.Errorf("workflows[%d]: %w", i, err)
		}
		b.workflows = append(b.workflows, def)
	}
	for _, t := range b.Triggers {
		if t != nil && t.ID == "" {
			t.ID = uuid.New().String()
		}
	}
	return &b, nil
}
