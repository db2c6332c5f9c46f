// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package schema validates JSON documents against JSON schemas
package schema

import (
	"errors"
	"fmt"
	"io/fs"
	"path"
	"strings"

	"github.com/goccy/go-json"
	"github.com/xeipuuv/gojsonschema"
)

// Validator validates documents against a set of schemas, addressed by their $id
type Validator struct {
	schemas map[string]*gojsonschema.Schema
}

// ValidationError lists the violations of a document
type ValidationError struct {
	SchemaID string
	Details  []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("document does not match %s: %s", e.SchemaID, strings.Join(e.Details, "; "))
}

// NewValidatorFromFS compiles all *.json files in the root of fsys. Files in
// refs/ may be referenced by the top level schemas.
func NewValidatorFromFS(fsys fs.FS) (*Validator, error) {
	schemas, err := readDir(fsys, ".")
	if err != nil {
		return nil, err
	}
	refs, err := readDir(fsys, "refs")
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, err
	}
	return NewValidator(schemas, refs)
}

func readDir(fsys fs.FS, dir string) ([]string, error) {
	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, err
	}
	var docs []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := fs.ReadFile(fsys, path.Join(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("cannot read schema %s: %w", entry.Name(), err)
		}
		docs = append(docs, string(data))
	}
	return docs, nil
}

// NewValidator compiles the schemas. Each schema must have an $id. Schemas may
// reference refs, but not each other.
func NewValidator(schemas []string, refs []string) (*Validator, error) {
	v := &Validator{schemas: make(map[string]*gojsonschema.Schema)}
	for _, doc := range schemas {
		var header struct {
			ID string `json:"$id"`
		}
		if err := json.Unmarshal([]byte(doc), &header); err != nil {
			return nil, fmt.Errorf("cannot parse schema: %w", err)
		}
		if header.ID == "" {
			return nil, fmt.Errorf("schema without $id: %s", doc)
		}
		loader := gojsonschema.NewSchemaLoader()
		for _, ref := range refs {
			if err := loader.AddSchemas(gojsonschema.NewStringLoader(ref)); err != nil {
				return nil, fmt.Errorf("cannot add ref: %w", err)
			}
		}
		compiled, err := loader.Compile(gojsonschema.NewStringLoader(doc))
		if err != nil {
			return nil, fmt.Errorf("cannot compile schema %s: %w", header.ID, err)
		}
		v.schemas[header.ID] = compiled
	}
	return v, nil
}

// HasSchema returns true if schemaID is known
func (v *Validator) HasSchema(schemaID string) bool {
	_, ok := v.schemas[schemaID]
	return ok
}

// Validate validates a JSON document. Violations are returned as *ValidationError.
func (v *Validator) Validate(schemaID string, document []byte) error {
	compiled, ok := v.schemas[schemaID]
	if !ok {
		return fmt.Errorf("there is no schema %s", schemaID)
	}
	result, err := compiled.Validate(gojsonschema.NewBytesLoader(document))
	if err != nil {
		return &ValidationError{SchemaID: schemaID, Details: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	verr := &ValidationError{SchemaID: schemaID}
	for _, e := range result.Errors() {
		verr.Details = append(verr.Details, e.String())
	}
	return verr
}
