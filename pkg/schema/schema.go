// Copyright 2025, 2026 Alexander Alten (novatechflow), NovaTechflow (novatechflow.com).
// This project is supported and financed by Scalytics, Inc. (www.scalytics.io).
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package schema loads, caches and applies the Avro schemas attached to
// portal topics, and resolves client supplied schema descriptors.
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/linkedin/goavro/v2"

	"github.com/novatechflow/kafscale-portal/pkg/topic"
)

var (
	// ErrNotFound is returned when no definition exists for a key.
	ErrNotFound = errors.New("schema not found")
	// ErrInvalidDefinition is returned when a stored definition does not parse.
	ErrInvalidDefinition = errors.New("invalid schema definition")
	// ErrEncodingMismatch is returned when a record does not fit the schema.
	ErrEncodingMismatch = errors.New("record does not match schema")
	// ErrDecoding is returned for truncated or corrupt payloads.
	ErrDecoding = errors.New("cannot decode payload")
)

// Key identifies a schema. Incoming keys carry a format, outgoing keys do not.
type Key struct {
	Direction topic.Direction
	Base      string
	Format    topic.Format
}

// KeyOf returns the schema key of a classified topic.
func KeyOf(name topic.Name) Key {
	return Key{Direction: name.Direction, Base: name.Base, Format: name.Format}
}

func (k Key) String() string {
	if k.Format == topic.NoFormat {
		return k.Direction.String() + "/" + k.Base
	}
	return k.Direction.String() + "/" + k.Format.String() + "/" + k.Base
}

// ObjectKey is where the definition lives in the object store:
// "{direction}/{format}/{base}.json" or "{direction}/{base}.json".
func (k Key) ObjectKey() string {
	dir := strings.ToLower(k.Direction.String())
	if k.Format == topic.NoFormat {
		return fmt.Sprintf("%s/%s.json", dir, k.Base)
	}
	return fmt.Sprintf("%s/%s/%s.json", dir, strings.ToLower(k.Format.String()), k.Base)
}

func (k Key) validate() error {
	switch k.Direction {
	case topic.In:
		if !k.Format.Valid() {
			return fmt.Errorf("%w: %s needs a format", topic.ErrInvalidFormat, k.Base)
		}
	case topic.Out:
		if k.Format != topic.NoFormat {
			return fmt.Errorf("%w: outgoing key %s carries format %s", topic.ErrMalformedName, k.Base, k.Format)
		}
	default:
		return fmt.Errorf("%w: unknown direction", topic.ErrMalformedName)
	}
	if k.Base == "" || strings.ContainsAny(k.Base, "/\\") || strings.Contains(k.Base, "..") {
		return fmt.Errorf("%w: invalid base %q", topic.ErrMalformedName, k.Base)
	}
	return nil
}

// Field is one declared field of a record schema.
type Field struct {
	Name     string `json:"name"`
	Required bool   `json:"required"`
}

// Schema is a parsed definition with its codec. It is immutable and safe for
// concurrent use.
type Schema struct {
	key        Key
	definition string
	name       string
	fields     []Field
	codec      *goavro.Codec
}

type recordDefinition struct {
	Type   string `json:"type"`
	Name   string `json:"name"`
	Fields []struct {
		Name    string          `json:"name"`
		Type    json.RawMessage `json:"type"`
		Default json.RawMessage `json:"default"`
	} `json:"fields"`
}

// Parse builds a Schema from an Avro record definition.
func Parse(key Key, definition []byte) (*Schema, error) {
	var rec recordDefinition
	if err := json.Unmarshal(definition, &rec); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, key, err)
	}
	if rec.Type != "record" {
		return nil, fmt.Errorf("%w: %s: top level type %q is not a record", ErrInvalidDefinition, key, rec.Type)
	}
	codec, err := goavro.NewCodec(string(definition))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidDefinition, key, err)
	}
	fields := make([]Field, 0, len(rec.Fields))
	for _, f := range rec.Fields {
		fields = append(fields, Field{Name: f.Name, Required: len(f.Default) == 0 && !nullable(f.Type)})
	}
	return &Schema{
		key:        key,
		definition: string(definition),
		name:       rec.Name,
		fields:     fields,
		codec:      codec,
	}, nil
}

func nullable(raw json.RawMessage) bool {
	var union []json.RawMessage
	if err := json.Unmarshal(raw, &union); err != nil {
		return false
	}
	for _, member := range union {
		if strings.TrimSpace(string(member)) == `"null"` {
			return true
		}
	}
	return false
}

func (s *Schema) Key() Key { return s.key }

// Name is the Avro record name.
func (s *Schema) Name() string { return s.name }

// Definition returns the definition exactly as stored.
func (s *Schema) Definition() string { return s.definition }

// Fields lists the declared fields in order.
func (s *Schema) Fields() []Field { return append([]Field(nil), s.fields...) }

// Encode serializes record to Avro binary.
func (s *Schema) Encode(record map[string]any) ([]byte, error) {
	out, err := s.codec.BinaryFromNative(nil, record)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncodingMismatch, s.key, err)
	}
	return out, nil
}

// EncodeJSON converts an Avro JSON document to Avro binary.
func (s *Schema) EncodeJSON(doc []byte) ([]byte, error) {
	native, rest, err := s.codec.NativeFromTextual(doc)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncodingMismatch, s.key, err)
	}
	if len(strings.TrimSpace(string(rest))) != 0 {
		return nil, fmt.Errorf("%w: %s: trailing data after record", ErrEncodingMismatch, s.key)
	}
	out, err := s.codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrEncodingMismatch, s.key, err)
	}
	return out, nil
}

// Decode is the inverse of Encode.
func (s *Schema) Decode(data []byte) (map[string]any, error) {
	native, rest, err := s.codec.NativeFromBinary(data)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecoding, s.key, err)
	}
	if len(rest) != 0 {
		return nil, fmt.Errorf("%w: %s: %d trailing bytes", ErrDecoding, s.key, len(rest))
	}
	record, ok := native.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: %s: decoded %T, want record", ErrDecoding, s.key, native)
	}
	return record, nil
}
