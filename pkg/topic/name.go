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

// Package topic maps topic direction and payload format to canonical Kafka
// topic names and back.
//
// Naming contract for every topic producer: incoming topics are named
// "in-{base}-{format}" and outgoing topics "out-{base}". A base name must not
// start with "in-" or "out-" and must not end with "-csv" or "-json". Names
// that break the contract are rejected by Compose and are not guaranteed to
// classify back to the same parts.
package topic

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrMalformedName is returned when a string is not a classifiable topic name.
	ErrMalformedName = errors.New("malformed topic name")
	// ErrInvalidFormat is returned for a format token outside the closed format set.
	ErrInvalidFormat = errors.New("invalid format")
)

const separator = "-"

// Direction tells whether a topic carries data into or out of the platform.
type Direction uint8

const (
	In Direction = iota + 1
	Out
)

// String returns the upper-case token used in descriptors and logs.
func (d Direction) String() string {
	switch d {
	case In:
		return "IN"
	case Out:
		return "OUT"
	default:
		return fmt.Sprintf("Direction(%d)", uint8(d))
	}
}

// Prefix returns the wire prefix including the trailing separator.
func (d Direction) Prefix() string {
	return strings.ToLower(d.String()) + separator
}

// Valid reports whether d is one of the known directions.
func (d Direction) Valid() bool {
	return d == In || d == Out
}

// Format is the payload format carried by an incoming topic.
type Format uint8

const (
	// NoFormat is the zero Format, used by outgoing topics.
	NoFormat Format = iota
	CSV
	JSON
)

var formats = []Format{CSV, JSON}

// Formats returns the closed set of supported formats.
func Formats() []Format {
	return append([]Format(nil), formats...)
}

func (f Format) String() string {
	switch f {
	case NoFormat:
		return ""
	case CSV:
		return "CSV"
	case JSON:
		return "JSON"
	default:
		return fmt.Sprintf("Format(%d)", uint8(f))
	}
}

// Suffix returns the wire suffix including the leading separator.
func (f Format) Suffix() string {
	if f == NoFormat {
		return ""
	}
	return separator + strings.ToLower(f.String())
}

// Valid reports whether f belongs to the closed format set.
func (f Format) Valid() bool {
	for _, known := range formats {
		if f == known {
			return true
		}
	}
	return false
}

// MarshalText renders the format token for JSON responses.
func (f Format) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

// MarshalText renders the direction token for JSON responses.
func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// ParseDirection accepts "in"/"out" in any case.
func ParseDirection(token string) (Direction, error) {
	switch strings.ToUpper(strings.TrimSpace(token)) {
	case "IN":
		return In, nil
	case "OUT":
		return Out, nil
	default:
		return 0, fmt.Errorf("%w: unknown direction %q", ErrMalformedName, token)
	}
}

// ParseFormat accepts a format token in any case.
func ParseFormat(token string) (Format, error) {
	upper := strings.ToUpper(strings.TrimSpace(token))
	for _, f := range formats {
		if f.String() == upper {
			return f, nil
		}
	}
	return NoFormat, fmt.Errorf("%w: %q", ErrInvalidFormat, token)
}

// Name is a classified topic name.
type Name struct {
	Direction Direction `json:"direction"`
	Base      string    `json:"base"`
	Format    Format    `json:"format,omitempty"`
}

// String composes the wire name. It does not validate; use Compose for that.
func (n Name) String() string {
	return n.Direction.Prefix() + n.Base + n.Format.Suffix()
}

// ValidateBase enforces the naming contract on a base name.
func ValidateBase(base string) error {
	if base == "" {
		return fmt.Errorf("%w: empty base name", ErrMalformedName)
	}
	for _, d := range []Direction{In, Out} {
		if strings.HasPrefix(base, d.Prefix()) {
			return fmt.Errorf("%w: base %q starts with direction prefix %q", ErrMalformedName, base, d.Prefix())
		}
	}
	for _, f := range formats {
		if strings.HasSuffix(base, f.Suffix()) {
			return fmt.Errorf("%w: base %q ends with format suffix %q", ErrMalformedName, base, f.Suffix())
		}
	}
	return nil
}

// Compose builds the canonical topic name. Incoming topics require a format,
// outgoing topics must not carry one.
func Compose(direction Direction, base string, format Format) (string, error) {
	switch direction {
	case In:
		if !format.Valid() {
			return "", fmt.Errorf("%w: incoming topic %q needs a format", ErrInvalidFormat, base)
		}
	case Out:
		if format != NoFormat {
			return "", fmt.Errorf("%w: outgoing topic %q cannot carry format %s", ErrMalformedName, base, format)
		}
	default:
		return "", fmt.Errorf("%w: unknown direction %d", ErrMalformedName, uint8(direction))
	}
	if err := ValidateBase(base); err != nil {
		return "", err
	}
	return Name{Direction: direction, Base: base, Format: format}.String(), nil
}

// Classify parses a wire topic name: prefix match first, then for incoming
// topics a trailing format suffix match.
func Classify(name string) (Name, error) {
	switch {
	case strings.HasPrefix(name, In.Prefix()):
		rest := strings.TrimPrefix(name, In.Prefix())
		for _, f := range formats {
			if base, ok := strings.CutSuffix(rest, f.Suffix()); ok {
				if base == "" {
					return Name{}, fmt.Errorf("%w: %q has an empty base", ErrMalformedName, name)
				}
				return Name{Direction: In, Base: base, Format: f}, nil
			}
		}
		return Name{}, fmt.Errorf("%w: incoming topic %q has no format suffix", ErrMalformedName, name)
	case strings.HasPrefix(name, Out.Prefix()):
		base := strings.TrimPrefix(name, Out.Prefix())
		if base == "" {
			return Name{}, fmt.Errorf("%w: %q has an empty base", ErrMalformedName, name)
		}
		return Name{Direction: Out, Base: base}, nil
	default:
		return Name{}, fmt.Errorf("%w: %q has no direction prefix", ErrMalformedName, name)
	}
}

// Filter classifies names and keeps those matching direction and format.
// A zero direction or format matches everything. Unclassifiable names are
// dropped. The result is sorted by wire name.
func Filter(names []string, direction Direction, format Format) []Name {
	out := make([]Name, 0, len(names))
	for _, raw := range names {
		n, err := Classify(raw)
		if err != nil {
			continue
		}
		if direction != 0 && n.Direction != direction {
			continue
		}
		if format != NoFormat && n.Format != format {
			continue
		}
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}
