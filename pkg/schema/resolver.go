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

package schema

import (
	"fmt"
	"strings"

	"github.com/novatechflow/kafscale-portal/pkg/topic"
)

// DefaultFormat applies to incoming descriptors without a format token.
const DefaultFormat = topic.CSV

// Resolve maps a client descriptor "{direction}-{base}[-{format}]" to a
// schema key. It does not check that the schema or topic exists.
//
// For incoming descriptors the token after the last "-" of the remainder is
// the format; without one the format defaults to CSV. Outgoing descriptors
// keep every trailing token in the base name.
func Resolve(descriptor string) (Key, error) {
	dirToken, rest, ok := strings.Cut(strings.TrimSpace(descriptor), "-")
	if !ok {
		return Key{}, fmt.Errorf("%w: descriptor %q has no direction", topic.ErrMalformedName, descriptor)
	}
	direction, err := topic.ParseDirection(dirToken)
	if err != nil {
		return Key{}, err
	}
	if direction == topic.Out {
		if rest == "" {
			return Key{}, fmt.Errorf("%w: descriptor %q has no base name", topic.ErrMalformedName, descriptor)
		}
		return Key{Direction: topic.Out, Base: rest}, nil
	}

	base, format := rest, DefaultFormat
	if idx := strings.LastIndex(rest, "-"); idx >= 0 {
		format, err = topic.ParseFormat(rest[idx+1:])
		if err != nil {
			return Key{}, err
		}
		base = rest[:idx]
	}
	if base == "" {
		return Key{}, fmt.Errorf("%w: descriptor %q has no base name", topic.ErrMalformedName, descriptor)
	}
	return Key{Direction: topic.In, Base: base, Format: format}, nil
}
