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

package gateway

import (
	"context"
	"errors"

	"github.com/novatechflow/kafscale-portal/pkg/rewind"
	"github.com/novatechflow/kafscale-portal/pkg/schema"
	"github.com/novatechflow/kafscale-portal/pkg/topic"
)

const (
	encodingAvro = "avro"
	encodingRaw  = "raw"
)

// SchemaDecoder decodes record values with the schema registered for their
// topic. Topics without a schema, or outside the naming convention, are
// returned as raw values.
func SchemaDecoder(schemas Schemas) rewind.Decoder {
	return rewind.DecoderFunc(func(ctx context.Context, name string, value []byte) (any, error) {
		n, err := topic.Classify(name)
		if err != nil {
			return rewind.RawValue(value), nil
		}
		sch, err := schemas.Load(ctx, schema.KeyOf(n))
		if errors.Is(err, schema.ErrNotFound) {
			return rewind.RawValue(value), nil
		}
		if err != nil {
			return nil, err
		}
		return sch.Decode(value)
	})
}

// encodePayload turns a JSON request body into the bytes published to the
// topic: Avro binary when a schema exists, the body itself otherwise.
func encodePayload(ctx context.Context, schemas Schemas, name topic.Name, body []byte) ([]byte, string, error) {
	sch, err := schemas.Load(ctx, schema.KeyOf(name))
	if errors.Is(err, schema.ErrNotFound) {
		return body, encodingRaw, nil
	}
	if err != nil {
		return nil, "", err
	}
	out, err := sch.EncodeJSON(body)
	if err != nil {
		return nil, "", err
	}
	return out, encodingAvro, nil
}
