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

package topic

import (
	"encoding/json"
	"errors"
	"testing"
)

func TestComposeClassifyRoundTrip(t *testing.T) {
	cases := []Name{
		{Direction: In, Base: "orders", Format: CSV},
		{Direction: In, Base: "orders", Format: JSON},
		{Direction: In, Base: "order-items", Format: CSV},
		{Direction: In, Base: "csv", Format: JSON},
		{Direction: Out, Base: "orders"},
		{Direction: Out, Base: "churn-scores"},
		{Direction: Out, Base: "x"},
	}
	for _, tc := range cases {
		name, err := Compose(tc.Direction, tc.Base, tc.Format)
		if err != nil {
			t.Fatalf("Compose(%+v): %v", tc, err)
		}
		got, err := Classify(name)
		if err != nil {
			t.Fatalf("Classify(%q): %v", name, err)
		}
		if got != tc {
			t.Fatalf("round trip %q: got %+v want %+v", name, got, tc)
		}
	}
}

func TestComposeWireShape(t *testing.T) {
	name, err := Compose(In, "orders", CSV)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if name != "in-orders-csv" {
		t.Fatalf("unexpected name %q", name)
	}
	name, err = Compose(Out, "orders", NoFormat)
	if err != nil {
		t.Fatalf("Compose: %v", err)
	}
	if name != "out-orders" {
		t.Fatalf("unexpected name %q", name)
	}
}

func TestComposeRejectsContractViolations(t *testing.T) {
	cases := []struct {
		direction Direction
		base      string
		format    Format
		want      error
	}{
		{In, "orders", NoFormat, ErrInvalidFormat},
		{Out, "orders", CSV, ErrMalformedName},
		{In, "", CSV, ErrMalformedName},
		{In, "in-orders", CSV, ErrMalformedName},
		{Out, "out-orders", NoFormat, ErrMalformedName},
		{In, "orders-json", CSV, ErrMalformedName},
		{Out, "orders-csv", NoFormat, ErrMalformedName},
		{Direction(9), "orders", CSV, ErrMalformedName},
	}
	for _, tc := range cases {
		if _, err := Compose(tc.direction, tc.base, tc.format); !errors.Is(err, tc.want) {
			t.Fatalf("Compose(%v, %q, %v): expected %v, got %v", tc.direction, tc.base, tc.format, tc.want, err)
		}
	}
}

func TestClassifyRejectsMalformed(t *testing.T) {
	for _, name := range []string{
		"",
		"orders",
		"IN-orders-csv",
		"inorders-csv",
		"in-orders",
		"in-orders-xml",
		"in--csv",
		"out-",
		"sideways-orders",
	} {
		if _, err := Classify(name); !errors.Is(err, ErrMalformedName) {
			t.Fatalf("Classify(%q): expected ErrMalformedName, got %v", name, err)
		}
	}
}

func TestClassifyOutgoingKeepsTrailingTokens(t *testing.T) {
	got, err := Classify("out-orders-daily")
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if got.Base != "orders-daily" || got.Format != NoFormat {
		t.Fatalf("unexpected classification %+v", got)
	}
}

func TestParseTokens(t *testing.T) {
	if d, err := ParseDirection("In"); err != nil || d != In {
		t.Fatalf("ParseDirection: %v %v", d, err)
	}
	if _, err := ParseDirection("up"); !errors.Is(err, ErrMalformedName) {
		t.Fatalf("expected ErrMalformedName, got %v", err)
	}
	if f, err := ParseFormat("json"); err != nil || f != JSON {
		t.Fatalf("ParseFormat: %v %v", f, err)
	}
	if _, err := ParseFormat("xml"); !errors.Is(err, ErrInvalidFormat) {
		t.Fatalf("expected ErrInvalidFormat, got %v", err)
	}
}

func TestFilter(t *testing.T) {
	names := []string{"out-scores", "in-orders-json", "__consumer_offsets", "in-orders-csv", "in-users-csv"}

	all := Filter(names, 0, NoFormat)
	if len(all) != 4 {
		t.Fatalf("expected 4 classified topics, got %d", len(all))
	}
	if all[0].String() != "in-orders-csv" {
		t.Fatalf("expected sorted output, got %v", all)
	}

	csv := Filter(names, In, CSV)
	if len(csv) != 2 || csv[0].Base != "orders" || csv[1].Base != "users" {
		t.Fatalf("unexpected csv filter result %v", csv)
	}

	out := Filter(names, Out, NoFormat)
	if len(out) != 1 || out[0].Base != "scores" {
		t.Fatalf("unexpected out filter result %v", out)
	}
}

func TestNameJSON(t *testing.T) {
	data, err := json.Marshal(Name{Direction: In, Base: "orders", Format: CSV})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"direction":"IN","base":"orders","format":"CSV"}` {
		t.Fatalf("unexpected json %s", data)
	}
	data, err = json.Marshal(Name{Direction: Out, Base: "orders"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != `{"direction":"OUT","base":"orders"}` {
		t.Fatalf("unexpected json %s", data)
	}
}
