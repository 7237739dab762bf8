// Copyright 2025 Tom Barlow
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

// Package jq evaluates jq expressions against CLI command output.
package jq

import (
	"context"
	"fmt"

	"github.com/itchyny/gojq"
)

// Filter is a compiled jq expression, reusable across inputs.
type Filter struct {
	code *gojq.Code
}

// Compile parses and compiles expression. The empty expression yields a
// pass-through filter.
func Compile(expression string) (*Filter, error) {
	if expression == "" {
		return &Filter{}, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}
	code, err := gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}
	return &Filter{code: code}, nil
}

// Apply runs the filter over one value and returns everything the
// expression emits, in order. Inputs must already be plain JSON shapes
// (map[string]interface{}, []interface{}, scalars); marshal structs
// through encoding/json first.
func (f *Filter) Apply(ctx context.Context, value interface{}) ([]interface{}, error) {
	if f.code == nil {
		return []interface{}{value}, nil
	}

	var out []interface{}
	iter := f.code.RunWithContext(ctx, value)
	for {
		v, ok := iter.Next()
		if !ok {
			break
		}
		if err, isErr := v.(error); isErr {
			return nil, fmt.Errorf("jq: %w", err)
		}
		out = append(out, v)
	}
	return out, nil
}
