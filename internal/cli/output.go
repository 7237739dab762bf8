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

package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/tombee/cdktr/internal/jq"
)

// renderJSON writes v to w as a single JSON document, or as the stream
// of values a jq expression produces from it.
func renderJSON(ctx context.Context, w io.Writer, expression string, v any) error {
	enc := json.NewEncoder(w)
	if expression == "" {
		return enc.Encode(v)
	}
	filter, err := jq.Compile(expression)
	if err != nil {
		return err
	}
	shaped, err := toJSONShape(v)
	if err != nil {
		return err
	}
	values, err := filter.Apply(ctx, shaped)
	if err != nil {
		return err
	}
	for _, value := range values {
		if err := enc.Encode(value); err != nil {
			return err
		}
	}
	return nil
}

// toJSONShape round-trips v through encoding/json so jq sees the same
// maps and slices it would get from parsing the wire payload.
func toJSONShape(v any) (any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	var shaped any
	if err := json.Unmarshal(data, &shaped); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return shaped, nil
}

// formatMillis renders a unix-milliseconds timestamp in local time.
func formatMillis(ms int64) string {
	if ms <= 0 {
		return "-"
	}
	return time.UnixMilli(ms).Local().Format("2006-01-02 15:04:05")
}

// formatAgo renders how long ago a unix-milliseconds timestamp was,
// rounded to the most useful unit.
func formatAgo(ms int64, now time.Time) string {
	if ms <= 0 {
		return "never"
	}
	d := now.Sub(time.UnixMilli(ms))
	switch {
	case d < 0:
		return "just now"
	case d < time.Second:
		return "just now"
	case d < time.Minute:
		return fmt.Sprintf("%ds ago", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(d.Hours()/24))
	}
}

// truncate shortens s to max runes, marking the cut with an ellipsis.
func truncate(s string, max int) string {
	if max <= 3 {
		max = 3
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
