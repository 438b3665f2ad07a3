// Package payload turns a submission into the body posted to a hook.
//
// Templates use ##field## placeholders. Substitution is plain text replacement:
// values are inserted unescaped and the template owner is trusted to produce
// whatever the receiving endpoint expects.
package payload

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/marminbh/hook-svc/internal/models"
)

const (
	ContentTypeJSON = "application/json"
	ContentTypeText = "text/plain; charset=utf-8"

	placeholderDelim = "##"
)

// Payload is a rendered request body
type Payload struct {
	Body        []byte
	ContentType string
}

// Build shapes the submission fields for the hook and renders them. The result
// depends only on its inputs so that retries post byte-identical bodies.
func Build(fields models.FieldMap, hook models.Hook) (Payload, error) {
	shaped := Shape(fields, hook.SubsetFields, hook.FilteredFields)

	if hook.PayloadTemplate != "" {
		rendered := Render(hook.PayloadTemplate, shaped)
		contentType := ContentTypeText
		if gjson.Valid(rendered) {
			contentType = ContentTypeJSON
		}
		return Payload{Body: []byte(rendered), ContentType: contentType}, nil
	}

	body, err := shaped.MarshalJSON()
	if err != nil {
		return Payload{}, fmt.Errorf("failed to encode fields: %w", err)
	}
	return Payload{Body: body, ContentType: ContentTypeJSON}, nil
}

// Shape applies the allow-list, keeping its order, and then the deny-list
func Shape(fields models.FieldMap, subset, filtered []string) models.FieldMap {
	out := fields
	if len(subset) > 0 {
		out = make(models.FieldMap, 0, len(subset))
		seen := make(map[string]struct{}, len(subset))
		for _, name := range subset {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			if value, ok := fields.Get(name); ok {
				out = append(out, models.Field{Name: name, Value: value})
			}
		}
	}

	if len(filtered) == 0 {
		return out
	}

	deny := make(map[string]struct{}, len(filtered))
	for _, name := range filtered {
		deny[name] = struct{}{}
	}
	kept := make(models.FieldMap, 0, len(out))
	for _, f := range out {
		if _, drop := deny[f.Name]; !drop {
			kept = append(kept, f)
		}
	}
	return kept
}

// Render replaces ##name## with the field value. Strings are inserted without
// their quotes, anything else as compact JSON. Unknown placeholders stay as is.
func Render(template string, fields models.FieldMap) string {
	if len(fields) == 0 || !strings.Contains(template, placeholderDelim) {
		return template
	}

	pairs := make([]string, 0, len(fields)*2)
	for _, f := range fields {
		pairs = append(pairs, placeholderDelim+f.Name+placeholderDelim, renderValue(f.Value))
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

func renderValue(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	value := gjson.ParseBytes(raw)
	if value.Type == gjson.String {
		return value.String()
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, raw); err != nil {
		return string(raw)
	}
	return compact.String()
}
