package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"github.com/tidwall/gjson"
)

// Field is one submission answer. Value holds the raw JSON of the answer.
type Field struct {
	Name  string
	Value json.RawMessage
}

// FieldMap is an ordered set of submission fields with unique names. JSON
// decoding keeps document order; a repeated key keeps its first position and
// takes the last value, matching encoding/json's override semantics.
type FieldMap []Field

// Get returns the raw value of a field
func (m FieldMap) Get(name string) (json.RawMessage, bool) {
	for _, f := range m {
		if f.Name == name {
			return f.Value, true
		}
	}
	return nil, false
}

// Names returns field names in order
func (m FieldMap) Names() []string {
	names := make([]string, len(m))
	for i, f := range m {
		names[i] = f.Name
	}
	return names
}

func (m FieldMap) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range m {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		if len(f.Value) == 0 {
			buf.WriteString("null")
			continue
		}
		if err := json.Compact(&buf, f.Value); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (m *FieldMap) UnmarshalJSON(data []byte) error {
	if !gjson.ValidBytes(data) {
		return errors.New("field map: invalid JSON")
	}
	doc := gjson.ParseBytes(data)
	if doc.Type == gjson.Null {
		*m = nil
		return nil
	}
	if !doc.IsObject() {
		return errors.New("field map: expected a JSON object")
	}

	out := FieldMap{}
	index := map[string]int{}
	doc.ForEach(func(key, value gjson.Result) bool {
		raw := json.RawMessage(value.Raw)
		if i, ok := index[key.String()]; ok {
			out[i].Value = raw
			return true
		}
		index[key.String()] = len(out)
		out = append(out, Field{Name: key.String(), Value: raw})
		return true
	})
	*m = out
	return nil
}

// Submission is the snapshot of a created submission used to build payloads
type Submission struct {
	UUID        string    `gorm:"primaryKey" json:"uuid"`
	FormID      string    `gorm:"not null;index" json:"form_id"`
	Fields      FieldMap  `gorm:"serializer:json;type:text" json:"fields"`
	DateCreated time.Time `gorm:"autoCreateTime" json:"date_created"`
}

func (Submission) TableName() string {
	return "hook_submissions"
}
