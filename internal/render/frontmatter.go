package render

import (
	"bytes"
	"strings"

	"go.trai.ch/zerr"
	"gopkg.in/yaml.v3"
)

// Field is a single frontmatter entry.
type Field struct {
	Key   string
	Value any
}

// Frontmatter is an ordered set of fields; keys are unique.
type Frontmatter []Field

// Get returns the value stored under key.
func (f Frontmatter) Get(key string) (any, bool) {
	for _, fld := range f {
		if fld.Key == key {
			return fld.Value, true
		}
	}
	return nil, false
}

// Set replaces the value under key or appends a new field.
func (f Frontmatter) Set(key string, value any) Frontmatter {
	for i := range f {
		if f[i].Key == key {
			f[i].Value = value
			return f
		}
	}
	return append(f, Field{Key: key, Value: value})
}

// Delete removes key, keeping the order of the remaining fields.
func (f Frontmatter) Delete(key string) Frontmatter {
	out := f[:0]
	for _, fld := range f {
		if fld.Key != key {
			out = append(out, fld)
		}
	}
	return out
}

// Encode renders the fields as a YAML block between --- lines.
func (f Frontmatter) Encode() (string, error) {
	if len(f) == 0 {
		return "---\n---\n", nil
	}

	doc := &yaml.Node{Kind: yaml.MappingNode}
	for _, fld := range f {
		key := &yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: fld.Key}
		val := &yaml.Node{}
		if err := val.Encode(fld.Value); err != nil {
			return "", zerr.With(zerr.Wrap(err, "encode frontmatter field"), "key", fld.Key)
		}
		doc.Content = append(doc.Content, key, val)
	}

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(doc); err != nil {
		return "", zerr.Wrap(err, "encode frontmatter")
	}
	if err := enc.Close(); err != nil {
		return "", zerr.Wrap(err, "encode frontmatter")
	}
	return "---\n" + strings.TrimSpace(buf.String()) + "\n---\n", nil
}
