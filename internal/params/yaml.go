package params

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// UnmarshalYAML decodes a YAML mapping preserving key order. A null value
// becomes None, nested mappings become nested sets.
func (s *Set) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.AliasNode {
		node = node.Alias
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		*s = Set{values: make(map[string]any)}
		return nil
	}
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: expected a mapping of directives, got %s", node.Line, kindName(node.Kind))
	}
	decoded := Set{values: make(map[string]any)}
	for i := 0; i+1 < len(node.Content); i += 2 {
		var key string
		if err := node.Content[i].Decode(&key); err != nil {
			return fmt.Errorf("line %d: decode key: %w", node.Content[i].Line, err)
		}
		value, err := decodeNode(node.Content[i+1])
		if err != nil {
			return fmt.Errorf("directive %q: %w", key, err)
		}
		decoded.Set(key, value)
	}
	*s = decoded
	return nil
}

// MarshalYAML encodes the set as an ordered mapping with None as null.
func (s *Set) MarshalYAML() (any, error) {
	node := &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}
	for _, k := range s.Keys() {
		v, _ := s.Get(k)
		valueNode := &yaml.Node{}
		if err := valueNode.Encode(v); err != nil {
			return nil, fmt.Errorf("encode directive %q: %w", k, err)
		}
		node.Content = append(node.Content,
			&yaml.Node{Kind: yaml.ScalarNode, Tag: "!!str", Value: k},
			valueNode,
		)
	}
	return node, nil
}

// ParseValue interprets a single textual value with YAML scalar rules, so
// "5001" is an int, "1e-4" a float, ".TRUE." stays a string, and "null", "~"
// or "none" (any case) is None.
func ParseValue(raw string) (any, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.EqualFold(trimmed, "none") {
		return None, nil
	}
	var node yaml.Node
	if err := yaml.Unmarshal([]byte(trimmed), &node); err != nil {
		return nil, fmt.Errorf("parse value %q: %w", raw, err)
	}
	if node.Kind == 0 || len(node.Content) == 0 {
		return None, nil
	}
	return decodeNode(node.Content[0])
}

// ParseAssignments builds a set from "key=value" strings, in order. Keys are
// lowercased.
func ParseAssignments(pairs []string) (*Set, error) {
	out := New()
	for _, pair := range pairs {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		k, v, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid directive %q, expected key=value", pair)
		}
		key := strings.ToLower(strings.TrimSpace(k))
		if key == "" {
			return nil, fmt.Errorf("empty key in directive %q", pair)
		}
		value, err := ParseValue(v)
		if err != nil {
			return nil, err
		}
		out.Set(key, value)
	}
	return out, nil
}

func decodeNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.AliasNode:
		return decodeNode(node.Alias)
	case yaml.MappingNode:
		sub := New()
		if err := sub.UnmarshalYAML(node); err != nil {
			return nil, err
		}
		return sub, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, item := range node.Content {
			v, err := decodeNode(item)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return None, nil
		}
		var v any
		if err := node.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", node.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: unsupported YAML node %s", node.Line, kindName(node.Kind))
}

func kindName(k yaml.Kind) string {
	switch k {
	case yaml.DocumentNode:
		return "document"
	case yaml.SequenceNode:
		return "sequence"
	case yaml.MappingNode:
		return "mapping"
	case yaml.ScalarNode:
		return "scalar"
	case yaml.AliasNode:
		return "alias"
	}
	return "empty node"
}
