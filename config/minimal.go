package config

import (
	"bytes"
	"encoding/json"
	"reflect"

	"github.com/creasty/defaults"
	"gopkg.in/yaml.v3"
)

// encodeMinimal serialises cfg leaving out every field whose value equals
// its default. Neither yaml.v3 nor encoding/json can express this through
// tags (omitempty would drop non-zero defaults such as port 8000), so the
// rendered tree is pruned against a rendered default tree instead.
func encodeMinimal(cfg *SystemConfig, format Format) ([]byte, error) {
	defRoute := &Route{}
	if err := defaults.Set(defRoute); err != nil {
		return nil, err
	}

	if format == FormatJSON {
		tree, err := jsonTree(cfg)
		if err != nil {
			return nil, err
		}
		defTree, err := jsonTree(Default())
		if err != nil {
			return nil, err
		}
		routeTree, err := jsonTree(defRoute)
		if err != nil {
			return nil, err
		}
		pruneJSONMap(tree, defTree, map[string]map[string]any{"routes": routeTree})
		data, err := json.MarshalIndent(tree, "", "  ")
		if err != nil {
			return nil, err
		}
		return append(data, '\n'), nil
	}

	node, err := yamlTree(cfg)
	if err != nil {
		return nil, err
	}
	defNode, err := yamlTree(Default())
	if err != nil {
		return nil, err
	}
	routeNode, err := yamlTree(defRoute)
	if err != nil {
		return nil, err
	}
	pruneYAMLMapping(node, defNode, map[string]*yaml.Node{"routes": routeNode})

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(node); err != nil {
		return nil, err
	}
	if err := enc.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func jsonTree(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	tree := map[string]any{}
	if err := json.Unmarshal(data, &tree); err != nil {
		return nil, err
	}
	return tree, nil
}

// pruneJSONMap removes entries from m whose value equals the corresponding
// default. Sequence entries named in elemDefaults (the routes list) have
// each element pruned against the per-element default instead.
func pruneJSONMap(m, def map[string]any, elemDefaults map[string]map[string]any) {
	for key, value := range m {
		elemDef, isElemSeq := elemDefaults[key]
		if seq, ok := value.([]any); ok && isElemSeq {
			for _, elem := range seq {
				if elemMap, ok := elem.(map[string]any); ok {
					pruneJSONMap(elemMap, elemDef, elemDefaults)
				}
			}
			if len(seq) == 0 {
				delete(m, key)
			}
			continue
		}
		defValue, ok := def[key]
		if !ok {
			continue
		}
		if sub, ok := value.(map[string]any); ok {
			if defSub, ok := defValue.(map[string]any); ok {
				pruneJSONMap(sub, defSub, elemDefaults)
				if len(sub) == 0 {
					delete(m, key)
				}
				continue
			}
		}
		if reflect.DeepEqual(value, defValue) {
			delete(m, key)
		}
	}
}

func yamlTree(v any) (*yaml.Node, error) {
	data, err := yaml.Marshal(v)
	if err != nil {
		return nil, err
	}
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	if len(doc.Content) == 0 {
		return &yaml.Node{Kind: yaml.MappingNode, Tag: "!!map"}, nil
	}
	return doc.Content[0], nil
}

func yamlNodeEqual(a, b *yaml.Node) bool {
	if a.Kind != b.Kind || a.Tag != b.Tag || a.Value != b.Value {
		return false
	}
	if len(a.Content) != len(b.Content) {
		return false
	}
	for i := range a.Content {
		if !yamlNodeEqual(a.Content[i], b.Content[i]) {
			return false
		}
	}
	return true
}

func yamlLookup(mapping *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(mapping.Content); i += 2 {
		if mapping.Content[i].Value == key {
			return mapping.Content[i+1]
		}
	}
	return nil
}

// pruneYAMLMapping mirrors pruneJSONMap on a yaml.Node tree, which keeps
// the declared field order that a map rendering would lose.
func pruneYAMLMapping(node, def *yaml.Node, elemDefaults map[string]*yaml.Node) {
	kept := node.Content[:0]
	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i], node.Content[i+1]

		if elemDef, ok := elemDefaults[key.Value]; ok && value.Kind == yaml.SequenceNode {
			for _, elem := range value.Content {
				if elem.Kind == yaml.MappingNode {
					pruneYAMLMapping(elem, elemDef, elemDefaults)
				}
			}
			if len(value.Content) == 0 {
				continue
			}
			kept = append(kept, key, value)
			continue
		}

		defValue := yamlLookup(def, key.Value)
		if defValue != nil {
			if value.Kind == yaml.MappingNode && defValue.Kind == yaml.MappingNode {
				pruneYAMLMapping(value, defValue, elemDefaults)
				if len(value.Content) == 0 {
					continue
				}
				kept = append(kept, key, value)
				continue
			}
			if yamlNodeEqual(value, defValue) {
				continue
			}
		}
		kept = append(kept, key, value)
	}
	node.Content = kept
}
