package workflowdef

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// StringList accepts either a single string or a list of strings.
type StringList []string

// UnmarshalYAML implements the obsolete yaml.Unmarshaler so scalars and
// sequences both decode.
func (s *StringList) UnmarshalYAML(unmarshal func(any) error) error {
	var stringType string
	if err := unmarshal(&stringType); err == nil {
		if stringType == "" {
			*s = nil // null or empty
			return nil
		}
		*s = []string{stringType}
		return nil
	}

	var sliceType []any
	if err := unmarshal(&sliceType); err == nil {
		if sliceType == nil {
			*s = nil
			return nil
		}

		parts := make([]string, len(sliceType))
		for k, v := range sliceType {
			switch sv := v.(type) {
			case string:
				parts[k] = sv
			case int, float64, bool:
				parts[k] = fmt.Sprint(sv)
			default:
				return fmt.Errorf("cannot unmarshal '%v' of type %T into a string value", v, v)
			}
		}

		*s = parts
		return nil
	}

	return errors.New("failed to unmarshal string or list of strings")
}

// flexBool accepts a YAML boolean or a quoted "true"/"false".
type flexBool bool

func (b *flexBool) UnmarshalYAML(value *yaml.Node) error {
	var v bool
	if err := value.Decode(&v); err == nil {
		*b = flexBool(v)
		return nil
	}
	parsed, err := strconv.ParseBool(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("line %d: expected a boolean, got %q (expressions are not supported here)", value.Line, value.Value)
	}
	*b = flexBool(parsed)
	return nil
}

// flexNumber accepts a YAML number or a quoted number.
type flexNumber float64

func (n *flexNumber) UnmarshalYAML(value *yaml.Node) error {
	f, err := strconv.ParseFloat(strings.TrimSpace(value.Value), 64)
	if err != nil {
		return fmt.Errorf("line %d: expected a number, got %q", value.Line, value.Value)
	}
	*n = flexNumber(f)
	return nil
}

// mappingPairs returns the key/value node pairs of a mapping in document
// order.
func mappingPairs(n *yaml.Node) [][2]*yaml.Node {
	if n == nil || n.Kind != yaml.MappingNode {
		return nil
	}
	pairs := make([][2]*yaml.Node, 0, len(n.Content)/2)
	for i := 0; i+1 < len(n.Content); i += 2 {
		pairs = append(pairs, [2]*yaml.Node{n.Content[i], n.Content[i+1]})
	}
	return pairs
}

// present reports whether a node field was set in the document. Absent
// fields decode to the zero Node; explicit nulls keep their tag.
func present(n *yaml.Node) bool {
	return n != nil && n.Kind != 0
}

func isNull(n *yaml.Node) bool {
	return n.Kind == yaml.ScalarNode && n.Tag == "!!null"
}
