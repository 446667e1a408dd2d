package runtime

import (
	"fmt"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/wehubfusion/cubetl/pkg/message"
)

// PropertyList is an ordered list of named values. In YAML it is written as
// a mapping whose key order is kept.
type PropertyList []Property

// UnmarshalYAML decodes a mapping preserving key order.
func (l *PropertyList) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: properties must be a mapping", node.Line)
	}
	out := make(PropertyList, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		var v any
		if err := node.Content[i+1].Decode(&v); err != nil {
			return err
		}
		out = append(out, Property{Name: node.Content[i].Value, Value: v})
	}
	*l = out
	return nil
}

// Map returns the properties as a map.
func (l PropertyList) Map() map[string]any {
	m := make(map[string]any, len(l))
	for _, p := range l {
		m[p.Name] = p.Value
	}
	return m
}

// ContextProperties publishes its properties into the context property
// table at initialization. Values may be templates; they are evaluated
// against an empty message. A name that is already present keeps its value.
type ContextProperties struct {
	Base       `yaml:",inline"`
	Properties PropertyList `yaml:"properties"`
}

// NewContextProperties creates a loader from name/value pairs.
func NewContextProperties(kv ...any) *ContextProperties {
	p := &ContextProperties{}
	for i := 0; i+1 < len(kv); i += 2 {
		p.Properties = append(p.Properties, Property{Name: fmt.Sprint(kv[i]), Value: kv[i+1]})
	}
	return p
}

// Initialize evaluates and registers the properties in order.
func (p *ContextProperties) Initialize(ctx *Context) error {
	logger := ctx.Logger().Named("properties")
	for _, prop := range p.Properties {
		if prop.Name == "id" || prop.Name == "urn" {
			continue
		}
		if _, exists := ctx.Prop(prop.Name); exists {
			logger.Debug("property already set, keeping first value",
				zap.String("property", prop.Name),
				zap.String("component", p.URN()))
			continue
		}
		v, err := ctx.InterpolateValue(p.URN(), prop.Value, message.New())
		if err != nil {
			return err
		}
		ctx.SetProp(prop.Name, v)
	}
	return nil
}

// Describe returns the declared properties.
func (p *ContextProperties) Describe() []Property {
	return append([]Property(nil), p.Properties...)
}
