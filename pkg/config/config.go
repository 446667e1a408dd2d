// Package config loads pipeline definitions from YAML.
//
// A document has four optional sections:
//
//	properties:            # context properties, first value wins
//	  input: data/in.csv
//	mappings:              # reusable entry fragments
//	  - urn: id-columns
//	    entries:
//	      - name: id
//	components:            # shared components referenced by urn
//	  - type: sql.Connection
//	    urn: db
//	    dsn: postgres://localhost/warehouse
//	pipeline:              # the root chain
//	  urn: main
//	  nodes:
//	    - type: sql.QueryReader
//	      connection: db
//	      query: select * from orders
//	    - type: Chain
//	      nodes: [...]
//	    - db-writer        # a declared component, by urn
//
// Every typed entry is created through a runtime.Factory and decoded into
// the component's yaml-tagged fields.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	cerrors "github.com/wehubfusion/cubetl/pkg/errors"
	"github.com/wehubfusion/cubetl/pkg/runtime"
)

// PropertiesURN is the urn of the properties loader built from the
// properties section.
const PropertiesURN = "properties"

type document struct {
	Properties runtime.PropertyList `yaml:"properties"`
	Mappings   []*runtime.Mappings  `yaml:"mappings"`
	Components []yaml.Node          `yaml:"components"`
	Pipeline   yaml.Node            `yaml:"pipeline"`
}

// Definition is a loaded pipeline.
type Definition struct {
	// Source names where the definition came from.
	Source     string
	Properties *runtime.ContextProperties
	Mappings   []*runtime.Mappings
	Components []runtime.Component
	Pipeline   *runtime.Chain

	declared []runtime.Component
}

// LoadFile reads and loads a definition file.
func LoadFile(path string, factory *runtime.Factory) (*Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read pipeline: %w", err)
	}
	return load(path, data, factory)
}

// Load builds a definition from YAML data.
func Load(data []byte, factory *runtime.Factory) (*Definition, error) {
	return load("pipeline", data, factory)
}

func load(source string, data []byte, factory *runtime.Factory) (*Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, cerrors.NewConfigurationError(source, "invalid pipeline YAML", err)
	}

	l := &loader{source: source, factory: factory, byURN: make(map[string]runtime.Component)}
	def := &Definition{Source: source}

	if len(doc.Properties) > 0 {
		def.Properties = &runtime.ContextProperties{Properties: doc.Properties}
		def.Properties.SetURN(PropertiesURN)
		l.declare(def.Properties)
	}
	for i, m := range doc.Mappings {
		if m == nil || m.ID == "" {
			return nil, cerrors.Configurationf(source, "mappings entry %d has no urn", i)
		}
		def.Mappings = append(def.Mappings, m)
		l.declare(m)
	}
	for i := range doc.Components {
		c, err := l.component(&doc.Components[i])
		if err != nil {
			return nil, err
		}
		def.Components = append(def.Components, c)
	}

	if doc.Pipeline.Kind == 0 {
		return nil, cerrors.Configurationf(source, "pipeline is required")
	}
	root, err := l.pipeline(&doc.Pipeline)
	if err != nil {
		return nil, err
	}
	def.Pipeline = root
	def.declared = l.declared
	return def, nil
}

// Declared returns every component of the definition in document order,
// nested nodes before the chain holding them.
func (d *Definition) Declared() []runtime.Component {
	return append([]runtime.Component(nil), d.declared...)
}

// Apply declares the definition's components in ctx and loads the
// properties. Nodes are initialized when the pipeline runs.
func (d *Definition) Apply(ctx *runtime.Context) error {
	for _, c := range d.declared {
		if err := ctx.Add(c); err != nil {
			return err
		}
	}
	if d.Properties != nil {
		return ctx.Require(d.Properties)
	}
	return nil
}

type loader struct {
	source   string
	factory  *runtime.Factory
	byURN    map[string]runtime.Component
	declared []runtime.Component
}

func (l *loader) declare(c runtime.Component) {
	l.byURN[c.URN()] = c
	l.declared = append(l.declared, c)
}

func (l *loader) errorf(n *yaml.Node, format string, args ...any) error {
	return cerrors.Configurationf(l.source, "line %d: %s", n.Line, fmt.Sprintf(format, args...))
}

// pipeline accepts a chain mapping or a bare node list.
func (l *loader) pipeline(n *yaml.Node) (*runtime.Chain, error) {
	if n.Kind == yaml.SequenceNode {
		nodes, err := l.nodes(n)
		if err != nil {
			return nil, err
		}
		root := runtime.NewChain(nodes...)
		root.SetURN("pipeline")
		l.declare(root)
		return root, nil
	}
	if n.Kind != yaml.MappingNode {
		return nil, l.errorf(n, "pipeline must be a mapping or a list of nodes")
	}
	if value(n, "type") == nil {
		root := &runtime.Chain{}
		if err := l.chain(n, root); err != nil {
			return nil, err
		}
		l.declare(root)
		return root, nil
	}
	c, err := l.component(n)
	if err != nil {
		return nil, err
	}
	root, ok := c.(*runtime.Chain)
	if !ok {
		return nil, l.errorf(n, "pipeline must be a Chain, got %s", runtime.TypeName(c))
	}
	return root, nil
}

// component creates and decodes a typed entry and declares it.
func (l *loader) component(n *yaml.Node) (runtime.Component, error) {
	if n.Kind != yaml.MappingNode {
		return nil, l.errorf(n, "component must be a mapping")
	}
	t := value(n, "type")
	if t == nil || t.Value == "" {
		return nil, l.errorf(n, "component type is required")
	}
	c, err := l.factory.Create(t.Value)
	if err != nil {
		return nil, cerrors.NewConfigurationError(l.source, fmt.Sprintf("line %d: cannot create component", t.Line), err)
	}

	if chain, ok := c.(*runtime.Chain); ok {
		err = l.chain(n, chain)
	} else if err = n.Decode(c); err != nil {
		err = cerrors.NewConfigurationError(l.source, fmt.Sprintf("line %d: invalid %s", n.Line, t.Value), err)
	}
	if err != nil {
		return nil, err
	}
	if _, dup := l.byURN[c.URN()]; dup {
		return nil, l.errorf(n, "duplicate urn %s", c.URN())
	}
	l.declare(c)
	return c, nil
}

func (l *loader) chain(n *yaml.Node, chain *runtime.Chain) error {
	if err := n.Decode(chain); err != nil {
		return cerrors.NewConfigurationError(l.source, fmt.Sprintf("line %d: invalid chain", n.Line), err)
	}
	list := value(n, "nodes")
	if list == nil {
		return l.errorf(n, "chain has no nodes")
	}
	nodes, err := l.nodes(list)
	if err != nil {
		return err
	}
	chain.Nodes = nodes
	return nil
}

// nodes builds a node list. A scalar item references a component declared
// earlier in the document.
func (l *loader) nodes(n *yaml.Node) ([]runtime.Node, error) {
	if n.Kind != yaml.SequenceNode {
		return nil, l.errorf(n, "nodes must be a list")
	}
	out := make([]runtime.Node, 0, len(n.Content))
	for _, item := range n.Content {
		var (
			c   runtime.Component
			err error
		)
		if item.Kind == yaml.ScalarNode {
			var ok bool
			if c, ok = l.byURN[item.Value]; !ok {
				return nil, cerrors.NewConfigurationError(l.source,
					fmt.Sprintf("line %d: unknown component %s", item.Line, item.Value), cerrors.ErrUnknownReference)
			}
		} else if c, err = l.component(item); err != nil {
			return nil, err
		}
		node, ok := c.(runtime.Node)
		if !ok {
			return nil, l.errorf(item, "%s is not a node", runtime.Name(c))
		}
		out = append(out, node)
	}
	return out, nil
}

// value returns the value node of key in a mapping node.
func value(n *yaml.Node, key string) *yaml.Node {
	for i := 0; i+1 < len(n.Content); i += 2 {
		if n.Content[i].Value == key {
			return n.Content[i+1]
		}
	}
	return nil
}
