// Package config loads declarative HCL configuration: resource blocks,
// output values, and the backend block selecting where state lives.
package config

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"

	"github.com/stackform-io/stackform/internal/ir"
	"github.com/stackform-io/stackform/internal/state"
)

// DefaultEntryPoint is the configuration file a directory is expected
// to contain.
const DefaultEntryPoint = "main.sf.hcl"

var rootSchema = &hcl.BodySchema{
	Blocks: []hcl.BlockHeaderSchema{
		{Type: "backend", LabelNames: []string{"type"}},
		{Type: "resource", LabelNames: []string{"type", "name"}},
		{Type: "output", LabelNames: []string{"name"}},
	},
}

// Load parses the configuration file at path. The returned backend
// config is nil when no backend block is present (local state).
func Load(path string) (*ir.Config, *state.Config, error) {
	parser := hclparse.NewParser()
	file, diags := parser.ParseHCLFile(path)
	if diags.HasErrors() {
		return nil, nil, fmt.Errorf("failed to parse %s: %s", path, diags.Error())
	}

	content, diags := file.Body.Content(rootSchema)
	if diags.HasErrors() {
		return nil, nil, fmt.Errorf("invalid configuration in %s: %s", path, diags.Error())
	}

	cfg := &ir.Config{}
	var backendCfg *state.Config
	seen := make(map[string]bool)

	for _, block := range content.Blocks {
		switch block.Type {
		case "backend":
			if backendCfg != nil {
				return nil, nil, fmt.Errorf("%s: duplicate backend block", path)
			}
			bc, err := decodeBackend(block)
			if err != nil {
				return nil, nil, err
			}
			backendCfg = bc

		case "resource":
			res, err := decodeResource(block)
			if err != nil {
				return nil, nil, err
			}
			if seen[res.Addr()] {
				return nil, nil, fmt.Errorf("%s: duplicate resource %q", path, res.Addr())
			}
			seen[res.Addr()] = true
			cfg.Resources = append(cfg.Resources, res)

		case "output":
			name := block.Labels[0]
			val, err := attrValue(block.Body, "value")
			if err != nil {
				return nil, nil, fmt.Errorf("output %q: %w", name, err)
			}
			if cfg.Outputs == nil {
				cfg.Outputs = make(map[string]any)
			}
			cfg.Outputs[name] = val
		}
	}

	return cfg, backendCfg, nil
}

func decodeBackend(block *hcl.Block) (*state.Config, error) {
	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("backend %q: %s", block.Labels[0], diags.Error())
	}

	settings := make(map[string]string, len(attrs))
	for name, attr := range attrs {
		val, err := evalAttr(attr)
		if err != nil {
			return nil, fmt.Errorf("backend %q attribute %q: %w", block.Labels[0], name, err)
		}
		settings[name] = fmt.Sprintf("%v", val)
	}

	return &state.Config{Type: block.Labels[0], Config: settings}, nil
}

func decodeResource(block *hcl.Block) (*ir.Resource, error) {
	resType, resName := block.Labels[0], block.Labels[1]

	attrs, diags := block.Body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("resource %s.%s: %s", resType, resName, diags.Error())
	}

	res := &ir.Resource{
		Type:       resType,
		Name:       resName,
		Provider:   providerForType(resType),
		Properties: make(map[string]any),
	}

	for name, attr := range attrs {
		val, err := evalAttr(attr)
		if err != nil {
			return nil, fmt.Errorf("resource %s.%s attribute %q: %w", resType, resName, name, err)
		}

		switch name {
		case "provider":
			res.Provider = fmt.Sprintf("%v", val)
		case "depends_on":
			deps, err := toStringSlice(val)
			if err != nil {
				return nil, fmt.Errorf("resource %s.%s: depends_on must be a list of addresses", resType, resName)
			}
			res.DependsOn = deps
		default:
			res.Properties[name] = val
		}
	}

	return res, nil
}

// providerForType derives the provider from a type like
// "aws:EC2.Instance" or "null_resource".
func providerForType(resType string) string {
	if i := strings.Index(resType, ":"); i > 0 {
		return resType[:i]
	}
	if i := strings.Index(resType, "_"); i > 0 {
		return resType[:i]
	}
	return resType
}

func attrValue(body hcl.Body, name string) (any, error) {
	attrs, diags := body.JustAttributes()
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s", diags.Error())
	}
	attr, ok := attrs[name]
	if !ok {
		return nil, fmt.Errorf("missing required attribute %q", name)
	}
	return evalAttr(attr)
}

// evalAttr evaluates an expression with no variable scope: literals
// only. Cross-resource values are written as ptr:// reference strings
// and resolved at apply time.
func evalAttr(attr *hcl.Attribute) (any, error) {
	val, diags := attr.Expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("%s", diags.Error())
	}
	return ctyToGo(val)
}

func ctyToGo(val cty.Value) (any, error) {
	if val.IsNull() {
		return nil, nil
	}

	ty := val.Type()
	switch {
	case ty == cty.String:
		return val.AsString(), nil
	case ty == cty.Bool:
		return val.True(), nil
	case ty == cty.Number:
		bf := val.AsBigFloat()
		if i, acc := bf.Int64(); acc == big.Exact {
			return i, nil
		}
		f, _ := bf.Float64()
		return f, nil
	case ty.IsTupleType() || ty.IsListType() || ty.IsSetType():
		var out []any
		for it := val.ElementIterator(); it.Next(); {
			_, ev := it.Element()
			item, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out = append(out, item)
		}
		return out, nil
	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any)
		for it := val.ElementIterator(); it.Next(); {
			kv, ev := it.Element()
			item, err := ctyToGo(ev)
			if err != nil {
				return nil, err
			}
			out[kv.AsString()] = item
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}

func toStringSlice(val any) ([]string, error) {
	items, ok := val.([]any)
	if !ok {
		return nil, fmt.Errorf("expected a list")
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected a list of strings")
		}
		out = append(out, s)
	}
	return out, nil
}
