// Package template expands parameterised configuration templates for
// device-template-apply: ${name} references are substituted from a
// variable map before the result is parsed and merged under a device
// mount subtree.
package template

import (
	"fmt"
	"os"
	"regexp"

	"github.com/tidwall/gjson"

	"github.com/conduit-network/conduit/pkg/netconf"
)

var varRef = regexp.MustCompile(`\$\{([A-Za-z0-9_-]+)\}`)

// Expand substitutes ${name} references in the template and parses
// the result. An unbound reference is an error.
func Expand(tmpl string, vars map[string]string) (*netconf.Node, error) {
	var missing []string
	out := varRef.ReplaceAllStringFunc(tmpl, func(ref string) string {
		name := varRef.FindStringSubmatch(ref)[1]
		v, ok := vars[name]
		if !ok {
			missing = append(missing, name)
			return ref
		}
		return v
	})
	if len(missing) > 0 {
		return nil, fmt.Errorf("unbound template variables: %v", missing)
	}
	n, err := netconf.Parse([]byte("<root>" + out + "</root>"))
	if err != nil {
		return nil, fmt.Errorf("template does not parse: %w", err)
	}
	return n, nil
}

// LoadVars reads template variables from a JSON file of the form
// {"name": "value", ...}.
func LoadVars(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	parsed := gjson.ParseBytes(data)
	if !parsed.IsObject() {
		return nil, fmt.Errorf("%s: variables file must be a JSON object", path)
	}
	vars := make(map[string]string)
	parsed.ForEach(func(key, value gjson.Result) bool {
		vars[key.String()] = value.String()
		return true
	})
	return vars, nil
}

// MergeInto overlays the expanded template onto a device subtree;
// template entries win. A nil base yields the template alone.
func MergeInto(base, expanded *netconf.Node) *netconf.Node {
	if base == nil {
		out := expanded.Copy()
		out.XMLName.Local = "root"
		return out
	}
	out := base.Copy()
	for _, tc := range expanded.Children {
		replaced := false
		for i, bc := range out.Children {
			if bc.Name() == tc.Name() && bc.Key() == tc.Key() {
				out.Children[i] = tc.Copy()
				replaced = true
				break
			}
		}
		if !replaced {
			out.Children = append(out.Children, tc.Copy())
		}
	}
	return out
}
