package topology

import (
	"regexp"
	"strconv"

	"github.com/cuemby/cmlfleet/pkg/orcherr"
	"gopkg.in/yaml.v3"
)

// placeholderPattern matches exact ${NAME} tokens; NAME is restricted to
// the identifier charset the port template uses.
var placeholderPattern = regexp.MustCompile(`\$\{([A-Za-z0-9_]+)\}`)

// Rewrite decodes a YAML topology document into a node tree, substitutes
// every exact ${NAME} token found in string scalars with its assigned
// port from ports, and re-encodes the tree. Document ordering and
// comments are preserved because substitution mutates scalar node
// values in place rather than re-serializing from a plain Go value.
// Tokens not present in ports, including malformed ${...} sequences, are
// left untouched.
func Rewrite(doc []byte, ports map[string]int) ([]byte, error) {
	var root yaml.Node
	if err := yaml.Unmarshal(doc, &root); err != nil {
		return nil, orcherr.New(orcherr.InvalidArgument, "topology is not valid YAML: %v", err)
	}

	walk(&root, ports)

	out, err := yaml.Marshal(&root)
	if err != nil {
		return nil, orcherr.Wrap(orcherr.InvalidArgument, err, "failed to re-encode rewritten topology")
	}
	return out, nil
}

func walk(n *yaml.Node, ports map[string]int) {
	if n.Kind == yaml.ScalarNode && n.Tag == "!!str" {
		n.Value = substitute(n.Value, ports)
		return
	}
	for _, child := range n.Content {
		walk(child, ports)
	}
}

func substitute(s string, ports map[string]int) string {
	return placeholderPattern.ReplaceAllStringFunc(s, func(token string) string {
		name := placeholderPattern.FindStringSubmatch(token)[1]
		port, ok := ports[name]
		if !ok {
			return token
		}
		return strconv.Itoa(port)
	})
}
