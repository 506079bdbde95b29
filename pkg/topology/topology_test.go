package topology

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestRewriteSubstitutesKnownPlaceholders(t *testing.T) {
	doc := []byte(`
# lab topology
nodes:
  - name: router1
    tags:
      - "serial:${PORT_SERIAL_1}"
  - name: pc1
    tags:
      - "vnc:${PORT_VNC_1}"
`)
	out, err := Rewrite(doc, map[string]int{"PORT_SERIAL_1": 2000, "PORT_VNC_1": 2001})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, yaml.Unmarshal(out, &got))
	nodes := got["nodes"].([]any)
	assert.Contains(t, nodes[0].(map[string]any)["tags"].([]any)[0], "serial:2000")
	assert.Contains(t, nodes[1].(map[string]any)["tags"].([]any)[0], "vnc:2001")
}

func TestRewritePreservesComments(t *testing.T) {
	doc := []byte("# keep me\nname: ${NAME}\n")
	out, err := Rewrite(doc, map[string]int{"NAME": 5000})
	require.NoError(t, err)
	assert.Contains(t, string(out), "# keep me")
	assert.Contains(t, string(out), "5000")
}

func TestRewriteLeavesUnknownAndMalformedTokensUntouched(t *testing.T) {
	doc := []byte("a: ${UNKNOWN}\nb: ${malformed\nc: normal text\n")
	out, err := Rewrite(doc, map[string]int{"KNOWN": 1})
	require.NoError(t, err)
	s := string(out)
	assert.Contains(t, s, "${UNKNOWN}")
	assert.Contains(t, s, "${malformed")
}
