package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleState = `{
  "format_version": "4",
  "serial": 7,
  "resources": [
    {
      "mode": "managed",
      "type": "random_id",
      "name": "example",
      "instances": [
        {"attributes": {"byte_length": 4, "hex": "deadbeef"}}
      ]
    },
    {
      "mode": "managed",
      "type": "google_compute_instance",
      "name": "main_0",
      "instances": [
        {"attributes": {
          "name": "vm-a",
          "tags": ["web", "ssh"],
          "labels": {"env": "prod"}
        }}
      ]
    }
  ]
}`

func TestParseAccessors(t *testing.T) {
	doc, err := ParseBytes([]byte(sampleState))
	require.NoError(t, err)

	root := doc.Root()
	assert.Equal(t, KindObject, doc.KindOf(root))

	serial, ok := doc.Field(root, "serial")
	require.True(t, ok)
	n, ok := doc.Number(serial)
	require.True(t, ok)
	assert.Equal(t, float64(7), n)

	version, ok := doc.Field(root, "format_version")
	require.True(t, ok)
	s, ok := doc.String(version)
	require.True(t, ok)
	assert.Equal(t, "4", s)

	_, ok = doc.Field(root, "missing")
	assert.False(t, ok)
}

func TestParseRejectsGarbage(t *testing.T) {
	_, err := ParseBytes([]byte(`{"a": 1} trailing`))
	assert.Error(t, err)

	_, err = ParseBytes([]byte(`{"a": `))
	assert.Error(t, err)
}

func TestKeyOrderStable(t *testing.T) {
	doc, err := ParseBytes([]byte(`{"z": 1, "a": 2, "m": 3}`))
	require.NoError(t, err)

	assert.Equal(t, []string{"z", "a", "m"}, doc.Keys(doc.Root()))
}

func TestPathWalk(t *testing.T) {
	doc, err := ParseBytes([]byte(`{"a": {"b": [{"c": "hit"}]}}`))
	require.NoError(t, err)

	node, ok := doc.Path(doc.Root(), "a", "b", "0", "c")
	require.True(t, ok)
	s, _ := doc.String(node)
	assert.Equal(t, "hit", s)

	_, ok = doc.Path(doc.Root(), "a", "b", "1", "c")
	assert.False(t, ok)
}

func TestResources(t *testing.T) {
	doc, err := ParseBytes([]byte(sampleState))
	require.NoError(t, err)

	resources := Resources(doc)
	require.Len(t, resources, 2)
	assert.Equal(t, "random_id.example", resources[0].Addr())
	assert.Equal(t, "google_compute_instance.main_0", resources[1].Addr())

	res, ok := FindResource(doc, "google_compute_instance.main_0")
	require.True(t, ok)

	nameNode, ok := doc.Field(res.Attrs, "name")
	require.True(t, ok)
	name, _ := doc.String(nameNode)
	assert.Equal(t, "vm-a", name)

	_, ok = FindResource(doc, "google_compute_instance.absent")
	assert.False(t, ok)
}

func TestSplitAttrPath(t *testing.T) {
	addr, path, ok := SplitAttrPath("google_compute_instance.main_0.name")
	require.True(t, ok)
	assert.Equal(t, "google_compute_instance.main_0", addr)
	assert.Equal(t, []string{"name"}, path)

	addr, path, ok = SplitAttrPath("google_compute_firewall.fw.allow.0.protocol")
	require.True(t, ok)
	assert.Equal(t, "google_compute_firewall.fw", addr)
	assert.Equal(t, []string{"allow", "0", "protocol"}, path)

	_, _, ok = SplitAttrPath("too.short")
	assert.False(t, ok)
}

func TestLiteral(t *testing.T) {
	doc, err := ParseBytes([]byte(`{"s": "txt", "n": 42, "b": true, "nul": null, "o": {}}`))
	require.NoError(t, err)

	get := func(key string) NodeID {
		id, ok := doc.Field(doc.Root(), key)
		require.True(t, ok)
		return id
	}

	assert.Equal(t, "txt", doc.Literal(get("s")))
	assert.Equal(t, "42", doc.Literal(get("n")))
	assert.Equal(t, "true", doc.Literal(get("b")))
	assert.Equal(t, "null", doc.Literal(get("nul")))
	assert.Equal(t, "<object>", doc.Literal(get("o")))
	assert.Equal(t, "<missing>", doc.Literal(InvalidNode))
}
