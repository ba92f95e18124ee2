package contract

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFieldTypeClassification(t *testing.T) {
	assert.True(t, FieldType("string").IsScalar())
	assert.True(t, FieldType("integer").IsScalar())
	assert.True(t, FieldType("object").IsScalar())
	assert.False(t, FieldType("string").IsMedia())

	assert.True(t, FieldType("image/png").IsMedia())
	assert.True(t, FieldType("video/mp4").IsMedia())
	assert.True(t, FieldType("file/x-zip+compressed").IsMedia())
	assert.False(t, FieldType("image/png").IsScalar())

	assert.False(t, FieldType("text/plain").IsMedia())
	assert.False(t, FieldType("image/").IsMedia())
	assert.False(t, FieldType("float").Valid())
	assert.True(t, FieldType("audio/wav").Valid())
}

func TestCanonicalExt(t *testing.T) {
	assert.Equal(t, ".png", FieldType("image/png").CanonicalExt())
	assert.Equal(t, ".jpg", FieldType("image/jpeg").CanonicalExt())
	assert.Equal(t, ".mp4", FieldType("video/mp4").CanonicalExt())
	// Unknown media subtypes still get a generic extension.
	assert.Equal(t, ".bin", FieldType("file/safetensors").CanonicalExt())
	// Scalars have no extension.
	assert.Equal(t, "", FieldType("string").CanonicalExt())
}

func validContract() *WorkflowContract {
	return &WorkflowContract{
		ContractID: "demo",
		Version:    "1",
		Inputs: []InputField{
			{Name: "prompt", Type: "string", Required: true, NodeID: "1"},
		},
		Outputs: []OutputField{
			{Name: "caption", Type: "string", NodeID: "10"},
		},
	}
}

func TestContractValidate(t *testing.T) {
	require.NoError(t, validContract().Validate())

	c := validContract()
	c.Inputs = nil
	assert.Error(t, c.Validate())

	c = validContract()
	c.Outputs = nil
	assert.Error(t, c.Validate())

	c = validContract()
	c.Inputs = append(c.Inputs, InputField{Name: "prompt", Type: "string", NodeID: "2"})
	assert.Error(t, c.Validate(), "duplicate input names must be rejected")

	c = validContract()
	c.Outputs[0].Type = "floaty"
	assert.Error(t, c.Validate())
}

func TestSanitizeName(t *testing.T) {
	assert.Equal(t, "in.png", SanitizeName("in.png"))
	assert.Equal(t, "in.png", SanitizeName("../../etc/in.png"))
	assert.Equal(t, "in.png", SanitizeName(`C:\Users\x\in.png`))
	assert.Equal(t, "", SanitizeName(".."))
	assert.Equal(t, "", SanitizeName(""))
}

func TestLoadContractJSONAndYAML(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "c.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(`{
		"contract_id": "demo", "version": "1",
		"inputs":  [{"name": "prompt", "type": "string", "required": true, "node_id": "1"}],
		"outputs": [{"name": "caption", "type": "string", "node_id": "10"}]
	}`), 0o644))
	c, err := LoadContract(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "demo", c.ContractID)
	assert.Equal(t, []string{"caption"}, c.OutputNames())

	yamlPath := filepath.Join(dir, "c.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
contract_id: demo
version: "1"
inputs:
  - name: prompt
    type: string
    required: true
    node_id: "1"
outputs:
  - name: caption
    type: string
    node_id: "10"
`), 0o644))
	c2, err := LoadContract(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, c.ContractID, c2.ContractID)
	assert.Equal(t, []string{"prompt"}, c2.RequiredInputNames())
}

func TestArtifactSpecValidate(t *testing.T) {
	spec := ArtifactSpec{
		Kind:         ArtifactKindModel,
		Match:        "weights.safetensors",
		SourceURL:    "https://example.com/weights.safetensors",
		TargetSubdir: "checkpoints",
	}
	require.NoError(t, spec.Validate())

	spec.TargetSubdir = "somewhere_else"
	assert.Error(t, spec.Validate())

	node := ArtifactSpec{Kind: ArtifactKindCustomNode, SourceURL: "https://example.com/pack.git"}
	require.NoError(t, node.Validate())

	assert.Error(t, (&ArtifactSpec{Kind: "plugin"}).Validate())
}

func TestGraphClone(t *testing.T) {
	g := Graph{
		"1": {ClassType: "ApiInput", Inputs: map[string]interface{}{
			"value": "original",
			"meta":  map[string]interface{}{"k": "v"},
		}},
	}
	clone := g.Clone()
	clone["1"].Inputs["value"] = "mutated"
	clone["1"].Inputs["meta"].(map[string]interface{})["k"] = "changed"

	assert.Equal(t, "original", g["1"].Inputs["value"])
	assert.Equal(t, "v", g["1"].Inputs["meta"].(map[string]interface{})["k"])
}
