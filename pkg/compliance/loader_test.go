package compliance

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validFrameworkYAML = `
id: PCI-DSS
name: Payment Card Industry Data Security Standard
version: 4.0.1
rules:
  - id: pci-network-segmentation
    description: Cardholder data environment must be segmented
    severity: critical
    remedy: Segment the CDE from the general network
    expr: '"network_segmented" in metadata && metadata.network_segmented == true'
  - id: pci-key-rotation
    description: Encryption keys rotated at least annually
    severity: medium
    remedy: Enable annual key rotation
    expr: '"key_rotation" in metadata && metadata.key_rotation == true'
`

func TestParseFramework(t *testing.T) {
	fw, err := ParseFramework([]byte(validFrameworkYAML))
	require.NoError(t, err)

	assert.Equal(t, "PCI-DSS", fw.ID)
	assert.Equal(t, "4.0.1", fw.Version.String())
	require.Len(t, fw.Rules, 2)
	assert.Equal(t, SeverityCritical, fw.Rules[0].Severity)

	// Loaded frameworks register and evaluate like built-ins.
	e, err := NewEngine()
	require.NoError(t, err)
	require.NoError(t, e.Register(fw))

	res, err := e.Evaluate(context.Background(), "PCI-DSS", map[string]any{
		"network_segmented": true,
		"key_rotation":      false,
	})
	require.NoError(t, err)
	assert.True(t, res.Compliant)
	assert.Equal(t, 67, res.Score) // 30 of 45 points
}

func TestParseFrameworkRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "name: X\nversion: 1.0.0\nrules:\n  - id: r\n    description: d\n    severity: low\n    expr: 'true'\n"},
		{"bad version", "id: X\nname: X\nversion: one\nrules:\n  - id: r\n    description: d\n    severity: low\n    expr: 'true'\n"},
		{"bad severity", "id: X\nname: X\nversion: 1.0.0\nrules:\n  - id: r\n    description: d\n    severity: urgent\n    expr: 'true'\n"},
		{"no rules", "id: X\nname: X\nversion: 1.0.0\nrules: []\n"},
		{"not yaml", "{{{{"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseFramework([]byte(tc.yaml))
			assert.Error(t, err)
		})
	}
}

func TestLoadFrameworkFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pci.yaml")
	require.NoError(t, os.WriteFile(path, []byte(validFrameworkYAML), 0o644))

	fw, err := LoadFrameworkFile(path)
	require.NoError(t, err)
	assert.Equal(t, "PCI-DSS", fw.ID)

	_, err = LoadFrameworkFile(filepath.Join(dir, "missing.yaml"))
	assert.Error(t, err)
}
