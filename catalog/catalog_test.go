package catalog_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/accounting-engine/accounting"
	"github.com/warp/accounting-engine/catalog"
)

const catalogYAML = `
categories:
  - name: cpu
    provider: ucloud
    frequency: per_minute
    unit: core-minutes
  - name: storage
    provider: ucloud
    charge_model: differential
    frequency: per_day
    unit: GB
`

func TestParse_YAML(t *testing.T) {
	cat, err := catalog.Parse([]byte(catalogYAML))
	require.NoError(t, err)

	cpu, ok := cat.Category(accounting.CategoryID{Name: "cpu", Provider: "ucloud"})
	require.True(t, ok)
	assert.Equal(t, accounting.ChargeAbsolute, cpu.Model, "charge_model defaults to absolute")
	assert.Equal(t, accounting.FrequencyPerMinute, cpu.Frequency)
	assert.True(t, cpu.IsPeriodic())

	storage, ok := cat.Category(accounting.CategoryID{Name: "storage", Provider: "ucloud"})
	require.True(t, ok)
	assert.Equal(t, accounting.ChargeDifferential, storage.Model)
	assert.Equal(t, "GB", storage.Unit)

	_, ok = cat.Category(accounting.CategoryID{Name: "gpu", Provider: "ucloud"})
	assert.False(t, ok)
}

func TestParse_JSON(t *testing.T) {
	doc := `{"categories": [{"name": "license", "provider": "aau"}]}`

	cat, err := catalog.Parse([]byte(doc))
	require.NoError(t, err)

	lic, ok := cat.Category(accounting.CategoryID{Name: "license", Provider: "aau"})
	require.True(t, ok)
	assert.Equal(t, accounting.FrequencyOnce, lic.Frequency)
	assert.False(t, lic.IsPeriodic())
}

func TestParse_Rejects(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"unknown model", "categories: [{name: a, provider: p, charge_model: linear}]"},
		{"unknown frequency", "categories: [{name: a, provider: p, frequency: weekly}]"},
		{"missing provider", "categories: [{name: a}]"},
		{"duplicate", "categories: [{name: a, provider: p}, {name: a, provider: p}]"},
		{"not yaml", "categories: [unterminated"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := catalog.Parse([]byte(tt.doc))
			assert.Error(t, err)
		})
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "categories.yaml")
	require.NoError(t, os.WriteFile(path, []byte(catalogYAML), 0o600))

	cat, err := catalog.Load(path)
	require.NoError(t, err)

	assert.Len(t, cat.Categories(), 2)
}

func TestDefinitions_RoundTrip(t *testing.T) {
	cat, err := catalog.Parse([]byte(catalogYAML))
	require.NoError(t, err)

	again, err := catalog.FromDefinitions(cat.Definitions())
	require.NoError(t, err)

	assert.Equal(t, cat.Categories(), again.Categories())
	assert.Equal(t, "cpu", cat.Categories()[0].ID.Name, "ordered by provider then name")
}
