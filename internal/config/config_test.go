package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "Vale Conecta", cfg.Platform.Name)
	assert.Len(t, cfg.Categories, 8)
	assert.True(t, cfg.HasCategory("Pintura"))
	assert.False(t, cfg.HasCategory("Mecânica"))
	assert.Zero(t, cfg.Escrow.PayoutDelay)
	assert.Equal(t, int64(1000), cfg.FeeBasisPoints())
	assert.Equal(t, "first", cfg.Reputation.Notify)
}

func TestFromYAMLParsesDurationsAndRejectsBadValues(t *testing.T) {
	cfg, err := FromYAML([]byte(`
platform: {name: Teste}
categories: [Pintura]
escrow: {payout_delay: 72h, fee_percent: 5}
reputation: {notify: all}
`))
	require.NoError(t, err)
	assert.Equal(t, 72*time.Hour, cfg.Escrow.PayoutDelay)
	assert.Equal(t, int64(500), cfg.FeeBasisPoints())

	for name, doc := range map[string]string{
		"no categories": "platform: {name: X}\n",
		"dup category":  "platform: {name: X}\ncategories: [A, A]\n",
		"bad notify":    "platform: {name: X}\ncategories: [A]\nreputation: {notify: some}\n",
		"fee too high":  "platform: {name: X}\ncategories: [A]\nescrow: {fee_percent: 100}\n",
		"hook no url":   "platform: {name: X}\ncategories: [A]\nwebhooks: [{events: [task.created]}]\n",
	} {
		_, err := FromYAML([]byte(doc))
		assert.Error(t, err, name)
	}
}

func TestLoadOrDefault(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOrDefault(dir)
	require.NoError(t, err)
	assert.Equal(t, "Vale Conecta", cfg.Platform.Name)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(Path(dir), []byte(GenerateDefault()), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "@every 1m", cfg.Payout.Schedule)
}
