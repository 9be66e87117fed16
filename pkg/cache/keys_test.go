package cache

import (
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildKey(t *testing.T) {
	codec := NewKeyCodec("storecache", "v1")

	t.Run("wire format", func(t *testing.T) {
		key, err := codec.BuildKey(LevelMetrics, map[string]interface{}{
			"entity_id": "S1",
			"date":      "2026-08-01",
		})
		require.NoError(t, err)

		assert.Regexp(t, regexp.MustCompile(`^storecache:v1:metrics:[0-9a-f]{12}$`), key.String())
	})

	t.Run("deterministic across list permutations", func(t *testing.T) {
		k1, err := codec.BuildKey(LevelDiagnosis, map[string]interface{}{
			"entity_ids": []string{"S3", "S1", "S2"},
			"start":      "2026-08-01",
			"end":        "2026-08-31",
		})
		require.NoError(t, err)

		k2, err := codec.BuildKey(LevelDiagnosis, map[string]interface{}{
			"end":        "2026-08-31",
			"start":      "2026-08-01",
			"entity_ids": []string{"S1", "S2", "S3"},
		})
		require.NoError(t, err)

		assert.Equal(t, k1, k2)
	})

	t.Run("different params produce different keys", func(t *testing.T) {
		k1, err := codec.BuildKey(LevelMetrics, map[string]interface{}{"entity_id": "S1"})
		require.NoError(t, err)
		k2, err := codec.BuildKey(LevelMetrics, map[string]interface{}{"entity_id": "S2"})
		require.NoError(t, err)

		assert.NotEqual(t, k1.ParamHash, k2.ParamHash)
	})

	t.Run("values are type tagged", func(t *testing.T) {
		k1, err := codec.BuildKey(LevelMetrics, map[string]interface{}{"v": "1"})
		require.NoError(t, err)
		k2, err := codec.BuildKey(LevelMetrics, map[string]interface{}{"v": 1})
		require.NoError(t, err)

		assert.NotEqual(t, k1.ParamHash, k2.ParamHash)
	})

	t.Run("levels are namespaced apart", func(t *testing.T) {
		params := map[string]interface{}{"entity_id": "S1"}
		k1, err := codec.BuildKey(LevelRawData, params)
		require.NoError(t, err)
		k2, err := codec.BuildKey(LevelMetrics, params)
		require.NoError(t, err)

		assert.NotEqual(t, k1.String(), k2.String())
	})

	t.Run("time params are rendered in UTC", func(t *testing.T) {
		loc := time.FixedZone("UTC+8", 8*3600)
		instant := time.Date(2026, 8, 1, 8, 0, 0, 0, loc)

		k1, err := codec.BuildKey(LevelRawData, map[string]interface{}{"at": instant})
		require.NoError(t, err)
		k2, err := codec.BuildKey(LevelRawData, map[string]interface{}{"at": instant.UTC()})
		require.NoError(t, err)

		assert.Equal(t, k1, k2)
	})

	t.Run("unsupported param type fails fast", func(t *testing.T) {
		_, err := codec.BuildKey(LevelMetrics, map[string]interface{}{
			"bad": struct{ X int }{1},
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrUnsupportedParam)
	})

	t.Run("unknown level rejected", func(t *testing.T) {
		_, err := codec.BuildKey(Level("bogus"), map[string]interface{}{"entity_id": "S1"})
		assert.Error(t, err)
	})
}

func TestKeyPrefixes(t *testing.T) {
	codec := NewKeyCodec("storecache", "v2")

	assert.Equal(t, "storecache:v2:diagnosis:*", codec.Prefix(LevelDiagnosis))
	assert.Equal(t, "storecache:*", codec.PrefixAll())
}

func TestVersionBumpSeparatesKeys(t *testing.T) {
	params := map[string]interface{}{"entity_id": "S1", "date": "2026-08-01"}

	k1, err := NewKeyCodec("storecache", "v1").BuildKey(LevelMetrics, params)
	require.NoError(t, err)
	k2, err := NewKeyCodec("storecache", "v2").BuildKey(LevelMetrics, params)
	require.NoError(t, err)

	assert.NotEqual(t, k1.String(), k2.String())
}
