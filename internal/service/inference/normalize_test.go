package inference

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_NormalizeOutput(t *testing.T) {
	pngChunk := func(rest ...byte) []byte {
		return append([]byte{0x89, 0x50, 0x4E, 0x47}, rest...)
	}
	b64 := func(b []byte) string {
		return base64.StdEncoding.EncodeToString(b)
	}

	t.Run("single url string", func(t *testing.T) {
		artifacts, err := NormalizeOutput(json.RawMessage(`"https://cdn.example/img.png"`))

		require.NoError(t, err)
		require.Len(t, artifacts, 1)
		assert.Equal(t, "https://cdn.example/img.png", artifacts[0].URL)
		assert.Nil(t, artifacts[0].Data)
	})

	t.Run("url array", func(t *testing.T) {
		artifacts, err := NormalizeOutput(json.RawMessage(`["https://cdn.example/a.png", "https://cdn.example/b.png"]`))

		require.NoError(t, err)
		require.Len(t, artifacts, 2)
		assert.Equal(t, "https://cdn.example/a.png", artifacts[0].URL)
		assert.Equal(t, "https://cdn.example/b.png", artifacts[1].URL)
	})

	t.Run("data url decodes inline payload", func(t *testing.T) {
		payload := pngChunk(0x01, 0x02)
		raw, err := json.Marshal("data:image/png;base64," + b64(payload))
		require.NoError(t, err)

		artifacts, err := NormalizeOutput(raw)

		require.NoError(t, err)
		require.Len(t, artifacts, 1)
		assert.Equal(t, payload, artifacts[0].Data)
		assert.Empty(t, artifacts[0].URL)
	})

	t.Run("base64 chunk stream concatenates in order", func(t *testing.T) {
		first := pngChunk(0xAA)
		second := []byte{0xBB, 0xCC}
		third := []byte{0xDD}
		raw, err := json.Marshal([]string{b64(first), b64(second), b64(third)})
		require.NoError(t, err)

		artifacts, err := NormalizeOutput(raw)

		require.NoError(t, err)
		require.Len(t, artifacts, 1, "chunk stream folds into one artifact")
		assert.Equal(t, append(append(append([]byte{}, first...), second...), third...), artifacts[0].Data)
	})

	t.Run("jpeg magic recognized", func(t *testing.T) {
		jpeg := []byte{0xFF, 0xD8, 0xFF, 0xE0}
		raw, err := json.Marshal([]string{b64(jpeg)})
		require.NoError(t, err)

		artifacts, err := NormalizeOutput(raw)

		require.NoError(t, err)
		require.Len(t, artifacts, 1)
		assert.Equal(t, jpeg, artifacts[0].Data)
	})

	t.Run("base64 without image magic is not a chunk stream", func(t *testing.T) {
		raw, err := json.Marshal([]string{b64([]byte("just text"))})
		require.NoError(t, err)

		_, err = NormalizeOutput(raw)
		assert.Error(t, err, "decodable base64 without magic is neither url nor chunk stream")
	})

	t.Run("empty output rejected", func(t *testing.T) {
		_, err := NormalizeOutput(nil)
		assert.Error(t, err)

		_, err = NormalizeOutput(json.RawMessage(`[]`))
		assert.Error(t, err)
	})

	t.Run("unknown shapes rejected", func(t *testing.T) {
		_, err := NormalizeOutput(json.RawMessage(`{"weird": true}`))
		assert.Error(t, err)

		_, err = NormalizeOutput(json.RawMessage(`"ftp://old.example/img.png"`))
		assert.Error(t, err)

		_, err = NormalizeOutput(json.RawMessage(`"data:image/png;base64"`))
		assert.Error(t, err, "data url without comma separator is malformed")
	})
}
