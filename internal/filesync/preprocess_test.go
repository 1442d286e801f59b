package filesync_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tonimelisma/filesync-core/internal/filesync"
)

func upperCaser(_ context.Context, _ string, data []byte) ([]byte, error) {
	out := make([]byte, len(data))
	for i, b := range data {
		if b >= 'a' && b <= 'z' {
			b -= 'a' - 'A'
		}
		out[i] = b
	}

	return out, nil
}

func TestPreprocessorRegistry_ExactMatchWins(t *testing.T) {
	t.Parallel()

	reg := filesync.NewPreprocessorRegistry(map[string]filesync.Preprocessor{
		"text/plain": upperCaser,
		"text/*":     nil,
	})

	assert.NotNil(t, reg.Resolve("text/plain"))
}

func TestPreprocessorRegistry_SubtypeWildcardFallback(t *testing.T) {
	t.Parallel()

	reg := filesync.NewPreprocessorRegistry(map[string]filesync.Preprocessor{
		"image/*": upperCaser,
	})

	assert.NotNil(t, reg.Resolve("image/png"))
	assert.Nil(t, reg.Resolve("text/plain"))
}

func TestPreprocessorRegistry_CatchAllFallback(t *testing.T) {
	t.Parallel()

	reg := filesync.NewPreprocessorRegistry(map[string]filesync.Preprocessor{
		"*/*": upperCaser,
	})

	assert.NotNil(t, reg.Resolve("application/octet-stream"))
}

func TestPreprocessorRegistry_NoMatchIsPassThrough(t *testing.T) {
	t.Parallel()

	reg := filesync.NewPreprocessorRegistry(map[string]filesync.Preprocessor{
		"text/plain": upperCaser,
	})

	assert.Nil(t, reg.Resolve("application/pdf"))
}

func TestPreprocessorRegistry_NilRegistryIsPassThrough(t *testing.T) {
	t.Parallel()

	var reg *filesync.PreprocessorRegistry
	assert.Nil(t, reg.Resolve("text/plain"))
}
