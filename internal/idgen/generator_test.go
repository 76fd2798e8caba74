package idgen

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	g, err := New("")
	require.NoError(t, err)
	assert.IsType(t, &UUIDGenerator{}, g)

	g, err = New(FormatKSUID)
	require.NoError(t, err)
	assert.IsType(t, &KSUIDGenerator{}, g)

	_, err = New("snowflake")
	assert.Error(t, err)
}

func TestGeneratorsProduceValidIDs(t *testing.T) {
	for _, format := range []string{FormatUUID, FormatKSUID} {
		t.Run(format, func(t *testing.T) {
			g, err := New(format)
			require.NoError(t, err)

			id, err := g.Generate()
			require.NoError(t, err)
			valid, reason := g.Validate(id)
			assert.True(t, valid, reason)

			valid, _ = g.Validate("not-an-id")
			assert.False(t, valid)
		})
	}
}

func TestConcurrentGenerationIsUnique(t *testing.T) {
	const n = 1000
	for _, format := range []string{FormatUUID, FormatKSUID} {
		t.Run(format, func(t *testing.T) {
			g, err := New(format)
			require.NoError(t, err)

			var (
				mu   sync.Mutex
				wg   sync.WaitGroup
				seen = make(map[string]struct{}, n)
			)
			for i := 0; i < n; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					id, err := g.Generate()
					assert.NoError(t, err)
					mu.Lock()
					seen[id] = struct{}{}
					mu.Unlock()
				}()
			}
			wg.Wait()
			assert.Len(t, seen, n)
		})
	}
}
