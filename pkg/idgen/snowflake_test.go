package idgen

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateUnique(t *testing.T) {
	require.NoError(t, Init(7))

	const n = 2000
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[int64]struct{}, n)
	)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < n/4; j++ {
				id := NextID()
				mu.Lock()
				seen[id] = struct{}{}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Len(t, seen, n)
}

func TestPrefixes(t *testing.T) {
	assert.True(t, strings.HasPrefix(GenerateEscrowNo(), "ESC"))
	assert.True(t, strings.HasPrefix(GenerateTransactionNo(), "TXN"))
}

func TestInitRejectsInvalidWorker(t *testing.T) {
	require.Error(t, Init(5000))
	require.NoError(t, Init(1))
}
