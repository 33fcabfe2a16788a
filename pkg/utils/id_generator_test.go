package utils

import (
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNextIsUniqueAndPrefixed(t *testing.T) {
	g := NewReferenceGenerator("EX")

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		ref := g.Next()
		assert.True(t, strings.HasPrefix(ref, "EX-"))
		assert.False(t, seen[ref], "duplicate reference %s", ref)
		seen[ref] = true
	}
}

func TestNextIsSafeForConcurrentUse(t *testing.T) {
	g := NewReferenceGenerator("")

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				ref := g.Next()
				mu.Lock()
				assert.False(t, seen[ref])
				seen[ref] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
}
