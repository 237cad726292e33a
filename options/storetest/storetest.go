// Package storetest holds the behaviour every options.Store must share.
package storetest

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/davkeeper/options"
)

// Run exercises s, which must start empty.
func Run(t *testing.T, s options.Store) {
	t.Helper()

	t.Run("GetDefault", func(t *testing.T) {
		assert.Equal(t, "fallback", s.Get("missing", "fallback"))
	})

	t.Run("SetGet", func(t *testing.T) {
		require.NoError(t, s.Set(options.KeyLockOnOpen, "off"))
		assert.Equal(t, "off", s.Get(options.KeyLockOnOpen, "on"))

		// An empty value is a value, not an absence.
		require.NoError(t, s.Set(options.KeyHideConnectorTab, ""))
		assert.Equal(t, "", s.Get(options.KeyHideConnectorTab, "x"))
	})

	t.Run("SetMany", func(t *testing.T) {
		require.NoError(t, s.SetMany(map[string]string{
			options.KeyEnforcedURL:      "https://dav.example.com/",
			options.KeyAutosaveInterval: "10",
		}))
		assert.Equal(t, "https://dav.example.com/", s.Get(options.KeyEnforcedURL, ""))
		assert.Equal(t, "10", s.Get(options.KeyAutosaveInterval, ""))
	})

	t.Run("AllIsACopy", func(t *testing.T) {
		all := s.All()
		assert.Equal(t, "off", all[options.KeyLockOnOpen])
		all[options.KeyLockOnOpen] = "mutated"
		assert.Equal(t, "off", s.Get(options.KeyLockOnOpen, ""))
	})

	t.Run("Concurrent", func(t *testing.T) {
		var wg sync.WaitGroup
		for i := 0; i < 8; i++ {
			i := i
			wg.Add(1)
			go func() {
				defer wg.Done()
				key := fmt.Sprintf("k%d", i)
				assert.NoError(t, s.Set(key, "v"))
				assert.Equal(t, "v", s.Get(key, ""))
				_ = s.All()
			}()
		}
		wg.Wait()
	})
}
