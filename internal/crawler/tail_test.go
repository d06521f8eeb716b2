package crawler

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
)

func TestTailKeepsShortOutput(t *testing.T) {
	assert.Equal(t, "boom", tail("  boom\n", 16))
}

func TestTailCutsOnRuneBoundary(t *testing.T) {
	// Each "é" is two bytes, so an odd limit lands inside a rune.
	out := tail(strings.Repeat("é", 10), 5)
	assert.True(t, utf8.ValidString(out), "%q", out)
	assert.Equal(t, "...éé", out)
}
