package hostname

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		domain string
		sub    bool
		root   string
	}{
		{"example.com", false, "example.com"},
		{"lodge.example.com", true, "example.com"},
		{"a.b.example.com", true, "example.com"},
		{"Example.COM.", false, "example.com"},
		// two-label heuristic: co.uk domains read as subdomains
		{"hotel.co.uk", true, "co.uk"},
	}
	for _, tt := range tests {
		t.Run(tt.domain, func(t *testing.T) {
			assert.Equal(t, tt.sub, IsSubdomain(tt.domain))
			assert.Equal(t, tt.root, Root(tt.domain))
		})
	}
}

func TestIsChildOf(t *testing.T) {
	assert.True(t, IsChildOf("lodge.example.com", "example.com"))
	assert.False(t, IsChildOf("example.com", "example.com"))
	assert.False(t, IsChildOf("lodge.other.com", "example.com"))
}

func TestNormalize(t *testing.T) {
	got, err := Normalize("  Hotel.Test. ")
	require.NoError(t, err)
	assert.Equal(t, "hotel.test", got)

	got, err = Normalize("bücher.example")
	require.NoError(t, err)
	assert.Equal(t, "xn--bcher-kva.example", got)

	_, err = Normalize("localhost")
	assert.Error(t, err)
	_, err = Normalize("")
	assert.Error(t, err)
}
