package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitByMultipleDelimiters(t *testing.T) {
	tests := []struct {
		in     string
		delims []string
		want   []string
	}{
		{"a,b;c", []string{",", ";"}, []string{"a", "b", "c"}},
		{"a,b=c", []string{",", ";"}, []string{"a", "b=c"}},
		{"a", []string{",", ";"}, []string{"a"}},
		{"a,b", nil, []string{"a,b"}},
		{" a ; ;b,", []string{",", ";"}, []string{"a", "b"}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, SplitByMultipleDelimiters(tt.in, tt.delims...), tt.in)
	}
}

func TestFirstNonEmpty(t *testing.T) {
	assert.Equal(t, "b", FirstNonEmpty("", "b", "c"))
	assert.Equal(t, "", FirstNonEmpty("", ""))
	assert.Equal(t, "", FirstNonEmpty())
}
