package version

import (
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetReturnsTrimmedVersion(t *testing.T) {
	assert.Equal(t, strings.TrimSpace(Version), Get())
}

func TestVersionPrefixed(t *testing.T) {
	s := Get()
	if assert.NotEmpty(t, s) {
		assert.Equal(t, byte('v'), s[0])
	}
}

func TestString(t *testing.T) {
	s := String("deltasession")
	assert.True(t, strings.HasPrefix(s, "deltasession version "+Get()))
	assert.Contains(t, s, runtime.GOOS+"/"+runtime.GOARCH)
}
