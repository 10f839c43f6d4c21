package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseEnvironment(t *testing.T) {
	assert.Equal(t, Production, ParseEnvironment(" Production "))
	assert.Equal(t, Staging, ParseEnvironment("staging"))
	assert.Equal(t, Testing, ParseEnvironment("testing"))
	assert.Equal(t, Development, ParseEnvironment("qa"))
	assert.True(t, ParseEnvironment("production").IsProduction())
	assert.False(t, Development.IsProduction())
}
