package ocerr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorString(t *testing.T) {
	assert := assert.New(t)

	err := New(MappingError, "processor.evaluateSelector", fmt.Errorf("boom"))
	assert.Equal("MappingError: processor.evaluateSelector: boom", err.Error())

	bare := New(AbortRequested, "orchestrator.runKind", nil)
	assert.Equal("AbortRequested: orchestrator.runKind", bare.Error())
}

func TestIs(t *testing.T) {
	assert := assert.New(t)

	err := fmt.Errorf("wrapping: %w", New(RateLimit, "portal.SearchEntities", nil))
	assert.True(Is(err, RateLimit))
	assert.False(Is(err, AuthError))
	assert.False(Is(errors.New("plain"), AuthError))
}

func TestKindFatal(t *testing.T) {
	assert := assert.New(t)

	assert.True(ConfigError.Fatal())
	assert.True(AuthError.Fatal())
	assert.False(TransportError.Fatal())
	assert.False(MappingError.Fatal())
}
