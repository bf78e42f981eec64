package handlers

import (
	"context"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestIDFormat(t *testing.T) {
	re := regexp.MustCompile(`^req_[0-9a-z]+_[0-9a-z]{6}$`)

	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		scope := NewScope()
		assert.Regexp(t, re, scope.RequestID)
		seen[scope.RequestID] = true
	}
	assert.Greater(t, len(seen), 1, "request ids must not collide in a tight loop")
}

func TestScopeRoundTrip(t *testing.T) {
	scope := NewScope()
	ctx := WithScope(context.Background(), scope)

	got := ScopeFrom(ctx)
	require.NotNil(t, got)
	assert.Same(t, scope, got)

	assert.Nil(t, ScopeFrom(context.Background()))
}

func TestScopeSetError(t *testing.T) {
	scope := NewScope()
	scope.SetError(404, "Endpoint not found: m/e")

	require.NotNil(t, scope.ErrorCode)
	assert.Equal(t, "404", *scope.ErrorCode)
	require.NotNil(t, scope.ErrorMessage)
	assert.Equal(t, "Endpoint not found: m/e", *scope.ErrorMessage)
}
