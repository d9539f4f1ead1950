package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestParseDirectives(t *testing.T) {
	opts, words := parseDirectives("chunks=1 delay=5ms fail=boom hello world")
	assert.Equal(t, 1, opts.chunks)
	assert.Equal(t, 5*time.Millisecond, opts.delay)
	assert.Equal(t, "boom", opts.fail)
	assert.False(t, opts.hang)
	assert.Equal(t, []string{"hello", "world"}, words)
}

func TestParseDirectives_Defaults(t *testing.T) {
	opts, words := parseDirectives("what is chunks=2")
	assert.Equal(t, 3, opts.chunks)
	assert.Equal(t, 100*time.Millisecond, opts.delay)
	assert.Equal(t, []string{"what", "is", "chunks=2"}, words)

	opts, words = parseDirectives("hang")
	assert.True(t, opts.hang)
	assert.Empty(t, words)
}
