package ui

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPlainRendering(t *testing.T) {
	DisableColor()
	assert.Equal(t, "ok", RenderPass("ok"))
	assert.Equal(t, "queued", RenderWarn("queued"))
}

func TestKVAligns(t *testing.T) {
	DisableColor()
	out := KV([][2]string{{"backend", "managed"}, {"queue", "3 pending"}})
	assert.Equal(t, "backend: managed\nqueue:   3 pending\n", out)
}
