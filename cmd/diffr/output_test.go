package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFmtBytes(t *testing.T) {
	assert.Equal(t, "0 B", fmtBytes(0))
	assert.Equal(t, "512 B", fmtBytes(512))
	assert.Equal(t, "1.5 KiB", fmtBytes(1536))
	assert.Equal(t, "3.0 GiB", fmtBytes(3<<30))
	assert.Equal(t, "0 B", fmtBytes(-1))
}

func TestFmtTime(t *testing.T) {
	assert.Equal(t, "never", fmtTime(0))
}
