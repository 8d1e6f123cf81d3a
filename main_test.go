package main

import (
	"testing"

	"github.com/charmbracelet/bubbles/progress"
	"github.com/stretchr/testify/assert"

	"github.com/aditya-sadavare/boltshare/models"
)

func TestRenderProgress(t *testing.T) {
	bar := progress.New(progress.WithSolidFill("#7D56F4"), progress.WithWidth(20))

	line := renderProgress(bar, models.ProgressSample{
		BytesMoved:       512,
		TotalBytes:       1024,
		SpeedBytesPerSec: 2048,
		ETASeconds:       3,
		Mode:             models.ModeLocal,
	})
	assert.Contains(t, line, " 50.0%")
	assert.Contains(t, line, "2.0 KiB/s")
	assert.Contains(t, line, "eta 3s")
	assert.Contains(t, line, "[local network]")

	line = renderProgress(bar, models.ProgressSample{TotalBytes: 1024, ETAUnknown: true})
	assert.Contains(t, line, "eta --")
	assert.Contains(t, line, "[detecting]")
}

func TestFormatBytes(t *testing.T) {
	assert.Equal(t, "999 B", formatBytes(999))
	assert.Equal(t, "1.5 KiB", formatBytes(1536))
	assert.Equal(t, "10.0 MiB", formatBytes(10*1024*1024))
}
