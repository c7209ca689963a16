package pipeline

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChunkText_UnderSizeReturnsSingleChunk(t *testing.T) {
	chunks := chunkText("hello world", chunkSize)
	require.Len(t, chunks, 1)
	assert.Equal(t, "hello world", chunks[0])
}

func TestChunkText_EmptyReturnsNoChunks(t *testing.T) {
	assert.Empty(t, chunkText("", chunkSize))
}

func TestChunkText_ExactlyAtBoundaryIsOneChunk(t *testing.T) {
	text := strings.Repeat("a", chunkSize)
	chunks := chunkText(text, chunkSize)
	require.Len(t, chunks, 1)
	assert.Equal(t, text, chunks[0])
}

func TestChunkText_OverBoundarySplitsAtLastNewline(t *testing.T) {
	// A line well before the boundary, then filler without further
	// newlines pushing the total past chunkSize — the split should land
	// on the newline rather than mid-filler.
	head := "first line\n"
	filler := strings.Repeat("b", chunkSize)
	text := head + filler

	chunks := chunkText(text, chunkSize)
	require.Len(t, chunks, 2)
	assert.Equal(t, "first line", chunks[0])
	assert.Equal(t, filler, chunks[1])
}

func TestChunkText_NoNewlineInWindowHardSplitsAtSize(t *testing.T) {
	text := strings.Repeat("c", chunkSize+10)
	chunks := chunkText(text, chunkSize)
	require.Len(t, chunks, 2)
	assert.Len(t, chunks[0], chunkSize)
	assert.Len(t, chunks[1], 10)
}

func TestChunkText_ManyChunksReassembleToOriginal(t *testing.T) {
	var b strings.Builder
	for i := 0; i < 5000; i++ {
		b.WriteString("line content here\n")
	}
	text := b.String()
	chunks := chunkText(text, chunkSize)
	require.Greater(t, len(chunks), 1)

	var reassembled strings.Builder
	for i, c := range chunks {
		reassembled.WriteString(c)
		if i < len(chunks)-1 {
			reassembled.WriteString("\n")
		}
	}
	assert.Equal(t, strings.TrimRight(text, "\n"), strings.TrimRight(reassembled.String(), "\n"))
}
