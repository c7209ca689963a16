package pipeline

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sipeed/omega/pkg/types"
)

// pngBytes is a minimal valid PNG signature plus padding, enough for
// media.SniffImage to recognize via http.DetectContentType.
var pngBytes = append([]byte{0x89, 'P', 'N', 'G', '\r', '\n', 0x1a, '\n'}, make([]byte, 32)...)

func TestStageAttachments_WritesRecognizedImagesUnderInbox(t *testing.T) {
	p := &Pipeline{Workspace: t.TempDir()}

	paths, cleanup := p.stageAttachments([]types.Attachment{
		{Kind: "image", Bytes: pngBytes},
	})
	defer cleanup()

	require.Len(t, paths, 1)
	assert.FileExists(t, paths[0])
	assert.True(t, filepath.Dir(paths[0]) == filepath.Join(p.Workspace, "inbox"))
}

func TestStageAttachments_RejectsUnsupportedBytes(t *testing.T) {
	p := &Pipeline{Workspace: t.TempDir()}

	paths, cleanup := p.stageAttachments([]types.Attachment{
		{Kind: "image", Bytes: []byte("not an image")},
	})
	defer cleanup()

	assert.Empty(t, paths)
}

func TestStageAttachments_SkipsNonImageKinds(t *testing.T) {
	p := &Pipeline{Workspace: t.TempDir()}

	paths, cleanup := p.stageAttachments([]types.Attachment{
		{Kind: "voice", Bytes: pngBytes},
	})
	defer cleanup()

	assert.Empty(t, paths)
}

func TestStageAttachments_CleanupRemovesStagedFilesOnEveryExitPath(t *testing.T) {
	p := &Pipeline{Workspace: t.TempDir()}

	paths, cleanup := p.stageAttachments([]types.Attachment{
		{Kind: "image", Bytes: pngBytes},
	})
	require.Len(t, paths, 1)
	require.FileExists(t, paths[0])

	cleanup()

	_, err := os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err))
}

func TestStageAttachments_CleanupIsSafeWithNoStagedFiles(t *testing.T) {
	p := &Pipeline{Workspace: t.TempDir()}
	paths, cleanup := p.stageAttachments(nil)
	assert.Empty(t, paths)
	assert.NotPanics(t, cleanup)
}
