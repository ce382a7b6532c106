package scanner

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/karrick/godirwalk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeWalker replays a fixed list of file paths instead of touching the
// real filesystem, the same substitution shape the teacher's Indexer tests
// use for FileSystemWalker. A nil Dirent tells the Scanner's callback to
// treat the entry as a file, matching what godirwalk passes for roots it
// can't stat in the teacher's own mocked tests.
type fakeWalker struct {
	files []string
}

func (f *fakeWalker) Walk(root string, options *godirwalk.Options) error {
	for _, p := range f.files {
		if err := options.Callback(p, nil); err != nil {
			return err
		}
	}
	return nil
}

type fakeReader struct{ modTime time.Time }

func (r *fakeReader) ReadFile(path string) ([]byte, error) { return []byte("content of " + path), nil }
func (r *fakeReader) Stat(path string) (os.FileInfo, error) {
	return fakeFileInfo{name: path, mod: r.modTime}, nil
}

type fakeFileInfo struct {
	name string
	mod  time.Time
}

func (f fakeFileInfo) Name() string       { return f.name }
func (f fakeFileInfo) Size() int64        { return 0 }
func (f fakeFileInfo) Mode() os.FileMode  { return 0 }
func (f fakeFileInfo) ModTime() time.Time { return f.mod }
func (f fakeFileInfo) IsDir() bool        { return false }
func (f fakeFileInfo) Sys() any           { return nil }

func TestWalkSkipsIgnoredFiles(t *testing.T) {
	now := time.Now()
	s := &Scanner{
		RepoRoot: "/repo",
		Walker: &fakeWalker{files: []string{
			"/repo/main.go",
			"/repo/vendor/dep/dep.go",
			"/repo/assets/logo.png",
			"/repo/README.md",
		}},
		Reader: &fakeReader{modTime: now},
	}

	var seen []FileInfo
	err := s.Walk(context.Background(), func(fi FileInfo) error {
		seen = append(seen, fi)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, seen, 2)
	assert.Equal(t, "main.go", seen[0].RelativePath)
	assert.Equal(t, "go", seen[0].Language)
	assert.Equal(t, "README.md", seen[1].RelativePath)
	assert.Equal(t, "markdown", seen[1].Language)
}

func TestWalkRespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := &Scanner{
		RepoRoot: "/repo",
		Walker:   &fakeWalker{files: []string{"/repo/main.go"}},
		Reader:   &fakeReader{modTime: time.Now()},
	}
	err := s.Walk(ctx, func(FileInfo) error { return nil })
	assert.ErrorIs(t, err, context.Canceled)
}

func TestShouldSkip(t *testing.T) {
	assert.True(t, ShouldSkip("/repo/vendor/x/y.go"))
	assert.True(t, ShouldSkip("/repo/.git/HEAD"))
	assert.True(t, ShouldSkip("/repo/assets/image.png"))
	assert.False(t, ShouldSkip("/repo/internal/foo.go"))
}

func TestGuessLanguage(t *testing.T) {
	assert.Equal(t, "go", GuessLanguage("main.go"))
	assert.Equal(t, "python", GuessLanguage("script.py"))
	assert.Equal(t, "typescript", GuessLanguage("app.tsx"))
	assert.Equal(t, "", GuessLanguage("Makefile"))
}
