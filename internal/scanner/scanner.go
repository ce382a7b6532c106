// Package scanner implements the Scanner (spec.md §4.1 / §2): it walks a
// repository's working tree and emits one FileInfo per file the rest of
// the pipeline should consider, applying the ignore rules the teacher's
// Indexer.shouldSkip encoded inline.
package scanner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/karrick/godirwalk"
)

// FileSystemWalker abstracts directory traversal so tests can substitute a
// fake tree, mirroring the teacher's Indexer.FileSystemWalker interface.
type FileSystemWalker interface {
	Walk(root string, options *godirwalk.Options) error
}

type defaultWalker struct{}

func (defaultWalker) Walk(root string, options *godirwalk.Options) error {
	return godirwalk.Walk(root, options)
}

// FileReader abstracts file content access, mirroring the teacher's
// Indexer.FileReader interface.
type FileReader interface {
	ReadFile(path string) ([]byte, error)
	Stat(path string) (os.FileInfo, error)
}

type defaultReader struct{}

func (defaultReader) ReadFile(path string) ([]byte, error) { return os.ReadFile(path) }
func (defaultReader) Stat(path string) (os.FileInfo, error) { return os.Stat(path) }

// FileInfo is one file the Scanner surfaces for indexing.
type FileInfo struct {
	AbsPath      string
	RelativePath string
	Language     string
	ModifiedAt   time.Time
}

// Scanner walks RepoRoot and reports files that pass the ignore rules.
type Scanner struct {
	RepoRoot string
	Walker   FileSystemWalker
	Reader   FileReader
}

// New returns a Scanner rooted at repoRoot using the real filesystem.
func New(repoRoot string) *Scanner {
	return &Scanner{RepoRoot: repoRoot, Walker: defaultWalker{}, Reader: defaultReader{}}
}

// Walk invokes fn once per non-ignored file under s.RepoRoot. fn errors
// abort the walk; ctx cancellation aborts the walk with ctx.Err().
func (s *Scanner) Walk(ctx context.Context, fn func(FileInfo) error) error {
	return s.Walker.Walk(s.RepoRoot, &godirwalk.Options{
		Unsorted: true,
		Callback: func(path string, de *godirwalk.Dirent) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			if de != nil && de.IsDir() {
				if shouldSkipDir(path) {
					return filepath.SkipDir
				}
				return nil
			}
			if ShouldSkip(path) {
				return nil
			}
			fi, err := s.Reader.Stat(path)
			if err != nil {
				return nil
			}
			rp, err := filepath.Rel(s.RepoRoot, path)
			if err != nil {
				rp = path
			}
			return fn(FileInfo{
				AbsPath:      path,
				RelativePath: filepath.ToSlash(rp),
				Language:     GuessLanguage(path),
				ModifiedAt:   fi.ModTime(),
			})
		},
	})
}

// ReadFile reads the content of a file this Scanner previously surfaced.
func (s *Scanner) ReadFile(path string) ([]byte, error) { return s.Reader.ReadFile(path) }

var ignoredDirNames = map[string]bool{
	"vendor": true, ".git": true, ".terraform": true, "node_modules": true,
	"target": true, "build": true, "dist": true, "out": true, "bin": true,
	"obj": true, ".venv": true, "venv": true, "__pycache__": true,
	".pytest_cache": true, ".gradle": true, ".m2": true, ".idea": true,
	"coverage": true, ".cache": true,
}

func shouldSkipDir(path string) bool {
	return ignoredDirNames[strings.ToLower(filepath.Base(path))]
}

var ignoredExts = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".pdf": true,
	".webp": true, ".lock": true, ".zip": true, ".svg": true, ".exe": true,
	".dll": true, ".sum": true, ".mod": true, ".woff": true, ".woff2": true,
	".ttf": true, ".ico": true, ".bin": true,
}

// ShouldSkip reports whether path should be excluded from indexing:
// anything inside a build/VCS/dependency directory, or a binary/asset
// extension. Generalized from the teacher's Indexer.shouldSkip.
func ShouldSkip(path string) bool {
	p := filepath.ToSlash(strings.ToLower(path))
	for dir := range ignoredDirNames {
		if strings.Contains(p, "/"+dir+"/") {
			return true
		}
	}
	return ignoredExts[filepath.Ext(p)]
}

// GuessLanguage maps a file extension to the language tag the Parser
// Façade dispatches on, generalized from the teacher's Indexer.guessLang.
func GuessLanguage(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".go":
		return "go"
	case ".py":
		return "python"
	case ".js", ".jsx", ".mjs", ".cjs":
		return "javascript"
	case ".ts", ".tsx":
		return "typescript"
	case ".java":
		return "java"
	case ".rb":
		return "ruby"
	case ".rs":
		return "rust"
	case ".c", ".h":
		return "c"
	case ".cc", ".cpp", ".cxx", ".hpp":
		return "cpp"
	case ".sh", ".bash":
		return "shell"
	case ".md", ".markdown":
		return "markdown"
	case ".tf":
		return "terraform"
	case ".yaml", ".yml":
		return "yaml"
	case ".json":
		return "json"
	default:
		return strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	}
}
