package watcher

import (
	"os"
	"path/filepath"

	gitignore "github.com/sabhiram/go-gitignore"
)

const ignoreFileName = ".drivebackignore"

var defaultIgnoreLines = []string{
	ignoreFileName,
	"driveback.db*",
	"logs/",
	"*.tmp",
	"*.swp",
	"*.swo",
	"*~",
	".DS_Store",
	"Thumbs.db",
	".git/",
	"__pycache__/",
	"node_modules/",
}

// IgnoreList filters paths that must never be synced. Patterns combine the
// built-in defaults with an optional .drivebackignore at the sync root,
// using gitignore syntax.
type IgnoreList struct {
	baseDir string
	ignore  *gitignore.GitIgnore
}

func NewIgnoreList(baseDir string) *IgnoreList {
	lines := defaultIgnoreLines

	ignoreFile := filepath.Join(baseDir, ignoreFileName)
	if _, err := os.Stat(ignoreFile); err == nil {
		if compiled, cerr := gitignore.CompileIgnoreFileAndLines(ignoreFile, lines...); cerr == nil {
			return &IgnoreList{baseDir: baseDir, ignore: compiled}
		}
	}

	return &IgnoreList{
		baseDir: baseDir,
		ignore:  gitignore.CompileIgnoreLines(lines...),
	}
}

// ShouldIgnore reports whether path (absolute or root-relative) is excluded
// from syncing.
func (l *IgnoreList) ShouldIgnore(path string) bool {
	if rel, err := filepath.Rel(l.baseDir, path); err == nil {
		path = rel
	}
	return l.ignore.MatchesPath(filepath.ToSlash(path))
}
