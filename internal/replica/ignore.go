package replica

import (
	"bufio"
	"log/slog"
	"slices"
	"strings"
	"sync"

	gitignore "github.com/sabhiram/go-gitignore"
	"github.com/spf13/afero"
)

const IgnoreFileName = ".syncignore"

var defaultIgnoreLines = []string{
	// relay metadata
	MetaDir + "/",
	IgnoreFileName,
	// editors and partial writes
	"*.tmp",
	"*.swp",
	"*.swx",
	"*~",
	".#*",
	"*.crdownload",
	"*.part",
	// OS-specific
	".DS_Store",
	"Thumbs.db",
	"desktop.ini",
}

// IgnoreList decides which relative paths never take part in synchronization.
// Rules use gitignore syntax.
type IgnoreList struct {
	fs afero.Fs

	mu     sync.RWMutex
	ignore *gitignore.GitIgnore
	rules  []string
}

func NewIgnoreList(fs afero.Fs) *IgnoreList {
	return &IgnoreList{
		fs:     fs,
		ignore: gitignore.CompileIgnoreLines(defaultIgnoreLines...),
	}
}

// Load compiles the default rules plus the rules found in the root's ignore
// file, if any. It reports whether the user rules differ from the previous load.
func (l *IgnoreList) Load() bool {
	var rules []string

	file, err := l.fs.Open(IgnoreFileName)
	if err == nil {
		defer file.Close()

		scanner := bufio.NewScanner(file)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line != "" && !strings.HasPrefix(line, "#") {
				rules = append(rules, line)
			}
		}
		if err := scanner.Err(); err != nil {
			slog.Warn("error reading ignore file", "path", IgnoreFileName, "error", err)
			return false
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.ignore != nil && slices.Equal(rules, l.rules) {
		return false
	}
	l.rules = rules
	l.ignore = gitignore.CompileIgnoreLines(append(slices.Clone(defaultIgnoreLines), rules...)...)
	slog.Info("loaded ignore rules", "path", IgnoreFileName, "rules", len(rules))
	return true
}

// ShouldIgnore reports whether the forward-slash relative path is excluded.
func (l *IgnoreList) ShouldIgnore(relPath string) bool {
	if l == nil {
		return false
	}
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.ignore == nil {
		return false
	}
	return l.ignore.MatchesPath(relPath)
}
