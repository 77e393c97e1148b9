package isolation

import (
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// seed copies configured files from the canonical repo into a fresh worktree.
// Entries are "src" or "src:dst" pairs relative to the repo root. Failures
// are logged and never fatal.
func (p *WorktreeProvider) seed(repoPath, worktreePath string) {
	for _, entry := range p.seedFiles {
		src, dst, ok := splitSeedEntry(entry)
		if !ok {
			continue
		}
		srcPath := filepath.Join(repoPath, src)
		dstPath := filepath.Join(worktreePath, dst)
		if err := copyTree(srcPath, dstPath); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			p.logger.Warn("failed to seed file into worktree",
				zap.String("src", srcPath),
				zap.String("dst", dstPath),
				zap.Error(err))
		}
	}
}

func splitSeedEntry(entry string) (src, dst string, ok bool) {
	entry = strings.TrimSpace(entry)
	if entry == "" {
		return "", "", false
	}
	if i := strings.IndexByte(entry, ':'); i >= 0 {
		src, dst = entry[:i], entry[i+1:]
		if dst == "" {
			dst = src
		}
		return src, dst, true
	}
	return entry, entry, true
}

// copyTree copies a file or directory recursively, overwriting existing
// files.
func copyTree(src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return copyFile(src, dst, info.Mode())
	}

	return filepath.Walk(src, func(path string, fi os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if fi.IsDir() {
			return os.MkdirAll(target, fi.Mode().Perm())
		}
		return copyFile(path, target, fi.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
