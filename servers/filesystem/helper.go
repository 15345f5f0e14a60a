package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/gobwas/glob"
	"github.com/sergi/go-diff/diffmatchpatch"
	"golang.org/x/sync/errgroup"
)

const searchConcurrency = 50

// validatePath resolves requestedPath and checks that it, and the target of any symlink on the way,
// lives under one of the allowed directories. A path that does not exist yet is accepted when its
// parent directory is allowed.
func validatePath(requestedPath string, allowedDirectories []string) (string, error) {
	return resolvePath(requestedPath, allowedDirectories, false)
}

// validateDirectoryPath is validatePath for a directory created together with its missing parents:
// a path that does not exist yet is accepted when its nearest existing ancestor is allowed.
func validateDirectoryPath(requestedPath string, allowedDirectories []string) (string, error) {
	return resolvePath(requestedPath, allowedDirectories, true)
}

func resolvePath(requestedPath string, allowedDirectories []string, missingParents bool) (string, error) {
	absolute, err := filepath.Abs(os.ExpandEnv(filepath.FromSlash(requestedPath)))
	if err != nil {
		return "", err
	}
	if !withinAny(absolute, allowedDirectories) {
		return "", fmt.Errorf("access denied - path %s outside allowed directories %s",
			requestedPath, strings.Join(allowedDirectories, ", "))
	}

	realPath, err := filepath.EvalSymlinks(absolute)
	if err == nil {
		if !withinAny(realPath, allowedDirectories) {
			return "", fmt.Errorf("access denied - real path %s outside allowed directories %s",
				realPath, strings.Join(allowedDirectories, ", "))
		}
		return realPath, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return "", err
	}

	ancestor := filepath.Dir(absolute)
	for {
		realAncestor, err := filepath.EvalSymlinks(ancestor)
		if err == nil {
			if !withinAny(realAncestor, allowedDirectories) {
				return "", fmt.Errorf("access denied - parent directory %s outside allowed directories %s",
					ancestor, strings.Join(allowedDirectories, ", "))
			}
			return absolute, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return "", err
		}

		parent := filepath.Dir(ancestor)
		if !missingParents || parent == ancestor {
			return "", fmt.Errorf("access denied - parent directory %s does not exist", ancestor)
		}
		ancestor = parent
	}
}

func withinAny(path string, dirs []string) bool {
	path = filepath.Clean(path)
	for _, dir := range dirs {
		if isSubpath(path, dir) {
			return true
		}
	}
	return false
}

func isSubpath(path, base string) bool {
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, ".."+string(filepath.Separator)) && rel != ".."
}

func normalizeLineEndings(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	return strings.ReplaceAll(text, "\r", "\n")
}

func createUnifiedDiff(originalContent, newContent, path string) string {
	dmp := diffmatchpatch.New()

	diffs := dmp.DiffMain(normalizeLineEndings(originalContent), normalizeLineEndings(newContent), true)
	patches := dmp.PatchMake(diffs)

	var diff strings.Builder
	fmt.Fprintf(&diff, "--- %s (original)\n", path)
	fmt.Fprintf(&diff, "+++ %s (modified)\n", path)
	diff.WriteString(dmp.PatchToText(patches))

	return diff.String()
}

// applyFileEdits applies edits to the file and returns the diff, fenced for markdown. The file is
// left untouched on a dry run.
func applyFileEdits(filePath string, edits []EditOperation, dryRun bool) (string, error) {
	content, err := os.ReadFile(filePath)
	if err != nil {
		return "", fmt.Errorf("failed to read file: %w", err)
	}

	modifiedContent, err := applyEdits(string(content), edits)
	if err != nil {
		return "", err
	}

	diff := formatDiffOutput(createUnifiedDiff(string(content), modifiedContent, filePath))

	if !dryRun {
		if err := os.WriteFile(filePath, []byte(modifiedContent), 0600); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
	}
	return diff, nil
}

// applyEdits replaces the first exact occurrence of every edit, falling back to a line by line match
// that ignores indentation.
func applyEdits(content string, edits []EditOperation) (string, error) {
	modifiedContent := normalizeLineEndings(content)

	for _, edit := range edits {
		normalizedOld := normalizeLineEndings(edit.OldText)
		normalizedNew := normalizeLineEndings(edit.NewText)

		if strings.Contains(modifiedContent, normalizedOld) {
			modifiedContent = strings.Replace(modifiedContent, normalizedOld, normalizedNew, 1)
			continue
		}

		newContent, found := tryLineByLineMatch(modifiedContent, normalizedOld, normalizedNew)
		if !found {
			return "", fmt.Errorf("could not find exact match for edit:\n%s", edit.OldText)
		}
		modifiedContent = newContent
	}

	return modifiedContent, nil
}

func tryLineByLineMatch(content, oldText, newText string) (string, bool) {
	oldLines := strings.Split(oldText, "\n")
	contentLines := strings.Split(content, "\n")

	for i := 0; i <= len(contentLines)-len(oldLines); i++ {
		if isMatchingBlock(contentLines[i:i+len(oldLines)], oldLines) {
			return replaceMatchingBlock(contentLines, i, oldLines, newText), true
		}
	}
	return content, false
}

func isMatchingBlock(contentBlock, oldLines []string) bool {
	for j, oldLine := range oldLines {
		if strings.TrimSpace(oldLine) != strings.TrimSpace(contentBlock[j]) {
			return false
		}
	}
	return true
}

func replaceMatchingBlock(contentLines []string, startIdx int, oldLines []string, newText string) string {
	originalIndent := leadingWhitespace(contentLines[startIdx])
	newLines := reindent(originalIndent, oldLines, strings.Split(newText, "\n"))

	result := make([]string, 0, len(contentLines)-len(oldLines)+len(newLines))
	result = append(result, contentLines[:startIdx]...)
	result = append(result, newLines...)
	result = append(result, contentLines[startIdx+len(oldLines):]...)

	return strings.Join(result, "\n")
}

// reindent shifts newLines to the indentation of the replaced block, keeping their indentation
// relative to the old lines.
func reindent(originalIndent string, oldLines []string, newLines []string) []string {
	result := make([]string, 0, len(newLines))

	for j, line := range newLines {
		trimmed := strings.TrimLeft(line, " \t")
		switch {
		case j == 0:
			result = append(result, originalIndent+trimmed)
		case strings.TrimSpace(line) == "":
			result = append(result, originalIndent)
		default:
			oldIndent := ""
			if j < len(oldLines) {
				oldIndent = leadingWhitespace(oldLines[j])
			}
			relativeIndent := max(0, len(leadingWhitespace(line))-len(oldIndent))
			result = append(result, originalIndent+strings.Repeat(" ", relativeIndent)+trimmed)
		}
	}

	return result
}

func formatDiffOutput(diff string) string {
	numBackticks := 3
	for strings.Contains(diff, strings.Repeat("`", numBackticks)) {
		numBackticks++
	}
	fence := strings.Repeat("`", numBackticks)
	return fmt.Sprintf("%s\ndiff\n%s%s\n\n", fence, diff, fence)
}

func leadingWhitespace(s string) string {
	return strings.TrimRight(s[:len(s)-len(strings.TrimLeft(s, " \t"))], "\n\r")
}

func buildTree(allowedDirectories []string, currentPath string) ([]treeEntry, error) {
	validPath, err := validatePath(currentPath, allowedDirectories)
	if err != nil {
		return nil, fmt.Errorf("path validation failed: %w", err)
	}

	entries, err := os.ReadDir(validPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	result := make([]treeEntry, 0, len(entries))
	for _, entry := range entries {
		if entry.Name() == ".git" {
			continue
		}

		node := treeEntry{Name: entry.Name(), Type: "file"}
		if entry.IsDir() {
			node.Type = "directory"
			subPath := filepath.Join(currentPath, entry.Name())

			children, err := buildTree(allowedDirectories, subPath)
			if err != nil {
				return nil, fmt.Errorf("failed to build subtree for %s: %w", subPath, err)
			}
			node.Children = children
		}
		result = append(result, node)
	}

	return result, nil
}

// searchFilesWithPattern walks rootPath concurrently and returns every entry whose name contains
// pattern, case insensitively. Exclude patterns are globs matched against the path relative to
// rootPath; a pattern without a wildcard excludes any directory of that name.
func searchFilesWithPattern(
	ctx context.Context,
	rootPath, pattern string,
	allowedDirectories, excludePatterns []string,
) ([]string, error) {
	var excludes []glob.Glob
	for _, p := range excludePatterns {
		if !strings.Contains(p, "*") {
			p = "**/" + p + "/**"
		}
		compiled, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", p, err)
		}
		excludes = append(excludes, compiled)
	}

	var (
		mu      sync.Mutex
		results []string
	)
	searchPattern := strings.ToLower(pattern)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(searchConcurrency)

	var search func(currentPath string) error
	search = func(currentPath string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		validPath, err := validatePath(currentPath, allowedDirectories)
		if err != nil {
			return nil
		}
		entries, err := os.ReadDir(validPath)
		if err != nil {
			return nil
		}

		for _, entry := range entries {
			fullPath := filepath.Join(currentPath, entry.Name())
			if _, err := validatePath(fullPath, allowedDirectories); err != nil {
				continue
			}
			relativePath, err := filepath.Rel(rootPath, fullPath)
			if err != nil || excluded(filepath.ToSlash(relativePath), excludes) {
				continue
			}

			if strings.Contains(strings.ToLower(entry.Name()), searchPattern) {
				mu.Lock()
				results = append(results, fullPath)
				mu.Unlock()
			}

			if entry.IsDir() {
				// TryGo fails once the pool is saturated, the subtree is then searched inline.
				if !g.TryGo(func() error { return search(fullPath) }) {
					if err := search(fullPath); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	g.Go(func() error { return search(rootPath) })
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func excluded(relativePath string, excludes []glob.Glob) bool {
	for _, g := range excludes {
		if g.Match(relativePath) {
			return true
		}
	}
	return false
}
