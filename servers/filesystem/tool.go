package filesystem

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/TangGee/go-mcp-runtime"
)

func (s *Server) tools() []mcp.ToolSpec {
	return []mcp.ToolSpec{
		mcp.MustTypedTool("read_file", `Read the complete contents of a file from the file system.
Handles various text encodings and provides detailed error messages
if the file cannot be read. Use this tool when you need to examine
the contents of a single file. Only works within allowed directories.`, s.readFile),
		mcp.MustTypedTool("read_multiple_files", `Read the contents of multiple files simultaneously. This is more
efficient than reading files one by one when you need to analyze
or compare multiple files. Each file's content is returned with its
path as a reference. Failed reads for individual files won't stop
the entire operation. Only works within allowed directories.`, s.readMultipleFiles),
		mcp.MustTypedTool("write_file", `Create a new file or completely overwrite an existing file with new content.
Use with caution as it will overwrite existing files without warning.
Handles text content with proper encoding. Only works within allowed directories.`, s.writeFile),
		mcp.MustTypedTool("edit_file", `Make line-based edits to a text file. Each edit replaces exact line sequences
with new content. Returns a git-style diff showing the changes made.
Only works within allowed directories.`, s.editFile),
		mcp.MustTypedTool("create_directory", `Create a new directory or ensure a directory exists. Can create multiple
nested directories in one operation. If the directory already exists,
this operation will succeed silently. Only works within allowed directories.`, s.createDirectory),
		mcp.MustTypedTool("list_directory", `Get a detailed listing of all files and directories in a specified path.
Results clearly distinguish between files and directories with [FILE] and [DIR]
prefixes. Only works within allowed directories.`, s.listDirectory),
		mcp.MustTypedTool("directory_tree", `Get a recursive tree view of files and directories as a JSON structure.
Each entry includes 'name', 'type' (file/directory), and 'children' for directories.
Files have no children array, while directories always have a children array (which may be empty).
The output is formatted with 2-space indentation for readability. Only works within allowed directories.`,
			s.directoryTree),
		mcp.MustTypedTool("move_file", `Move or rename files and directories. Can move files between directories
and rename them in a single operation. If the destination exists, the
operation will fail. Both source and destination must be within allowed directories.`, s.moveFile),
		mcp.MustTypedTool("search_files", `Recursively search for files and directories matching a pattern.
Searches through all subdirectories from the starting path. The search
is case-insensitive and matches partial names. Returns full paths to all
matching items. Only searches within allowed directories.`, s.searchFiles),
		mcp.MustTypedTool("get_file_info", `Retrieve detailed metadata about a file or directory. Returns comprehensive
information including size, last modified time, permissions, and type.
Only works within allowed directories.`, s.getFileInfo),
		mcp.MustTypedTool("list_allowed_directories", `Returns the list of directories that this server is allowed to access.
Use this to understand which directories are available before trying to access files.`,
			s.listAllowedDirectories),
	}
}

func errorResult(format string, args ...any) mcp.CallToolResult {
	res := mcp.TextResult(fmt.Sprintf(format, args...))
	res.IsError = true
	return res
}

func (s *Server) readFile(_ context.Context, _ *mcp.Exchange, args ReadFileArgs) (mcp.CallToolResult, error) {
	validPath, err := validatePath(args.Path, s.allowedDirectories())
	if err != nil {
		return errorResult("%s", err), nil
	}

	info, err := os.Stat(validPath)
	if err != nil {
		return errorResult("failed to stat file with path %s: %s", args.Path, err), nil
	}
	if info.IsDir() {
		return errorResult("path %s is a directory, not a file", args.Path), nil
	}

	bs, err := os.ReadFile(validPath)
	if err != nil {
		return errorResult("failed to read file with path %s: %s", args.Path, err), nil
	}
	return mcp.TextResult(string(bs)), nil
}

func (s *Server) readMultipleFiles(_ context.Context, _ *mcp.Exchange, args ReadMultipleFilesArgs) (
	mcp.CallToolResult, error,
) {
	allowed := s.allowedDirectories()
	contents := make([]mcp.Content, 0, len(args.Paths))

	for _, path := range args.Paths {
		text := func() string {
			validPath, err := validatePath(path, allowed)
			if err != nil {
				return fmt.Sprintf("%s: Error - %s", path, err)
			}
			bs, err := os.ReadFile(validPath)
			if err != nil {
				return fmt.Sprintf("%s: Error - %s", path, err)
			}
			return fmt.Sprintf("%s:\n%s\n", path, bs)
		}()
		contents = append(contents, mcp.Content{Type: mcp.ContentTypeText, Text: text})
	}

	return mcp.CallToolResult{Content: contents}, nil
}

func (s *Server) writeFile(_ context.Context, _ *mcp.Exchange, args WriteFileArgs) (mcp.CallToolResult, error) {
	validPath, err := validatePath(args.Path, s.allowedDirectories())
	if err != nil {
		return errorResult("%s", err), nil
	}

	if err := os.WriteFile(validPath, []byte(args.Content), 0600); err != nil {
		return errorResult("failed to write file with path %s: %s", args.Path, err), nil
	}
	return mcp.TextResult(fmt.Sprintf("Successfully wrote to %s", args.Path)), nil
}

func (s *Server) editFile(_ context.Context, _ *mcp.Exchange, args EditFileArgs) (mcp.CallToolResult, error) {
	validPath, err := validatePath(args.Path, s.allowedDirectories())
	if err != nil {
		return errorResult("%s", err), nil
	}

	diff, err := applyFileEdits(validPath, args.Edits, args.DryRun)
	if err != nil {
		return errorResult("failed to edit file %s: %s", args.Path, err), nil
	}
	return mcp.TextResult(diff), nil
}

func (s *Server) createDirectory(_ context.Context, _ *mcp.Exchange, args CreateDirectoryArgs) (
	mcp.CallToolResult, error,
) {
	validPath, err := validateDirectoryPath(args.Path, s.allowedDirectories())
	if err != nil {
		return errorResult("%s", err), nil
	}

	if err := os.MkdirAll(validPath, 0700); err != nil {
		return errorResult("failed to create directory with path %s: %s", args.Path, err), nil
	}
	return mcp.TextResult(fmt.Sprintf("Successfully created directory %s", args.Path)), nil
}

func (s *Server) listDirectory(_ context.Context, _ *mcp.Exchange, args ListDirectoryArgs) (
	mcp.CallToolResult, error,
) {
	validPath, err := validatePath(args.Path, s.allowedDirectories())
	if err != nil {
		return errorResult("%s", err), nil
	}

	entries, err := os.ReadDir(validPath)
	if err != nil {
		return errorResult("failed to read directory with path %s: %s", args.Path, err), nil
	}

	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		prefix := "[FILE]"
		if entry.IsDir() {
			prefix = "[DIR]"
		}
		lines = append(lines, fmt.Sprintf("%s %s", prefix, entry.Name()))
	}
	return mcp.TextResult(strings.Join(lines, "\n")), nil
}

func (s *Server) directoryTree(_ context.Context, _ *mcp.Exchange, args DirectoryTreeArgs) (
	mcp.CallToolResult, error,
) {
	tree, err := buildTree(s.allowedDirectories(), args.Path)
	if err != nil {
		return errorResult("%s", err), nil
	}

	bs, err := json.MarshalIndent(tree, "", "  ")
	if err != nil {
		return mcp.CallToolResult{}, fmt.Errorf("failed to marshal directory tree: %w", err)
	}
	return mcp.TextResult(string(bs)), nil
}

func (s *Server) moveFile(_ context.Context, _ *mcp.Exchange, args MoveFileArgs) (mcp.CallToolResult, error) {
	allowed := s.allowedDirectories()
	validSource, err := validatePath(args.Source, allowed)
	if err != nil {
		return errorResult("%s", err), nil
	}
	validDestination, err := validatePath(args.Destination, allowed)
	if err != nil {
		return errorResult("%s", err), nil
	}

	if _, err := os.Stat(validDestination); err == nil {
		return errorResult("destination %s already exists", args.Destination), nil
	}
	if err := os.Rename(validSource, validDestination); err != nil {
		return errorResult("failed to move %s to %s: %s", args.Source, args.Destination, err), nil
	}
	return mcp.TextResult(fmt.Sprintf("Successfully moved %s to %s", args.Source, args.Destination)), nil
}

func (s *Server) searchFiles(ctx context.Context, _ *mcp.Exchange, args SearchFilesArgs) (mcp.CallToolResult, error) {
	allowed := s.allowedDirectories()
	validPath, err := validatePath(args.Path, allowed)
	if err != nil {
		return errorResult("%s", err), nil
	}

	results, err := searchFilesWithPattern(ctx, validPath, args.Pattern, allowed, args.Exclude)
	if err != nil {
		return errorResult("failed to search files: %s", err), nil
	}
	if len(results) == 0 {
		return mcp.TextResult("No matches found"), nil
	}
	return mcp.TextResult(strings.Join(results, "\n")), nil
}

func (s *Server) getFileInfo(_ context.Context, _ *mcp.Exchange, args GetFileInfoArgs) (mcp.CallToolResult, error) {
	validPath, err := validatePath(args.Path, s.allowedDirectories())
	if err != nil {
		return errorResult("%s", err), nil
	}

	info, err := os.Stat(validPath)
	if err != nil {
		return errorResult("failed to stat file with path %s: %s", args.Path, err), nil
	}

	return mcp.TextResult(fmt.Sprintf("size: %d\nmodified: %s\nisDirectory: %t\nisFile: %t\npermissions: %s",
		info.Size(), info.ModTime(), info.IsDir(), info.Mode().IsRegular(), info.Mode().Perm())), nil
}

func (s *Server) listAllowedDirectories(context.Context, *mcp.Exchange, ListAllowedDirectoriesArgs) (
	mcp.CallToolResult, error,
) {
	return mcp.TextResult(fmt.Sprintf("Allowed directories:\n%s", strings.Join(s.allowedDirectories(), "\n"))), nil
}
