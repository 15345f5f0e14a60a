package filesystem

// ReadFileArgs is an argument struct for the read_file tool.
type ReadFileArgs struct {
	Path string `json:"path"`
}

// ReadMultipleFilesArgs is an argument struct for the read_multiple_files tool.
type ReadMultipleFilesArgs struct {
	Paths []string `json:"paths"`
}

// WriteFileArgs is an argument struct for the write_file tool.
type WriteFileArgs struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// EditFileArgs is an argument struct for the edit_file tool.
type EditFileArgs struct {
	Path   string          `json:"path"`
	Edits  []EditOperation `json:"edits"`
	DryRun bool            `json:"dryRun,omitempty" jsonschema:"description=Preview changes using git-style diff format"`
}

// EditOperation is a struct representing an edit operation.
type EditOperation struct {
	OldText string `json:"oldText" jsonschema:"description=Text to search for - must match exactly"`
	NewText string `json:"newText" jsonschema:"description=Text to replace with"`
}

// CreateDirectoryArgs is an argument struct for the create_directory tool.
type CreateDirectoryArgs struct {
	Path string `json:"path"`
}

// ListDirectoryArgs is an argument struct for the list_directory tool.
type ListDirectoryArgs struct {
	Path string `json:"path"`
}

// DirectoryTreeArgs is an argument struct for the directory_tree tool.
type DirectoryTreeArgs struct {
	Path string `json:"path"`
}

// MoveFileArgs is an argument struct for the move_file tool.
type MoveFileArgs struct {
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// SearchFilesArgs is an argument struct for the search_files tool.
type SearchFilesArgs struct {
	Path    string   `json:"path"`
	Pattern string   `json:"pattern"`
	Exclude []string `json:"excludePatterns,omitempty"`
}

// GetFileInfoArgs is an argument struct for the get_file_info tool.
type GetFileInfoArgs struct {
	Path string `json:"path"`
}

// ListAllowedDirectoriesArgs is the empty argument struct of the list_allowed_directories tool.
type ListAllowedDirectoriesArgs struct{}

type treeEntry struct {
	Name     string      `json:"name"`
	Type     string      `json:"type"` // "file" or "directory"
	Children []treeEntry `json:"children,omitempty"`
}
