package files

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/klubi/repomanager/internal/tool"
)

// Tool names registered by Register.
const (
	ToolSetWorkingDirectory = "set_working_directory"
	ToolSetWorkingFile      = "set_working_file"
	ToolReadFile            = "read_file"
	ToolUpdateFile          = "update_file"
	ToolListFiles           = "list_files"
	ToolReadAllFiles        = "read_all_files"
	ToolRevertFile          = "revert_file"
)

// RevertHint is appended to every successful write.
const RevertHint = "Type revert to undo changes."

// Register adds the file tools to reg, bound to w.
func Register(reg *tool.Registry, w *Workspace) error {
	descs := []tool.Descriptor{
		{
			Name:        ToolSetWorkingDirectory,
			Description: "Set the project directory that all other file tools operate in.",
			Parameters:  tool.ObjectSchema(map[string]string{"path": "Absolute or relative directory path"}, "path"),
			Handler:     w.handleSetDirectory,
		},
		{
			Name: ToolSetWorkingFile,
			Description: "Set the working file. A bare file name is searched for in subdirectories " +
				"of the working directory.",
			Parameters: tool.ObjectSchema(map[string]string{"path": "File name or path relative to the working directory"}, "path"),
			Handler:    w.handleSetFile,
		},
		{
			Name:        ToolReadFile,
			Description: "Read a file. Reads the working file when path is omitted.",
			Parameters:  tool.ObjectSchema(map[string]string{"path": "Optional file path relative to the working directory"}),
			Handler:     w.handleRead,
			ReadOnly:    true,
		},
		{
			Name: ToolUpdateFile,
			Description: "Replace the full content of a file, creating it if needed. Writes the working " +
				"file when path is omitted. The previous content is kept so the change can be reverted.",
			Parameters: tool.ObjectSchema(map[string]string{
				"content": "The complete new file content",
				"path":    "Optional file path relative to the working directory",
			}, "content"),
			Handler: w.handleUpdate,
		},
		{
			Name:        ToolListFiles,
			Description: "List every file in the working directory, including subdirectories.",
			Parameters:  tool.ObjectSchema(nil),
			Handler:     w.handleList,
			ReadOnly:    true,
		},
		{
			Name:        ToolReadAllFiles,
			Description: "Read every text file in the working directory to gather context.",
			Parameters:  tool.ObjectSchema(nil),
			Handler:     w.handleReadAll,
			ReadOnly:    true,
		},
		{
			Name:        ToolRevertFile,
			Description: "Undo the most recent change made to a file. Reverts the working file when path is omitted.",
			Parameters:  tool.ObjectSchema(map[string]string{"path": "Optional file path relative to the working directory"}),
			Handler:     w.handleRevert,
		},
	}

	for _, d := range descs {
		if err := reg.Register(d); err != nil {
			return err
		}
	}
	return nil
}

func (w *Workspace) handleSetDirectory(_ context.Context, args map[string]any) (tool.Result, error) {
	path, err := tool.String(args, "path", true)
	if err != nil {
		return tool.Result{}, err
	}
	abs, err := w.SetDirectory(path)
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	return tool.Result{Content: fmt.Sprintf("Working directory set to %s", abs)}, nil
}

func (w *Workspace) handleSetFile(_ context.Context, args map[string]any) (tool.Result, error) {
	path, err := tool.String(args, "path", true)
	if err != nil {
		return tool.Result{}, err
	}
	rel, err := w.SetFile(path)
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	return tool.Result{Content: fmt.Sprintf("Working file set to %s", rel)}, nil
}

func (w *Workspace) handleRead(_ context.Context, args map[string]any) (tool.Result, error) {
	path, err := tool.String(args, "path", false)
	if err != nil {
		return tool.Result{}, err
	}
	_, content, err := w.Read(path)
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	return tool.Result{Content: content}, nil
}

func (w *Workspace) handleUpdate(_ context.Context, args map[string]any) (tool.Result, error) {
	content, err := tool.String(args, "content", false)
	if err != nil {
		return tool.Result{}, err
	}
	path, err := tool.String(args, "path", false)
	if err != nil {
		return tool.Result{}, err
	}
	rel, changed, err := w.Update(path, content)
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	if !changed {
		return tool.Result{Content: fmt.Sprintf("%s already has that content; nothing changed.", rel)}, nil
	}
	return tool.Result{Content: fmt.Sprintf("Updated %s. %s", rel, RevertHint)}, nil
}

func (w *Workspace) handleList(_ context.Context, _ map[string]any) (tool.Result, error) {
	files, err := w.List()
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	if len(files) == 0 {
		return tool.Result{Content: "The working directory is empty."}, nil
	}
	return tool.Result{Content: strings.Join(files, "\n")}, nil
}

func (w *Workspace) handleReadAll(_ context.Context, _ map[string]any) (tool.Result, error) {
	out, err := w.ReadAll()
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	return tool.Result{Content: out}, nil
}

func (w *Workspace) handleRevert(_ context.Context, args map[string]any) (tool.Result, error) {
	path, err := tool.String(args, "path", false)
	if err != nil {
		return tool.Result{}, err
	}
	rel, err := w.Revert(path)
	if err != nil {
		return tool.Result{}, argumentError(err)
	}
	return tool.Result{Content: fmt.Sprintf("Reverted the last change to %s.", rel)}, nil
}

// argumentError classifies workspace errors the caller can fix by choosing
// different arguments. Everything else is left as an execution failure.
func argumentError(err error) error {
	switch {
	case errors.Is(err, ErrNoDirectory),
		errors.Is(err, ErrNoWorkingFile),
		errors.Is(err, ErrOutsideWorkspace),
		errors.Is(err, ErrNothingToRevert),
		errors.Is(err, ErrNotADirectory),
		errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%w: %w", tool.ErrInvalidArguments, err)
	}
	return err
}
