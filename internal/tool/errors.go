package tool

import "errors"

// Sentinel errors for the tool layer. They are returned wrapped with the
// tool name; test with errors.Is.
var (
	ErrToolNotFound     = errors.New("tool not found")
	ErrInvalidArguments = errors.New("invalid arguments")
	ErrExecution        = errors.New("tool execution failed")
	ErrAlreadyExists    = errors.New("tool already registered")
	ErrEmptyName        = errors.New("tool name is empty")
)
