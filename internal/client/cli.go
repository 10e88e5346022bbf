package client

import (
	"fmt"
	"os"
)

type ValidationError struct {
	Arg   string
	Cause string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid argument %q: %s", e.Arg, e.Cause)
}

// ValidateUploadPath checks that the upload argument is an existing regular
// file. Directories are rejected: shares carry exactly one file.
func ValidateUploadPath(path string) error {
	if path == "" {
		return &ValidationError{Arg: "<file>", Cause: "no file provided"}
	}

	info, err := os.Stat(path)
	if err != nil {
		return &ValidationError{Arg: path, Cause: "not found or not accessible"}
	}
	if info.IsDir() {
		return &ValidationError{Arg: path, Cause: "is a directory, expected a file"}
	}

	return nil
}
