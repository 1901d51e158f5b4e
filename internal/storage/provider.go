// Package storage defines the store file-system abstraction.
package storage

import "time"

// FileInfo describes one file returned by List.
type FileInfo struct {
	Path    string // relative to the store root
	Name    string
	ModTime time.Time
	Size    int64
}

// Provider is the interface for store file operations.
type Provider interface {
	// Root returns the absolute store directory.
	Root() string
	// List returns the files directly under dir whose names end in ext.
	List(dir, ext string) ([]FileInfo, error)
	// Read returns the raw bytes of the file at path (relative to store root).
	Read(path string) ([]byte, error)
	// Write atomically writes content to path (relative to store root).
	Write(path string, content []byte) error
	// Delete removes the file at path. Missing files are not an error.
	Delete(path string) error
	// RemoveTemp deletes interrupted-write leftovers under dir.
	RemoveTemp(dir string) (int, error)
}
