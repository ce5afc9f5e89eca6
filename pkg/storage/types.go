// Package storage provides the temporary object storage used for file
// transfer in public sessions.
package storage

import (
	"errors"
	"fmt"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when an object does not exist.
	ErrNotFound = errors.New("storage: object not found")

	// ErrInvalidKey is returned for keys or file names that would escape the
	// storage area.
	ErrInvalidKey = errors.New("storage: invalid key")

	// ErrExists is returned by Create when the key is already taken.
	ErrExists = errors.New("storage: object exists")
)

// ObjectInfo provides information about a storage object.
type ObjectInfo struct {
	Key          string    `json:"key"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"last_modified,omitempty"`
}

// SafeName reduces a client-supplied file name to its base name.
func SafeName(fileName string) (string, error) {
	name := path.Base(strings.ReplaceAll(fileName, "\\", "/"))
	if name == "." || name == "/" || name == ".." || name == "" {
		return "", fmt.Errorf("%w: file name %q", ErrInvalidKey, fileName)
	}
	return name, nil
}

// Key builds the object key of an upload: <session>/<token>_<name>.
func Key(sessionID, token, fileName string) (string, error) {
	name, err := SafeName(fileName)
	if err != nil {
		return "", err
	}
	key := sessionID + "/" + token + "_" + name
	if err := ValidateKey(key); err != nil {
		return "", err
	}
	return key, nil
}

// ValidateKey rejects absolute keys and keys containing dot segments.
func ValidateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	for _, seg := range strings.Split(key, "/") {
		if seg == "" || seg == "." || seg == ".." {
			return fmt.Errorf("%w: %q", ErrInvalidKey, key)
		}
	}
	return nil
}
