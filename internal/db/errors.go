package db

import (
	"errors"

	"gorm.io/gorm"
)

var (
	// ErrNotFound indicates the requested row does not exist.
	ErrNotFound = errors.New("db: not found")
	// ErrInvalidPagePath is returned for page paths not starting with "/".
	ErrInvalidPagePath = errors.New("db: page path must start with /")
	// ErrDuplicatePath is returned when a site already has a page at the path.
	ErrDuplicatePath = errors.New("db: page path already used on site")
	// ErrFolderCycle is returned when a parent assignment would make a folder its own ancestor.
	ErrFolderCycle = errors.New("db: folder cannot be its own ancestor")
	// ErrFolderHasChildren is returned when deleting a folder with child folders.
	ErrFolderHasChildren = errors.New("db: folder has child folders")
	// ErrForeignFolder is returned when a folder belongs to an unrelated site.
	ErrForeignFolder = errors.New("db: folder belongs to another site")
	// ErrDeployInProgress is returned when a site is already deploying.
	ErrDeployInProgress = errors.New("db: site deploy already in progress")
)

func notFound(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ErrNotFound
	}
	return err
}
