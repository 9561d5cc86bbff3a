// Package certstore manages the certbot-style certificate directory:
// live/<lineage> links, archive/<lineage> files, and their permissions.
package certstore

import (
	"fmt"
	"io/fs"
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/jerkytreats/dnscert/internal/config"
	"github.com/jerkytreats/dnscert/internal/logging"
	"github.com/jerkytreats/dnscert/pkg/validation"
)

// ReadmeFile is the sentinel certbot writes in live/.
const ReadmeFile = "README"

// Store is a certificate directory.
type Store struct {
	dir string
}

func New(dir string) *Store {
	return &Store{dir: dir}
}

// Dir returns the root directory.
func (s *Store) Dir() string { return s.dir }

func (s *Store) LiveDir() string { return filepath.Join(s.dir, "live") }

func (s *Store) ArchiveDir() string { return filepath.Join(s.dir, "archive") }

func (s *Store) LivePath(lineage string) string { return filepath.Join(s.LiveDir(), lineage) }

func (s *Store) ArchivePath(lineage string) string { return filepath.Join(s.ArchiveDir(), lineage) }

// EnsureWorkspace creates live/ and archive/ and applies perms to both.
func (s *Store) EnsureWorkspace(perms config.Permissions) error {
	for _, dir := range []string{s.LiveDir(), s.ArchiveDir()} {
		if err := os.MkdirAll(dir, fs.FileMode(perms.Dirs())); err != nil {
			return fmt.Errorf("could not create %s: %w", dir, err)
		}
		if err := FixPermissions(perms, dir); err != nil {
			return err
		}
	}
	return nil
}

// Lineages lists the certificates present in live/, sorted. The README
// sentinel is skipped and a leading wildcard label is stripped.
func (s *Store) Lineages() ([]string, error) {
	entries, err := os.ReadDir(s.LiveDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not list %s: %w", s.LiveDir(), err)
	}

	var lineages []string
	for _, entry := range entries {
		if entry.Name() == ReadmeFile {
			continue
		}
		lineages = append(lineages, validation.NormalizeLineage(entry.Name()))
	}
	sort.Strings(lineages)
	return lineages, nil
}

// FixPermissions applies files_mode, dirs_mode and ownership to target and
// everything below it.
func FixPermissions(perms config.Permissions, target string) error {
	uid, gid, err := owner(perms)
	if err != nil {
		return err
	}

	filesMode := fs.FileMode(perms.Files())
	dirsMode := fs.FileMode(perms.Dirs())

	return filepath.WalkDir(target, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}

		mode := filesMode
		if d.IsDir() {
			mode = dirsMode
		}
		if err := os.Chmod(path, mode); err != nil {
			return fmt.Errorf("could not change mode of %s: %w", path, err)
		}

		if uid != -1 || gid != -1 {
			if err := os.Chown(path, uid, gid); err != nil {
				return fmt.Errorf("could not change owner of %s: %w", path, err)
			}
		}
		return nil
	})
}

// owner resolves user and group names or ids; -1 leaves the id unchanged.
func owner(perms config.Permissions) (int, int, error) {
	uid, gid := -1, -1

	if perms.User != "" {
		id, err := strconv.Atoi(perms.User)
		if err != nil {
			u, lookupErr := user.Lookup(perms.User)
			if lookupErr != nil {
				return 0, 0, fmt.Errorf("could not find user %s: %w", perms.User, lookupErr)
			}
			if id, err = strconv.Atoi(u.Uid); err != nil {
				logging.Warn("Setting the owner of certificates is not supported on this platform.")
				id = -1
			}
		}
		uid = id
	}

	if perms.Group != "" {
		id, err := strconv.Atoi(perms.Group)
		if err != nil {
			g, lookupErr := user.LookupGroup(perms.Group)
			if lookupErr != nil {
				return 0, 0, fmt.Errorf("could not find group %s: %w", perms.Group, lookupErr)
			}
			if id, err = strconv.Atoi(g.Gid); err != nil {
				logging.Warn("Setting the group of certificates is not supported on this platform.")
				id = -1
			}
		}
		gid = id
	}

	return uid, gid, nil
}
