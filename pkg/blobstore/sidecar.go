package blobstore

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/eucalyptus-cloud/blockblob/pkg/util"
)

// sidecar enumerates the metadata files that may accompany a blob. The
// backing file itself is part of the family: its presence is what
// defines the blob during scans.
type sidecar int

const (
	sidecarBlocks sidecar = iota
	sidecarDM
	sidecarDeps
	sidecarLoopback
	sidecarSig
	sidecarRefs
	sidecarCount
)

var sidecarSuffixes = [sidecarCount]string{
	"blocks",
	"dm",
	"deps",
	"loopback",
	"sig",
	"refs",
}

const sidecarPermissions = 0o600
const directoryPermissions = 0o700

// sidecarPath returns the path of a sidecar file of a blob. Depending
// on the store's format, sidecars either share the blob ID as a
// filename prefix or live in a directory named after the blob ID.
func (s *Store) sidecarPath(sc sidecar, blobID string) string {
	if s.format == FormatDirectory {
		return filepath.Join(s.path, blobID, sidecarSuffixes[sc])
	}
	return filepath.Join(s.path, blobID+"."+sidecarSuffixes[sc])
}

// classifySidecarPath determines whether a path inside the store
// refers to a sidecar file of some blob. If it does, the sidecar type
// and the blob ID are returned. The blob ID is the path relative to
// the store root, minus the suffix.
func (s *Store) classifySidecarPath(path string) (sidecar, string, bool) {
	relativePath := strings.TrimPrefix(path, s.path+"/")
	separator := "."
	if s.format == FormatDirectory {
		separator = "/"
	}
	for sc := sidecarBlocks; sc < sidecarCount; sc++ {
		suffix := separator + sidecarSuffixes[sc]
		if strings.HasSuffix(relativePath, suffix) && len(relativePath) > len(suffix) {
			return sc, relativePath[:len(relativePath)-len(suffix)], true
		}
	}
	return 0, "", false
}

// writeSidecar stores a string in a sidecar file, replacing any
// previous contents. Writing the empty string removes the file.
func (s *Store) writeSidecar(sc sidecar, blobID, contents string) error {
	path := s.sidecarPath(sc, blobID)
	if contents == "" {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return util.StatusFromOSError(err, "Failed to remove %#v", path)
		}
		return nil
	}
	if err := os.WriteFile(path, []byte(contents), sidecarPermissions); err != nil {
		return util.StatusFromOSError(err, "Failed to write %#v", path)
	}
	return nil
}

// readSidecar returns the contents of a sidecar file. Absence of the
// file is reported as an error.
func (s *Store) readSidecar(sc sidecar, blobID string) (string, error) {
	path := s.sidecarPath(sc, blobID)
	contents, err := os.ReadFile(path)
	if err != nil {
		return "", util.StatusFromOSError(err, "Failed to read %#v", path)
	}
	return string(contents), nil
}

// writeSidecarLines stores a list of entries in a sidecar file, one
// entry per line. An empty list yields an empty file.
func (s *Store) writeSidecarLines(sc sidecar, blobID string, lines []string) error {
	var sb strings.Builder
	for _, line := range lines {
		sb.WriteString(line)
		sb.WriteByte('\n')
	}
	path := s.sidecarPath(sc, blobID)
	if err := os.WriteFile(path, []byte(sb.String()), sidecarPermissions); err != nil {
		return util.StatusFromOSError(err, "Failed to write %#v", path)
	}
	return nil
}

// readSidecarLines returns the entries stored in a sidecar file. A
// missing file is equivalent to an empty list.
func (s *Store) readSidecarLines(sc sidecar, blobID string) ([]string, error) {
	path := s.sidecarPath(sc, blobID)
	contents, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, util.StatusFromOSError(err, "Failed to read %#v", path)
	}
	var lines []string
	for _, line := range strings.Split(string(contents), "\n") {
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

// updateSidecarEntry adds an entry to or removes an entry from a
// sidecar list. The operation is idempotent: adding an entry that is
// already present, or removing one that is absent, leaves the file
// unchanged.
func (s *Store) updateSidecarEntry(sc sidecar, blobID, entry string, remove bool) error {
	lines, err := s.readSidecarLines(sc, blobID)
	if err != nil {
		return err
	}
	found := -1
	for i, line := range lines {
		if line == entry {
			found = i
			break
		}
	}
	if found < 0 && !remove {
		lines = append(lines, entry)
	} else if found >= 0 && remove {
		lines = append(lines[:found], lines[found+1:]...)
	} else {
		return nil
	}
	return s.writeSidecarLines(sc, blobID, lines)
}

// ensureBlobDirectories creates the directories that need to exist
// before the sidecar files of a blob can be created. It reports
// whether any directory was actually created, so that failed blob
// creation can undo its work.
func (s *Store) ensureBlobDirectories(blobID string) (bool, error) {
	dir := filepath.Join(s.path, blobID)
	if s.format != FormatDirectory {
		dir = filepath.Dir(dir)
	}
	if _, err := os.Stat(dir); err == nil {
		return false, nil
	}
	if err := os.MkdirAll(dir, directoryPermissions); err != nil {
		return false, util.StatusFromOSError(err, "Failed to create directory %#v", dir)
	}
	return true, nil
}

// deleteBlobFiles unlinks all sidecar files of a blob and removes any
// directories that have become empty as a result. It returns the
// number of files and directories removed, so that zero indicates the
// blob did not exist.
func (s *Store) deleteBlobFiles(blobID string) int {
	count := 0
	for sc := sidecarBlocks; sc < sidecarCount; sc++ {
		if os.Remove(s.sidecarPath(sc, blobID)) == nil {
			count++
		}
	}
	dir := filepath.Join(s.path, blobID)
	if s.format != FormatDirectory {
		dir = filepath.Dir(dir)
	}
	for dir != s.path && dir != "." && dir != "/" {
		if os.Remove(dir) != nil {
			break
		}
		count++
		dir = filepath.Dir(dir)
	}
	return count
}
