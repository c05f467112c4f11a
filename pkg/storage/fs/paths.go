package fs

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spacetrove/trove/pkg/model"
	"github.com/spacetrove/trove/pkg/policy"
)

// layout maps resource coordinates to on-disk paths.
type layout struct {
	root string
}

// fsSub converts a normalized subpath to a relative directory path; the
// space root becomes the empty string.
func fsSub(subpath string) string {
	normalized := policy.Normalize(subpath)
	if normalized == policy.RootSubpath {
		return ""
	}
	return filepath.FromSlash(normalized)
}

func (l layout) spaceDir(space string) string {
	return filepath.Join(l.root, space)
}

// dmDir returns the metadata directory for an entry. Space entries keep
// theirs at the space root, folders inside their own directory, everything
// else under the parent subpath's .dm.
func (l layout) dmDir(space, subpath, shortname string, rt model.ResourceType) string {
	switch rt {
	case model.ResourceTypeSpace:
		return filepath.Join(l.root, space, ".dm")
	case model.ResourceTypeFolder:
		return filepath.Join(l.root, space, fsSub(subpath), shortname, ".dm")
	default:
		return filepath.Join(l.root, space, fsSub(subpath), ".dm", shortname)
	}
}

func (l layout) metaPath(space, subpath, shortname string, rt model.ResourceType) string {
	return filepath.Join(l.dmDir(space, subpath, shortname, rt), fmt.Sprintf("meta.%s.json", rt))
}

func (l layout) historyPath(space, subpath, shortname string, rt model.ResourceType) string {
	return filepath.Join(l.dmDir(space, subpath, shortname, rt), "history.jsonl")
}

func (l layout) attachmentsDir(space, subpath, shortname string, parentType, attType model.ResourceType) string {
	return filepath.Join(l.dmDir(space, subpath, shortname, parentType),
		fmt.Sprintf("attachments.%s", attType))
}

func (l layout) attachmentMetaPath(dir, shortname string) string {
	return filepath.Join(dir, fmt.Sprintf("meta.%s.json", shortname))
}

func (l layout) blobPath(space, subpath, name string) string {
	return filepath.Join(l.root, space, fsSub(subpath), name)
}

func (l layout) eventsPath(space string) string {
	return filepath.Join(l.root, space, ".dm", "events.jsonl")
}

// entryTypeOf resolves the concrete metadata type stored for an entry by
// globbing its possible locations; empty when the identity is vacant.
func (l layout) entryTypeOf(space, subpath, shortname string) model.ResourceType {
	pattern := filepath.Join(l.root, space, fsSub(subpath), ".dm", shortname, "meta.*.json")
	if matches, _ := filepath.Glob(pattern); len(matches) > 0 {
		name := filepath.Base(matches[0])
		return model.ResourceType(strings.TrimSuffix(strings.TrimPrefix(name, "meta."), ".json"))
	}
	folderMeta := filepath.Join(l.root, space, fsSub(subpath), shortname, ".dm", "meta.folder.json")
	if _, err := os.Stat(folderMeta); err == nil {
		return model.ResourceTypeFolder
	}
	return ""
}

// writeFileAtomic writes through a temp file in the target directory so a
// reader never observes a partial document.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

// appendLine appends one JSON line to an append-only log.
func appendLine(path string, line []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	return nil
}

// pruneEmptyDirs removes empty directories upward from dir, stopping at
// stop or the first non-empty directory.
func pruneEmptyDirs(dir, stop string) {
	for dir != stop && strings.HasPrefix(dir, stop) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}
