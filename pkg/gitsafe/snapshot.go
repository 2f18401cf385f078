package gitsafe

import (
	"archive/tar"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/ulikunitz/xz"

	"github.com/selfheald/selfheald/pkg/observability"
)

const (
	snapshotSuffix = ".tar.xz"
	metadataSuffix = ".json"
)

// SnapshotRef identifies one retained snapshot archive.
type SnapshotRef struct {
	Label     string    `json:"label"`
	Path      string    `json:"path"`
	Revision  string    `json:"revision,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	FileCount int       `json:"file_count"`
}

// Snapshot archives the given files (or every tracked file when the list is
// empty) into a compressed archive under the snapshot directory, records a
// metadata sidecar, and prunes the oldest snapshots beyond the retention
// limit.
func (l *Layer) Snapshot(ctx context.Context, label string, files []string) (SnapshotRef, error) {
	if strings.TrimSpace(label) == "" {
		label = "backup"
	}
	label = sanitizeLabel(label)

	if len(files) == 0 {
		tracked, err := l.TrackedFiles(ctx)
		if err != nil {
			return SnapshotRef{}, fmt.Errorf("list tracked files: %w", err)
		}
		files = tracked
	}

	if err := os.MkdirAll(l.snapshotDir, 0o755); err != nil {
		return SnapshotRef{}, fmt.Errorf("create snapshot directory: %w", err)
	}

	createdAt := l.now()
	name := createdAt.Format("20060102_150405") + "_" + label
	archivePath := filepath.Join(l.snapshotDir, name+snapshotSuffix)

	count, err := l.writeArchive(archivePath, files)
	if err != nil {
		os.Remove(archivePath)
		return SnapshotRef{}, err
	}

	ref := SnapshotRef{
		Label:     label,
		Path:      archivePath,
		CreatedAt: createdAt,
		FileCount: count,
	}
	if revision, revErr := l.CurrentRevision(ctx); revErr == nil {
		ref.Revision = revision
	}

	if err := writeMetadata(archivePath, ref); err != nil {
		l.logger.Log(ctx, observability.Warn("gitsafe", "snapshot_metadata_failed", err.Error(), map[string]interface{}{
			"path": archivePath,
		}))
	}

	l.pruneSnapshots(ctx)

	l.logger.Log(ctx, observability.Info("gitsafe", "snapshot_created", "snapshot archived", map[string]interface{}{
		"label":    ref.Label,
		"path":     ref.Path,
		"revision": ref.Revision,
		"files":    ref.FileCount,
	}))
	return ref, nil
}

func (l *Layer) writeArchive(path string, files []string) (int, error) {
	out, err := os.Create(path)
	if err != nil {
		return 0, fmt.Errorf("create archive: %w", err)
	}
	defer out.Close()

	compressor, err := xz.NewWriter(out)
	if err != nil {
		return 0, fmt.Errorf("initialise compressor: %w", err)
	}
	archive := tar.NewWriter(compressor)

	count := 0
	for _, file := range files {
		full := filepath.Join(l.root, filepath.FromSlash(file))
		info, err := os.Stat(full)
		if err != nil || !info.Mode().IsRegular() {
			continue
		}
		header, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return count, fmt.Errorf("archive header %s: %w", file, err)
		}
		header.Name = filepath.ToSlash(file)
		if err := archive.WriteHeader(header); err != nil {
			return count, fmt.Errorf("write header %s: %w", file, err)
		}
		src, err := os.Open(full)
		if err != nil {
			return count, fmt.Errorf("open %s: %w", file, err)
		}
		_, err = io.Copy(archive, src)
		src.Close()
		if err != nil {
			return count, fmt.Errorf("archive %s: %w", file, err)
		}
		count++
	}

	if err := archive.Close(); err != nil {
		return count, fmt.Errorf("finalise archive: %w", err)
	}
	if err := compressor.Close(); err != nil {
		return count, fmt.Errorf("finalise compression: %w", err)
	}
	return count, nil
}

// RestoreSnapshot extracts the archive back over the working tree, restoring
// each archived file byte-identical to its snapshotted content.
func (l *Layer) RestoreSnapshot(ctx context.Context, ref SnapshotRef) (bool, error) {
	in, err := os.Open(ref.Path)
	if err != nil {
		return false, fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	decompressor, err := xz.NewReader(in)
	if err != nil {
		return false, fmt.Errorf("initialise decompressor: %w", err)
	}
	archive := tar.NewReader(decompressor)

	restored := 0
	for {
		header, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("read snapshot entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target, err := snapshotTargetPath(l.root, header.Name)
		if err != nil {
			return false, err
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return false, fmt.Errorf("restore %s: %w", header.Name, err)
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
		if err != nil {
			return false, fmt.Errorf("restore %s: %w", header.Name, err)
		}
		_, err = io.Copy(dst, archive)
		closeErr := dst.Close()
		if err != nil {
			return false, fmt.Errorf("restore %s: %w", header.Name, err)
		}
		if closeErr != nil {
			return false, fmt.Errorf("restore %s: %w", header.Name, closeErr)
		}
		restored++
	}

	l.logger.Log(ctx, observability.Warn("gitsafe", "snapshot_restored", "files restored from snapshot", map[string]interface{}{
		"label": ref.Label,
		"path":  ref.Path,
		"files": restored,
	}))
	l.metrics.ObserveRollback()
	return true, nil
}

// RestoreFile restores a single file from the snapshot, leaving the rest of
// the tree untouched.
func (l *Layer) RestoreFile(ctx context.Context, ref SnapshotRef, file string) (bool, error) {
	in, err := os.Open(ref.Path)
	if err != nil {
		return false, fmt.Errorf("open snapshot: %w", err)
	}
	defer in.Close()

	decompressor, err := xz.NewReader(in)
	if err != nil {
		return false, fmt.Errorf("initialise decompressor: %w", err)
	}
	archive := tar.NewReader(decompressor)

	want := filepath.ToSlash(file)
	for {
		header, err := archive.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return false, fmt.Errorf("read snapshot entry: %w", err)
		}
		if header.Typeflag != tar.TypeReg || filepath.ToSlash(header.Name) != want {
			continue
		}
		target, err := snapshotTargetPath(l.root, header.Name)
		if err != nil {
			return false, err
		}
		dst, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, os.FileMode(header.Mode)&0o777)
		if err != nil {
			return false, fmt.Errorf("restore %s: %w", file, err)
		}
		_, err = io.Copy(dst, archive)
		closeErr := dst.Close()
		if err != nil {
			return false, fmt.Errorf("restore %s: %w", file, err)
		}
		if closeErr != nil {
			return false, fmt.Errorf("restore %s: %w", file, closeErr)
		}
		l.logger.Log(ctx, observability.Warn("gitsafe", "file_restored", "single file restored from snapshot", map[string]interface{}{
			"file":  file,
			"label": ref.Label,
		}))
		return true, nil
	}
	return false, fmt.Errorf("file %s not present in snapshot %s", file, ref.Label)
}

// LoadSnapshot reads the metadata sidecar for an archive path.
func LoadSnapshot(archivePath string) (SnapshotRef, error) {
	data, err := os.ReadFile(metadataPath(archivePath))
	if err != nil {
		return SnapshotRef{}, err
	}
	var ref SnapshotRef
	if err := json.Unmarshal(data, &ref); err != nil {
		return SnapshotRef{}, fmt.Errorf("decode snapshot metadata: %w", err)
	}
	return ref, nil
}

// pruneSnapshots removes the oldest archives beyond the retention limit. The
// timestamped names sort chronologically.
func (l *Layer) pruneSnapshots(ctx context.Context) {
	entries, err := os.ReadDir(l.snapshotDir)
	if err != nil {
		return
	}
	var archives []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), snapshotSuffix) {
			archives = append(archives, entry.Name())
		}
	}
	if len(archives) <= l.snapshotKeep {
		return
	}
	sort.Strings(archives)
	for _, name := range archives[:len(archives)-l.snapshotKeep] {
		archivePath := filepath.Join(l.snapshotDir, name)
		os.Remove(archivePath)
		os.Remove(metadataPath(archivePath))
		l.logger.Log(ctx, observability.Info("gitsafe", "snapshot_pruned", "old snapshot removed", map[string]interface{}{
			"path": archivePath,
		}))
	}
}

func writeMetadata(archivePath string, ref SnapshotRef) error {
	data, err := json.MarshalIndent(ref, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(metadataPath(archivePath), append(data, '\n'), 0o644)
}

func metadataPath(archivePath string) string {
	return strings.TrimSuffix(archivePath, snapshotSuffix) + metadataSuffix
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// snapshotTargetPath joins a snapshot entry name to the repository root,
// refusing entries that would escape it.
func snapshotTargetPath(root, name string) (string, error) {
	cleaned := filepath.Clean(filepath.FromSlash(name))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("snapshot entry escapes repository: %s", name)
	}
	return filepath.Join(root, cleaned), nil
}
