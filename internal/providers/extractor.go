package providers

import (
	"archive/zip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"fetcharr/internal/config"
	"fetcharr/internal/services"
	"fetcharr/internal/steps"
)

var videoExtensions = map[string]bool{
	".mkv": true,
	".mp4": true,
	".m4v": true,
	".avi": true,
	".ts":  true,
}

var episodePattern = regexp.MustCompile(`(?i)s(\d{1,2})[ ._-]?e(\d{1,3})`)

// FileExtractor turns a finished download into individually deliverable
// files. Directories are scanned for video files, zip archives are expanded
// into the staging area, and a bare video file passes through as one item.
type FileExtractor struct {
	stagingDir string
}

// NewFileExtractor builds an extractor expanding archives under the staging
// directory.
func NewFileExtractor(cfg *config.Config) *FileExtractor {
	return &FileExtractor{stagingDir: cfg.Paths.StagingDir}
}

// ExtractFiles implements steps.Extractor.
func (e *FileExtractor) ExtractFiles(ctx context.Context, handle steps.DownloadHandle) ([]steps.ExtractedItem, error) {
	if handle.FilePath == "" {
		return nil, services.Wrap(services.ErrValidation, "extractor", "extract", "download handle has no file path", nil)
	}
	info, err := os.Stat(handle.FilePath)
	if err != nil {
		return nil, services.Wrap(services.ErrNotFound, "extractor", "extract", handle.FilePath, err)
	}

	switch {
	case info.IsDir():
		return e.collectDir(handle.FilePath)
	case strings.EqualFold(filepath.Ext(handle.FilePath), ".zip"):
		dir, err := e.expandZip(ctx, handle.FilePath)
		if err != nil {
			return nil, err
		}
		return e.collectDir(dir)
	case videoExtensions[strings.ToLower(filepath.Ext(handle.FilePath))]:
		return []steps.ExtractedItem{makeItem(handle.FilePath)}, nil
	default:
		return nil, services.Wrap(services.ErrValidation, "extractor", "extract",
			fmt.Sprintf("%s is not a video file, directory, or archive", handle.FilePath), nil)
	}
}

// collectDir gathers video files recursively, ordered by path for stable
// branch keys.
func (e *FileExtractor) collectDir(dir string) ([]steps.ExtractedItem, error) {
	var items []steps.ExtractedItem
	err := filepath.WalkDir(dir, func(path string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		if !videoExtensions[strings.ToLower(filepath.Ext(path))] {
			return nil
		}
		items = append(items, makeItem(path))
		return nil
	})
	if err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "extractor", "extract", dir, err)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].FilePath < items[j].FilePath })
	return items, nil
}

// expandZip unpacks the archive into a staging subdirectory named after it.
func (e *FileExtractor) expandZip(ctx context.Context, archivePath string) (string, error) {
	reader, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, "extractor", "extract", archivePath, err)
	}
	defer reader.Close()

	base := strings.TrimSuffix(filepath.Base(archivePath), filepath.Ext(archivePath))
	targetDir := filepath.Join(e.stagingDir, base)
	if err := os.MkdirAll(targetDir, 0o755); err != nil {
		return "", fmt.Errorf("create extraction directory: %w", err)
	}

	for _, file := range reader.File {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		if file.FileInfo().IsDir() {
			continue
		}
		// Zip entries are untrusted input; reject anything escaping the
		// target directory.
		name := filepath.Clean(file.Name)
		if strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
			return "", services.Wrap(services.ErrValidation, "extractor", "extract",
				fmt.Sprintf("archive entry %q escapes extraction directory", file.Name), nil)
		}
		if err := extractZipEntry(file, filepath.Join(targetDir, name)); err != nil {
			return "", services.Wrap(services.ErrExternalTool, "extractor", "extract", file.Name, err)
		}
	}
	return targetDir, nil
}

func extractZipEntry(file *zip.File, target string) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	in, err := file.Open()
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// makeItem keys an item by its episode marker when the filename carries one,
// falling back to the filename stem.
func makeItem(path string) steps.ExtractedItem {
	base := filepath.Base(path)
	stem := strings.TrimSuffix(base, filepath.Ext(base))
	key := stem
	if match := episodePattern.FindStringSubmatch(base); match != nil {
		season, _ := strconv.Atoi(match[1])
		episode, _ := strconv.Atoi(match[2])
		key = fmt.Sprintf("s%02de%02d", season, episode)
	}
	return steps.ExtractedItem{Key: key, FilePath: path, Title: stem}
}
