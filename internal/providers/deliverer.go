package providers

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"fetcharr/internal/config"
	"fetcharr/internal/fileutil"
	"fetcharr/internal/services"
	"fetcharr/internal/steps"
)

// LibraryDeliverer moves finished files into the library tree. Existing
// targets are either replaced or dodged with a numeric suffix depending on
// configuration.
type LibraryDeliverer struct {
	overwrite bool
	move      func(src, dst string) error
}

// NewLibraryDeliverer builds a deliverer from the library configuration.
func NewLibraryDeliverer(cfg *config.Config) *LibraryDeliverer {
	return &LibraryDeliverer{
		overwrite: cfg.Library.OverwriteExisting,
		move:      fileutil.MoveFile,
	}
}

// Deliver implements steps.Deliverer.
func (d *LibraryDeliverer) Deliver(ctx context.Context, sourcePath, destinationDir string) (*steps.DeliveryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if sourcePath == "" || destinationDir == "" {
		return nil, services.Wrap(services.ErrValidation, "deliverer", "deliver", "source and destination are required", nil)
	}
	if _, err := os.Stat(sourcePath); err != nil {
		return nil, services.Wrap(services.ErrNotFound, "deliverer", "deliver", sourcePath, err)
	}

	target := filepath.Join(destinationDir, filepath.Base(sourcePath))
	replaced := false
	if d.overwrite {
		existed, err := removeExistingTarget(target)
		if err != nil {
			return nil, err
		}
		replaced = existed
	} else {
		final, err := nextFreePath(target)
		if err != nil {
			return nil, err
		}
		target = final
	}

	if err := d.move(sourcePath, target); err != nil {
		return nil, services.Wrap(services.ErrExternalTool, "deliverer", "deliver", sourcePath, err)
	}
	return &steps.DeliveryResult{Destination: target, Replaced: replaced}, nil
}

func removeExistingTarget(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("stat existing target: %w", err)
	}
	if info.IsDir() {
		return false, services.Wrap(services.ErrValidation, "deliverer", "deliver",
			fmt.Sprintf("library path %q is a directory", path), nil)
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return false, fmt.Errorf("remove existing target: %w", err)
	}
	return true, nil
}

// nextFreePath appends " (n)" before the extension until the name is unused.
func nextFreePath(path string) (string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	candidate := path
	counter := 1
	for {
		info, err := os.Stat(candidate)
		if err != nil {
			if os.IsNotExist(err) {
				return candidate, nil
			}
			return "", fmt.Errorf("stat candidate path: %w", err)
		}
		if info.IsDir() {
			return "", services.Wrap(services.ErrValidation, "deliverer", "deliver",
				fmt.Sprintf("library target %q already exists as directory", candidate), nil)
		}
		candidate = fmt.Sprintf("%s (%d)%s", stem, counter, ext)
		counter++
	}
}
