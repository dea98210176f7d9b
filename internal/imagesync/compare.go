package imagesync

import (
	"context"
	"os"
	"path/filepath"

	"github.com/linuxmuster-net/linbo-ctrl/internal/model"
)

// CompareImages joins the manifest with local image directories, tagging
// each manifest entry synced/outdated/remote_only and each local-only
// directory local_only. Comparison uses the primary .qcow2 file's size.
func (e *Engine) CompareImages(ctx context.Context) ([]model.ImageComparison, error) {
	manifest, err := e.getManifest(ctx)
	if err != nil {
		return nil, err
	}
	localDirs, err := e.sortedLocalImageDirs()
	if err != nil {
		return nil, err
	}
	var out []model.ImageComparison
	seen := make(map[string]bool, len(manifest))
	for _, entry := range manifest {
		seen[entry.Name] = true
		primary := primaryFile(&entry)
		localPath := filepath.Join(e.finalDir(entry.Name), primary)
		info, err := os.Stat(localPath)
		switch {
		case os.IsNotExist(err):
			out = append(out, model.ImageComparison{Name: entry.Name, State: model.ImageRemoteOnly})
		case err != nil:
			out = append(out, model.ImageComparison{Name: entry.Name, State: model.ImageRemoteOnly})
		default:
			expected := entry.ImageSize
			for _, f := range entry.Files {
				if f.Name == primary {
					expected = f.Size
					break
				}
			}
			if expected > 0 && info.Size() != expected {
				out = append(out, model.ImageComparison{Name: entry.Name, State: model.ImageOutdated})
			} else {
				out = append(out, model.ImageComparison{Name: entry.Name, State: model.ImageSynced})
			}
		}
	}

	for _, d := range localDirs {
		if !seen[d] {
			out = append(out, model.ImageComparison{Name: d, State: model.ImageLocalOnly})
		}
	}
	return out, nil
}
