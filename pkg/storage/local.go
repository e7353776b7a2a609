package storage

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/fitrun/fitrun/pkg/config"
	"github.com/sirupsen/logrus"
)

// ErrAssetNotFound is returned when an asset does not exist under the root.
var ErrAssetNotFound = errors.New("asset not found")

// LocalAssets serves reconstruction outputs from a local directory.
type LocalAssets struct {
	log  logrus.FieldLogger
	root string
}

// NewLocalAssets creates a local asset server rooted at cfg.Root.
func NewLocalAssets(log logrus.FieldLogger, cfg *config.LocalStorageConfig) *LocalAssets {
	return &LocalAssets{
		log:  log.WithField("component", "local-assets"),
		root: filepath.Clean(cfg.Root),
	}
}

// ServeFile serves key relative to the asset root.
func (l *LocalAssets) ServeFile(w http.ResponseWriter, r *http.Request, key string) error {
	if !IsCleanKey(key, "") {
		return fmt.Errorf("%w: path %q is not allowed", ErrInvalidFile, key)
	}

	full := filepath.Join(l.root, filepath.FromSlash(key))

	// Resolved path must stay under root.
	if !strings.HasPrefix(full, l.root+string(filepath.Separator)) {
		return fmt.Errorf("%w: path %q escapes root", ErrInvalidFile, key)
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		return fmt.Errorf("%w: %s", ErrAssetNotFound, key)
	}

	l.log.WithField("key", key).Debug("Serving asset")

	http.ServeFile(w, r, full)

	return nil
}
