package registry

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"
	"github.com/goccy/go-yaml"
	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/imgjail/internal/logging"
)

// confPattern selects registration files below a conf.d directory
const confPattern = "**/*.{toml,yaml,yml}"

// maxConfFile bounds the size of one registration file
const maxConfFile = 1 << 20

// confFile is the document layout of a registration file
type confFile struct {
	Decoder []DecoderSpec `toml:"decoder" yaml:"decoder"`
}

// DataDirs returns the XDG data directories in priority order
func DataDirs() []string {
	var dirs []string
	if home := os.Getenv("XDG_DATA_HOME"); home != "" {
		dirs = append(dirs, home)
	} else if home, err := os.UserHomeDir(); err == nil {
		dirs = append(dirs, filepath.Join(home, ".local", "share"))
	}

	system := os.Getenv("XDG_DATA_DIRS")
	if system == "" {
		system = "/usr/local/share:/usr/share"
	}
	for _, dir := range filepath.SplitList(system) {
		if dir != "" && !slices.Contains(dirs, dir) {
			dirs = append(dirs, dir)
		}
	}
	return dirs
}

// Loader reads registration files into a registry
type Loader struct {
	registry *Registry
	logger   *logging.Logger
}

// NewLoader creates a loader that fills registry
func NewLoader(registry *Registry, logger *logging.Logger) *Loader {
	return &Loader{
		registry: registry,
		logger:   logger.Named("registry"),
	}
}

// Load reads <dir>/imgjail/conf.d of every data directory. Earlier
// directories take precedence; within one directory later files override
// earlier ones. Broken files are logged and skipped.
func (l *Loader) Load(ctx context.Context, dirs ...string) error {
	var loaded, failed int

	// lowest priority first so that later registrations win
	for _, dir := range slices.Backward(dirs) {
		files, err := confFiles(ctx, filepath.Join(dir, "imgjail", "conf.d"))
		if err != nil {
			return err
		}

		for _, path := range files {
			specs, err := readConfFile(path)
			if err != nil {
				l.logger.Warn("skipping decoder registration",
					zap.String("path", path),
					zap.Error(err))
				failed++
				continue
			}
			for _, spec := range specs {
				if err := l.registry.Register(spec); err != nil {
					l.logger.Warn("skipping decoder",
						zap.String("path", path),
						zap.Error(err))
					failed++
					continue
				}
				loaded++
			}
		}
	}

	l.logger.Debug("decoder registrations loaded",
		zap.Int("loaded", loaded),
		zap.Int("failed", failed),
		zap.Int("mime_types", l.registry.Len()))
	return nil
}

// confFiles lists the registration files below root in lexical order
func confFiles(ctx context.Context, root string) ([]string, error) {
	if _, err := os.Stat(root); errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}

	var (
		mu    sync.Mutex
		files []string
	)
	conf := fastwalk.Config{Follow: true}
	err := fastwalk.Walk(&conf, root, func(path string, d os.DirEntry, err error) error {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if err != nil || d.IsDir() {
			return nil
		}

		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		if ok, _ := doublestar.PathMatch(confPattern, rel); !ok {
			return nil
		}

		mu.Lock()
		files = append(files, path)
		mu.Unlock()
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}

	slices.Sort(files)
	return files, nil
}

// readConfFile parses one TOML or YAML registration file
func readConfFile(path string) ([]DecoderSpec, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if info.Size() > maxConfFile {
		return nil, fmt.Errorf("file is %d bytes, limit is %d", info.Size(), maxConfFile)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var file confFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		err = dec.Decode(&file)
	default:
		err = yaml.UnmarshalWithOptions(data, &file, yaml.DisallowUnknownField())
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", filepath.Base(path), err)
	}

	for i := range file.Decoder {
		file.Decoder[i].Source = path
	}
	return file.Decoder, nil
}

// Load builds a registry from the conf.d directories below dirs, or below
// the XDG data directories when dirs is empty
func Load(ctx context.Context, logger *logging.Logger, dirs ...string) (*Registry, error) {
	if len(dirs) == 0 {
		dirs = DataDirs()
	}
	r := New()
	if err := NewLoader(r, logger).Load(ctx, dirs...); err != nil {
		return nil, err
	}
	return r, nil
}
