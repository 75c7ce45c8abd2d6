// Package configutil loads json5 configuration files. Deployments keep
// credentials and host-specific settings out of the checked-in config
// by dropping a `<name>.local.<ext>` file next to it; local values win
// field by field.
package configutil

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"dario.cat/mergo"
	"github.com/titanous/json5"
)

// localVariant turns "config.json5" into "config.local.json5".
func localVariant(name string) string {
	ext := filepath.Ext(name)
	return strings.TrimSuffix(name, ext) + ".local" + ext
}

// decodeInto unmarshals the named file into out. A missing file comes
// back as fs.ErrNotExist untouched so callers can treat it as "nothing
// to merge".
func decodeInto(name string, out any) error {
	raw, err := os.ReadFile(name)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		// an empty file counts as absent
		return fs.ErrNotExist
	}
	if err := json5.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("parsing %s: %w", name, err)
	}
	return nil
}

// ReadConfig reads `name` and, when present, the local variant next to
// it, merged over the base config field by field. fs.ErrNotExist comes
// back only when neither file exists.
func ReadConfig[T any](name string) (T, error) {
	var config T

	baseErr := decodeInto(name, &config)
	if baseErr != nil && !errors.Is(baseErr, fs.ErrNotExist) {
		return config, baseErr
	}

	localName := localVariant(name)
	var local T
	localErr := decodeInto(localName, &local)
	switch {
	case localErr == nil:
		if err := mergo.Merge(&config, local, mergo.WithOverride); err != nil {
			return config, err
		}
		slog.Info("merged local config overrides", "local", localName)
	case !errors.Is(localErr, fs.ErrNotExist):
		return config, localErr
	}

	if baseErr != nil && localErr != nil {
		return config, fs.ErrNotExist
	}
	return config, nil
}

// ReadRecursively walks from the working directory up toward the
// filesystem root looking for `name`, so the binary can run from any
// subdirectory of a deployment.
func ReadRecursively[T any](name string) (T, error) {
	var none T

	dir, err := os.Getwd()
	if err != nil {
		return none, err
	}

	for {
		config, err := ReadConfig[T](filepath.Join(dir, name))
		if err == nil {
			return config, nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return none, err
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			return none, fs.ErrNotExist
		}
		dir = parent
	}
}
