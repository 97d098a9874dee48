package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// Locate looks for the idx file called name (with or without .gz) directly in
// each of dirs, in order. Subdirectories are not searched: torchvision keeps
// MNIST, FashionMNIST and KMNIST side by side under one root with identical
// file names. Within a directory the raw file wins over the .gz copy.
func Locate(dirs []string, name string) (string, bool, error) {
	name = strings.TrimSuffix(name, ".gz")
	for _, dir := range dirs {
		for _, candidate := range []string{name, name + ".gz"} {
			path := filepath.Join(dir, candidate)
			info, err := os.Stat(path)
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			if err != nil {
				return "", false, errors.Wrapf(err, "stat %s", path)
			}
			if info.Mode().IsRegular() {
				return path, true, nil
			}
		}
	}
	return "", false, nil
}
