package dataset

import (
	"context"
	"net/http"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// DefaultMirror serves the gzip'd MNIST idx files.
const DefaultMirror = "https://ossci-datasets.s3.amazonaws.com/mnist"

// File names an idx file and the sha256 of its gzip'd form.
type File struct {
	Name   string
	SHA256 string
}

var (
	TrainImages = File{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"}
	TrainLabels = File{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"}
	TestImages  = File{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"}
	TestLabels  = File{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"}
)

// Options controls where MNIST is looked for and whether it may be fetched.
type Options struct {
	// Dir is searched first and receives downloads.
	Dir        string
	SearchDirs []string
	Download   bool
	Mirror     string
	Client     *http.Client
}

// LoadMNIST returns the train and test splits, downloading missing files
// when allowed.
func LoadMNIST(ctx context.Context, opts Options) (train, test *Dataset, err error) {
	if opts.Dir == "" {
		return nil, nil, errors.New("dataset: data dir is empty")
	}
	if opts.Mirror == "" {
		opts.Mirror = DefaultMirror
	}

	paths := make(map[File]string, 4)
	for _, f := range []File{TrainImages, TrainLabels, TestImages, TestLabels} {
		p, err := ensure(ctx, opts, f)
		if err != nil {
			return nil, nil, err
		}
		paths[f] = p
	}

	train, err = LoadIDX(paths[TrainImages], paths[TrainLabels])
	if err != nil {
		return nil, nil, errors.Wrap(err, "load train split")
	}
	test, err = LoadIDX(paths[TestImages], paths[TestLabels])
	if err != nil {
		return nil, nil, errors.Wrap(err, "load test split")
	}
	klog.V(1).Infof("mnist train=%d test=%d image=%dx%d", train.Len(), test.Len(), train.Rows, train.Cols)
	return train, test, nil
}

func ensure(ctx context.Context, opts Options, f File) (string, error) {
	dirs := append([]string{opts.Dir}, opts.SearchDirs...)
	path, ok, err := Locate(dirs, f.Name)
	if err != nil {
		return "", err
	}
	if ok {
		klog.V(1).Infof("found %s at %s", f.Name, path)
		return path, nil
	}
	if !opts.Download {
		return "", errors.Errorf("dataset: %s not found in %s and download disabled", f.Name, strings.Join(dirs, ", "))
	}
	dest := filepath.Join(opts.Dir, f.Name)
	url := strings.TrimRight(opts.Mirror, "/") + "/" + f.Name
	klog.Infof("downloading %s", url)
	if err := Download(ctx, opts.Client, url, dest, f.SHA256); err != nil {
		return "", err
	}
	return dest, nil
}
