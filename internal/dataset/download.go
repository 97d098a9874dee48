package dataset

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// ErrDigestMismatch is returned when a downloaded file fails verification.
var ErrDigestMismatch = errors.New("dataset: sha256 mismatch")

// Download fetches url into dest, verifying its sha256 when wantSHA is set.
// dest only appears once the body has been fully written and verified.
func Download(ctx context.Context, client *http.Client, url, dest, wantSHA string) error {
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "get %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errors.Errorf("get %s: %s", url, resp.Status)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errors.Wrap(err, "create data dir")
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), filepath.Base(dest)+".*.part")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmp, h), resp.Body); err != nil {
		tmp.Close()
		return errors.Wrapf(err, "download %s", url)
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "close temp file")
	}
	if got := hex.EncodeToString(h.Sum(nil)); wantSHA != "" && got != wantSHA {
		return errors.Wrapf(ErrDigestMismatch, "%s: got %s want %s", url, got, wantSHA)
	}
	return errors.Wrap(os.Rename(tmp.Name(), dest), "install download")
}
