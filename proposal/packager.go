package proposal

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"unicode/utf8"

	"github.com/fabclient/fabclient/errs"
)

// PackageChaincode archives a chaincode source tree as TAR.GZ. Paths
// are forward-slashed UTF-8 relative to dir, mode bits are
// canonicalized to 0644 for files and 0755 for directories, and
// timestamps are zeroed so the package bytes are reproducible.
func PackageChaincode(dir string) ([]byte, error) {
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, errs.Errorf(errs.Argument, "chaincode path %q is not a directory", dir)
	}

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)

	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		name := filepath.ToSlash(rel)
		if !utf8.ValidString(name) {
			return errs.Errorf(errs.Argument, "non-UTF-8 path in chaincode tree: %q", rel)
		}

		if d.IsDir() {
			return tw.WriteHeader(&tar.Header{
				Name:     name + "/",
				Typeflag: tar.TypeDir,
				Mode:     0o755,
			})
		}
		if !d.Type().IsRegular() {
			return nil
		}

		fi, err := d.Info()
		if err != nil {
			return err
		}
		if err := tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: fi.Size(),
		}); err != nil {
			return err
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		if errs.KindOf(err) != 0 {
			return nil, err
		}
		return nil, errs.Wrapf(errs.Argument, err, "package chaincode from %s", dir)
	}

	if err := tw.Close(); err != nil {
		return nil, errs.Wrap(errs.Argument, err, "close tar")
	}
	if err := gz.Close(); err != nil {
		return nil, errs.Wrap(errs.Argument, err, "close gzip")
	}
	return buf.Bytes(), nil
}
