package bindpack

import (
	"archive/tar"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/ulikunitz/xz"
	"golang.org/x/text/unicode/norm"
)

// archiveEpoch is stamped on every archive entry so equal bundles produce
// equal archives.
var archiveEpoch = time.Unix(0, 0).UTC()

// WriteArchive packs srcDir into an xz-compressed tar at dest. Entries are
// prefixed with prefix/, NFC normalized and written in sorted order. The
// archive is written to a temporary file and renamed into place.
func WriteArchive(srcDir, dest, prefix string) error {
	var paths []string
	err := filepath.WalkDir(srcDir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == srcDir {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return fmt.Errorf("walk %s: %w", srcDir, err)
	}
	sort.Slice(paths, func(i, j int) bool {
		return norm.NFC.String(paths[i]) < norm.NFC.String(paths[j])
	})

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".archive-*")
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	xw, err := xz.NewWriter(tmp)
	if err != nil {
		return fmt.Errorf("xz writer: %w", err)
	}
	tw := tar.NewWriter(xw)

	for _, path := range paths {
		if err := addArchiveEntry(tw, srcDir, path, prefix); err != nil {
			return err
		}
	}

	if err := tw.Close(); err != nil {
		return err
	}
	if err := xw.Close(); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return err
	}
	committed = true
	return nil
}

func addArchiveEntry(tw *tar.Writer, root, path, prefix string) error {
	info, err := os.Lstat(path)
	if err != nil {
		return err
	}
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return err
	}
	name := norm.NFC.String(filepath.ToSlash(rel))
	if prefix != "" {
		name = prefix + "/" + name
	}

	header := &tar.Header{
		Name:    name,
		ModTime: archiveEpoch,
		Format:  tar.FormatPAX,
	}
	switch {
	case info.IsDir():
		header.Typeflag = tar.TypeDir
		header.Name += "/"
		header.Mode = 0o755
		return tw.WriteHeader(header)
	case info.Mode().IsRegular():
		header.Typeflag = tar.TypeReg
		header.Mode = int64(info.Mode().Perm())
		header.Size = info.Size()
	default:
		return fmt.Errorf("%s: unsupported file type in bundle", rel)
	}

	if err := tw.WriteHeader(header); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

// ListArchive returns the regular file names of an xz-compressed tar.
func ListArchive(r io.Reader) ([]string, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("xz reader: %w", err)
	}
	tr := tar.NewReader(xr)

	var names []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return names, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read archive: %w", err)
		}
		if header.Typeflag == tar.TypeReg {
			names = append(names, header.Name)
		}
	}
}
