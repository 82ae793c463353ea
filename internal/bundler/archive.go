package bundler

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/chiron-dev/chiron/internal/faults"
)

// epoch is the fixed timestamp for every archive entry
var epoch = time.Unix(0, 0).UTC()

// Archive writes the wheelhouse directory into a deterministic tar.gz:
// lexicographic entry order, zeroed mtimes, uid/gid 0, fixed modes.
// Identical inputs yield byte-identical archives.
func Archive(dir, outputPath string) error {
	var paths []string
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == dir {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		paths = append(paths, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to walk bundle directory: %w", err)
	}
	sort.Strings(paths)

	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("failed to create archive: %w", err)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	tw := tar.NewWriter(gz)

	for _, rel := range paths {
		full := filepath.Join(dir, filepath.FromSlash(rel))
		info, err := os.Stat(full)
		if err != nil {
			return fmt.Errorf("failed to stat %s: %w", rel, err)
		}

		hdr := &tar.Header{
			Name:    rel,
			ModTime: epoch,
			Uid:     0,
			Gid:     0,
			Format:  tar.FormatUSTAR,
		}
		if info.IsDir() {
			hdr.Name = rel + "/"
			hdr.Typeflag = tar.TypeDir
			hdr.Mode = 0755
			if err := tw.WriteHeader(hdr); err != nil {
				return fmt.Errorf("failed to write header for %s: %w", rel, err)
			}
			continue
		}

		hdr.Typeflag = tar.TypeReg
		hdr.Mode = 0644
		hdr.Size = info.Size()
		if err := tw.WriteHeader(hdr); err != nil {
			return fmt.Errorf("failed to write header for %s: %w", rel, err)
		}
		f, err := os.Open(full)
		if err != nil {
			return fmt.Errorf("failed to open %s: %w", rel, err)
		}
		if _, err := io.Copy(tw, f); err != nil {
			f.Close()
			return fmt.Errorf("failed to archive %s: %w", rel, err)
		}
		f.Close()
	}

	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finalize gzip: %w", err)
	}
	return out.Sync()
}

// Unarchive extracts a bundle archive into dir, rejecting entries that
// escape it.
func Unarchive(archivePath, dir string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return faults.Wrap(faults.CategoryInputInvalid, "archive_missing",
			"bundle archive not found", err).WithRef(archivePath)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return faults.Wrap(faults.CategoryBundleIntegrity, "archive_malformed",
			"bundle archive is not gzip", err).WithRef(archivePath)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return faults.Wrap(faults.CategoryBundleIntegrity, "archive_malformed",
				"bundle archive is corrupt", err).WithRef(archivePath)
		}

		name := filepath.FromSlash(hdr.Name)
		if strings.Contains(hdr.Name, "..") || filepath.IsAbs(name) {
			return faults.New(faults.CategoryBundleIntegrity, "archive_malformed",
				"archive entry escapes the bundle directory").WithRef(hdr.Name)
		}
		dest := filepath.Join(dir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, 0755); err != nil {
				return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
				return fmt.Errorf("failed to create parent of %s: %w", hdr.Name, err)
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", hdr.Name, err)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return fmt.Errorf("failed to extract %s: %w", hdr.Name, err)
			}
			out.Close()
		default:
			return faults.New(faults.CategoryBundleIntegrity, "archive_malformed",
				fmt.Sprintf("unsupported entry type %d", hdr.Typeflag)).WithRef(hdr.Name)
		}
	}
}
