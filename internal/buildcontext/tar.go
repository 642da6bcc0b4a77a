package buildcontext

import (
	"archive/tar"
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/google/go-containerregistry/pkg/v1/tarball"
	"github.com/klauspost/compress/gzip"
)

// tarEntry is one path inside a layer.
type tarEntry struct {
	// name is the slash-separated path inside the image.
	name string
	// path is the file on disk backing a regular-file entry.
	path string
	// link is the symlink target for symlink entries.
	link string
	dir  bool
	mode fs.FileMode
}

// epoch is the fixed timestamp written into every layer header. Identical
// inputs must produce identical layer digests regardless of build time.
var epoch = time.Unix(0, 0).UTC()

// layerFromEntries writes the entries as a gzipped tar held in memory and
// wraps it as an image layer. Entries are sorted, timestamps zeroed and
// ownership normalized to root so the blob is reproducible.
func layerFromEntries(entries []tarEntry) (v1.Layer, error) {
	sorted := append([]tarEntry(nil), entries...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].name < sorted[j].name })

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)

	seen := make(map[string]bool, len(sorted))
	for _, entry := range sorted {
		name := strings.TrimPrefix(entry.name, "/")
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		header := &tar.Header{
			Name:    name,
			Mode:    int64(entry.mode.Perm()),
			ModTime: epoch,
			Uid:     0,
			Gid:     0,
		}

		switch {
		case entry.dir:
			header.Typeflag = tar.TypeDir
			header.Name += "/"
		case entry.link != "":
			header.Typeflag = tar.TypeSymlink
			header.Linkname = entry.link
		default:
			info, err := os.Stat(entry.path)
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", entry.path, err)
			}
			header.Typeflag = tar.TypeReg
			header.Size = info.Size()
		}

		if err := tw.WriteHeader(header); err != nil {
			return nil, fmt.Errorf("write header %s: %w", name, err)
		}
		if header.Typeflag == tar.TypeReg {
			if err := copyFileInto(tw, entry.path); err != nil {
				return nil, err
			}
		}
	}

	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("finish layer tar: %w", err)
	}
	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("finish layer gzip: %w", err)
	}

	blob := buf.Bytes()
	return tarball.LayerFromOpener(func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(blob)), nil
	})
}

func copyFileInto(tw *tar.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if _, err := io.Copy(tw, f); err != nil {
		return fmt.Errorf("copy %s into layer: %w", path, err)
	}
	return nil
}
