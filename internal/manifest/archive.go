package manifest

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/klauspost/compress/gzip"
)

// PackageExt is the suffix of shipped packages.
const PackageExt = ".tar.gz"

// PackageName is the file name of the seq'th package of a stage.
func PackageName(stage string, seq int) string {
	return fmt.Sprintf("%s%d%s", stage, seq, PackageExt)
}

// WritePackage writes entries to dst as a gzip compressed tar with every
// member below stage/. The stage skeleton (bin, lib, tmp) is always present.
// It returns the size of the written file.
func WritePackage(dst, stage string, entries []Entry) (int64, error) {
	f, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return 0, err
	}
	if err := writeArchive(f, stage, entries); err != nil {
		_ = f.Close()
		_ = os.Remove(dst)
		return 0, err
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dst)
		return 0, err
	}
	fi, err := os.Stat(dst)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

func writeArchive(w io.Writer, stage string, entries []Entry) error {
	zw := gzip.NewWriter(w)
	tw := tar.NewWriter(zw)
	a := &archive{tw: tw, dirs: map[string]bool{}}

	dirs := []string{stage, path.Join(stage, "bin"), path.Join(stage, "lib"), path.Join(stage, "tmp")}
	for _, e := range entries {
		if f := path.Dir(e.Dest); f != "." {
			dirs = append(dirs, path.Join(stage, f))
		}
	}
	sort.Strings(dirs)
	for _, d := range dirs {
		if err := a.dir(d, 0o700); err != nil {
			return err
		}
	}
	for _, e := range entries {
		name := path.Join(stage, e.Dest)
		var err error
		if e.Kind == LibDir {
			err = a.tree(e.Source, name)
		} else {
			err = a.file(e.Source, name)
		}
		if err != nil {
			return fmt.Errorf("pack %s: %w", e.Source, err)
		}
	}
	if err := tw.Close(); err != nil {
		return err
	}
	return zw.Close()
}

type archive struct {
	tw   *tar.Writer
	dirs map[string]bool
}

func (a *archive) dir(name string, mode int64) error {
	if a.dirs[name] {
		return nil
	}
	a.dirs[name] = true
	return a.tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: name + "/", Mode: mode})
}

func (a *archive) file(src, name string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = f.Close() }()
	fi, err := f.Stat()
	if err != nil {
		return err
	}
	hdr, err := tar.FileInfoHeader(fi, "")
	if err != nil {
		return err
	}
	hdr.Name = name
	hdr.Uname, hdr.Gname = "", ""
	if err := a.tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err = io.Copy(a.tw, f)
	return err
}

func (a *archive) tree(root, name string) error {
	return filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		member := path.Join(name, filepath.ToSlash(rel))
		switch {
		case d.IsDir():
			return a.dir(member, 0o755)
		case d.Type()&fs.ModeSymlink != 0:
			target, err := os.Readlink(p)
			if err != nil {
				return err
			}
			return a.tw.WriteHeader(&tar.Header{Typeflag: tar.TypeSymlink, Name: member, Linkname: target, Mode: 0o777})
		case d.Type().IsRegular():
			return a.file(p, member)
		}
		return nil
	})
}
