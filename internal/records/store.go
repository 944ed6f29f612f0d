package records

import (
	"encoding/gob"
	"io"
	"os"
	"path/filepath"

	"github.com/klauspost/compress/zstd"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Store persists batches of finished episodes.
type Store interface {
	// Flush writes recs under the given name. A failed flush must leave any
	// previously written batch untouched.
	Flush(name string, recs []Record) error
}

// FileStore writes gob-encoded, zstd-compressed record batches to a directory,
// one file per flush. Writes go to a temporary file first and are renamed into
// place, keeping the previous file as a "~" backup.
type FileStore struct {
	dir string
}

const storeExt = ".rec.zst"

// NewFileStore creates the directory if needed and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, errors.Wrapf(err, "failed to create records directory %q", dir)
	}
	return &FileStore{dir: dir}, nil
}

// Dir returns the directory batches are written to.
func (s *FileStore) Dir() string { return s.dir }

func backupName(path string) string    { return path + "~" }
func temporaryName(path string) string { return path + ".tmp" }

// renameToFinal moves the temporary file into place, backing up any previous
// file under the same name.
func renameToFinal(path string) error {
	if _, err := os.Stat(path); err == nil {
		if err = os.Rename(path, backupName(path)); err != nil {
			return errors.Wrapf(err, "failed to rename %q to %q", path, backupName(path))
		}
	} else if !os.IsNotExist(err) {
		return errors.Wrapf(err, "failed to stat %q", path)
	}
	if err := os.Rename(temporaryName(path), path); err != nil {
		return errors.Wrapf(err, "failed to rename %q to %q", temporaryName(path), path)
	}
	return nil
}

// Flush implements Store.
func (s *FileStore) Flush(name string, recs []Record) error {
	path := filepath.Join(s.dir, name+storeExt)
	file, err := os.Create(temporaryName(path))
	if err != nil {
		return errors.Wrapf(err, "failed to create temporary save file %q", temporaryName(path))
	}
	zw, err := zstd.NewWriter(file)
	if err != nil {
		_ = file.Close()
		return errors.Wrap(err, "failed to create zstd encoder")
	}
	enc := gob.NewEncoder(zw)
	for ii := range recs {
		if err = enc.Encode(&recs[ii]); err != nil {
			_ = zw.Close()
			_ = file.Close()
			return errors.Wrapf(err, "failed to encode record %d of %q", ii, name)
		}
	}
	if err = zw.Close(); err != nil {
		_ = file.Close()
		return errors.Wrapf(err, "failed to finish compressing %q", name)
	}
	if err = file.Close(); err != nil {
		return errors.Wrapf(err, "failed to close saved records in %q", path)
	}
	if err = renameToFinal(path); err != nil {
		return err
	}
	klog.V(1).Infof("Flushed %d records to %s", len(recs), path)
	return nil
}

// Load reads a previously flushed batch back, mostly for inspection tools and
// tests.
func (s *FileStore) Load(name string) ([]Record, error) {
	path := filepath.Join(s.dir, name+storeExt)
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "cannot open %q for reading", path)
	}
	defer func() { _ = file.Close() }()
	zr, err := zstd.NewReader(file)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create zstd decoder")
	}
	defer zr.Close()

	var recs []Record
	dec := gob.NewDecoder(zr)
	for {
		var rec Record
		err = dec.Decode(&rec)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, errors.Wrapf(err, "cannot read any more records in %q", path)
		}
		recs = append(recs, rec)
	}
	return recs, nil
}

// List returns the names of all flushed batches in the store, without the
// file extension.
func (s *FileStore) List() ([]string, error) {
	paths, err := filepath.Glob(filepath.Join(s.dir, "*"+storeExt))
	if err != nil {
		return nil, errors.Wrapf(err, "invalid records directory %q", s.dir)
	}
	names := make([]string, 0, len(paths))
	for _, path := range paths {
		base := filepath.Base(path)
		names = append(names, base[:len(base)-len(storeExt)])
	}
	return names, nil
}
