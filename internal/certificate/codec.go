package certificate

import (
	"bytes"
	"compress/gzip"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/banshee-data/safety.filter/internal/grid"
)

// ErrBadFormat is returned when a certificate file cannot be decoded.
var ErrBadFormat = errors.New("malformed certificate file")

const (
	fileMagic   = "CBFTABLE"
	fileVersion = 1

	// MaxFileSize bounds how much a single certificate load will read.
	MaxFileSize = 512 * 1024 * 1024
)

// tableFile is the gob payload inside the gzip stream.
type tableFile struct {
	Magic   string
	Version int
	Shape   []int
	Values  []float64
}

// Encode writes t to w as gzip-compressed gob.
func Encode(w io.Writer, t *grid.Table) error {
	gz := gzip.NewWriter(w)
	enc := gob.NewEncoder(gz)
	if err := enc.Encode(tableFile{
		Magic:   fileMagic,
		Version: fileVersion,
		Shape:   t.Shape(),
		Values:  t.Values(),
	}); err != nil {
		gz.Close()
		return err
	}
	return gz.Close()
}

// Decode reads a table written by Encode.
func Decode(r io.Reader) (*grid.Table, error) {
	gz, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	defer gz.Close()

	var f tableFile
	if err := gob.NewDecoder(io.LimitReader(gz, MaxFileSize)).Decode(&f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	if f.Magic != fileMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrBadFormat, f.Magic)
	}
	if f.Version != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrBadFormat, f.Version)
	}
	t, err := grid.NewTable(f.Shape, f.Values)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFormat, err)
	}
	return t, nil
}

// EncodeBytes returns the Encode form of t.
func EncodeBytes(t *grid.Table) ([]byte, error) {
	var buf bytes.Buffer
	if err := Encode(&buf, t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeBytes decodes a blob produced by EncodeBytes.
func DecodeBytes(blob []byte) (*grid.Table, error) {
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrBadFormat)
	}
	return Decode(bytes.NewReader(blob))
}

// LoadFile reads a certificate table from path.
func LoadFile(path string) (*grid.Table, error) {
	clean := filepath.Clean(path)
	info, err := os.Stat(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to stat certificate file: %w", err)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("certificate file too large: %d bytes (max %d)", info.Size(), MaxFileSize)
	}
	f, err := os.Open(clean)
	if err != nil {
		return nil, fmt.Errorf("failed to open certificate file: %w", err)
	}
	defer f.Close()
	return Decode(f)
}

// SaveFile writes t to path via a temporary file and rename, so a reader
// never sees a partially written certificate.
func SaveFile(path string, t *grid.Table) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp certificate file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := Encode(tmp, t); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to encode certificate: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
