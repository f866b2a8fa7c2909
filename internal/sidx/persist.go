package sidx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/cespare/xxhash"
	"github.com/paulmach/orb"

	"github.com/tingold/orb-shapefile/internal/binreader"
	"github.com/tingold/orb-shapefile/internal/geoerr"
)

const (
	magic = "SIDX"
	// FormatVersion is bumped whenever the encoding changes; files of any
	// other version are rebuilt.
	FormatVersion uint16 = 1

	preambleSize = 4 + 2 + 4 + 8
	checksumSize = 8
	maxDepth     = 64

	kindLeaf   byte = 0
	kindBranch byte = 1
)

// Meta identifies the dataset a persisted tree was built from.
type Meta struct {
	// Count is the number of records in the dataset, indexed or not.
	Count uint32
	// Fingerprint is the hash of the dataset's .shx contents.
	Fingerprint uint64
}

// Fingerprint hashes the raw .shx contents, which change whenever a record
// is added, removed or resized.
func Fingerprint(shx []byte) uint64 { return xxhash.Sum64(shx) }

// Marshal encodes t with the given dataset identity.
func Marshal(t *Tree, meta Meta) []byte {
	buf := make([]byte, 0, preambleSize+64*t.count+checksumSize)
	buf = append(buf, magic...)
	buf = binary.LittleEndian.AppendUint16(buf, FormatVersion)
	buf = binary.LittleEndian.AppendUint32(buf, meta.Count)
	buf = binary.LittleEndian.AppendUint64(buf, meta.Fingerprint)
	buf = appendNode(buf, t.root)
	return binary.LittleEndian.AppendUint64(buf, xxhash.Sum64(buf))
}

func appendBox(buf []byte, b orb.Bound) []byte {
	for _, v := range [...]float64{b.Min[0], b.Min[1], b.Max[0], b.Max[1]} {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	return buf
}

func appendNode(buf []byte, n *node) []byte {
	buf = appendBox(buf, n.box)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(n.depth))
	if n.leaf() {
		buf = append(buf, kindLeaf)
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(n.entries)))
		for _, e := range n.entries {
			buf = binary.LittleEndian.AppendUint32(buf, e.ID)
			buf = appendBox(buf, e.Box)
		}
		return buf
	}
	buf = append(buf, kindBranch)
	buf = appendNode(buf, n.left)
	return appendNode(buf, n.right)
}

// Unmarshal decodes a persisted tree. Any mismatch with want, or any
// corruption, is reported as a *geoerr.StaleIndexError.
func Unmarshal(data []byte, want Meta) (*Tree, error) {
	stale := func(format string, args ...any) error {
		return &geoerr.StaleIndexError{Reason: fmt.Sprintf(format, args...)}
	}
	if len(data) < preambleSize+checksumSize {
		return nil, stale("file of %d bytes is truncated", len(data))
	}
	body := data[:len(data)-checksumSize]
	if sum := binary.LittleEndian.Uint64(data[len(body):]); sum != xxhash.Sum64(body) {
		return nil, stale("checksum mismatch")
	}

	c := binreader.New(body)
	if m := string(c.Bytes(4)); m != magic {
		return nil, stale("magic %q", m)
	}
	if v := c.Uint16LE(); v != FormatVersion {
		return nil, stale("format version %d, want %d", v, FormatVersion)
	}
	if n := c.Uint32LE(); n != want.Count {
		return nil, stale("built for %d records, dataset has %d", n, want.Count)
	}
	if fp := c.Uint64LE(); fp != want.Fingerprint {
		return nil, stale("dataset fingerprint changed")
	}

	d := decoder{c: c}
	root := d.node(0)
	if err := c.Err(); err != nil {
		return nil, stale("corrupt node data: %v", err)
	}
	if d.err != nil {
		return nil, stale("%v", d.err)
	}
	if c.Remaining() != 0 {
		return nil, stale("%d trailing bytes", c.Remaining())
	}
	return &Tree{root: root, count: d.count, depth: d.depth}, nil
}

type decoder struct {
	c     *binreader.Cursor
	count int
	depth int
	err   error
}

func (d *decoder) box() orb.Bound {
	var v [4]float64
	d.c.Float64sLE(v[:])
	return orb.Bound{Min: orb.Point{v[0], v[1]}, Max: orb.Point{v[2], v[3]}}
}

func (d *decoder) node(level int) *node {
	if d.err != nil || d.c.Err() != nil {
		return nil
	}
	if level > maxDepth {
		d.err = errors.New("tree deeper than supported")
		return nil
	}
	n := &node{box: d.box(), depth: int(d.c.Uint16LE())}
	if n.depth > d.depth {
		d.depth = n.depth
	}
	switch kind := d.c.Uint8(); kind {
	case kindLeaf:
		cnt := d.c.Uint32LE()
		if int64(cnt)*36 > int64(d.c.Remaining()) {
			d.err = fmt.Errorf("leaf claims %d entries", cnt)
			return nil
		}
		n.entries = make([]Entry, cnt)
		for i := range n.entries {
			n.entries[i].ID = d.c.Uint32LE()
			n.entries[i].Box = d.box()
		}
		d.count += int(cnt)
	case kindBranch:
		n.left = d.node(level + 1)
		n.right = d.node(level + 1)
		if d.err == nil && d.c.Err() == nil && (n.left == nil || n.right == nil) {
			d.err = errors.New("branch without children")
		}
	default:
		if d.c.Err() == nil {
			d.err = fmt.Errorf("node kind %d", kind)
		}
	}
	return n
}

// Save writes t to path through a temporary file in the same directory so
// readers never observe a partial index.
func Save(path string, t *Tree, meta Meta) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp*")
	if err != nil {
		return fmt.Errorf("sidx: create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(Marshal(t, meta)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sidx: write %s: %w", tmp.Name(), err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("sidx: close %s: %w", tmp.Name(), err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("sidx: rename to %s: %w", path, err)
	}
	return nil
}

// Load reads a persisted tree from path. A missing file is reported with an
// error satisfying errors.Is(err, fs.ErrNotExist); a file that does not
// match want is a *geoerr.StaleIndexError.
func Load(path string, want Meta) (*Tree, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		return nil, fmt.Errorf("sidx: read %s: %w", path, err)
	}
	t, err := Unmarshal(data, want)
	if err != nil {
		var se *geoerr.StaleIndexError
		if errors.As(err, &se) {
			se.Path = path
		}
		return nil, err
	}
	return t, nil
}
