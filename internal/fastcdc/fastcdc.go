// Package fastcdc implements content-defined chunking over a byte stream,
// splitting it into variable-size chunks for deduplication in the content
// store. Chunk boundaries depend only on a rolling fingerprint of the data
// itself, so inserting or deleting bytes anywhere in the stream reshuffles
// only the chunks touching the edit rather than every chunk downstream of
// it (the data-shifting problem of fixed-size chunking).
package fastcdc

import (
	"bufio"
	"io"
	"math/rand"

	"github.com/forgeline/mrsetup/pkg/units"
)

const (
	// maskStrong has 19 of its low-order-adjacent bits set; used while the
	// fingerprint is still inside the "normal" window below the average
	// chunk size, making a boundary comparatively hard to hit.
	maskStrong uint64 = 0x4444d9f003530000
	// maskLenient has 15 bits set; used past the average size, making a
	// boundary easier to hit so chunks don't run away toward max.
	maskLenient uint64 = 0x4444d90003530000

	gearTableSize = 256

	// DefaultAverage is the default targeted average chunk size, 8 KiB.
	DefaultAverage = 8 * units.KiB
	// DefaultSeed seeds the gear table when no explicit seed is supplied.
	DefaultSeed = 0
)

// gearTable holds 256 random 64-bit fingerprint-mixing values, indexed by
// the byte value at the current chunking position. It is initialized once
// by NewGearTable and is read-only thereafter, matching the "one-time init,
// read-only" invariant for process-wide chunker state.
type gearTable [gearTableSize]uint64

// NewGearTable deterministically derives a gear table from seed. The same
// seed always yields the same table, and the same table always yields the
// same sequence of chunk boundaries for the same bytes.
func NewGearTable(seed uint64) *gearTable {
	src := rand.New(rand.NewSource(int64(seed))) //nolint:gosec // chunking fingerprint, not cryptographic

	var table gearTable
	for i := range table {
		table[i] = src.Uint64()
	}

	return &table
}

// defaultGearTable is seeded once at package init with DefaultSeed and used
// by Chunker values constructed without an explicit gear table.
var defaultGearTable = NewGearTable(DefaultSeed) //nolint:gochecknoglobals

// Params bounds chunk sizes. Average is the targeted average chunk size;
// Min and Max are derived from it unless overridden.
type Params struct {
	Average uint32
	Min     uint32
	Max     uint32
	Table   *gearTable
}

// NormalizedParams derives Min/Max/Table from average using the 1/4x..8x
// bounds from the published FastCDC algorithm. A zero average selects
// DefaultAverage.
func NormalizedParams(average uint32) Params {
	if average == 0 {
		average = DefaultAverage
	}

	return Params{
		Average: average,
		Min:     average >> 2,
		Max:     average << 3,
		Table:   defaultGearTable,
	}
}

// Chunker splits a stream into content-defined chunks. It buffers at least
// Max bytes ahead of the current read position so that a single chunk
// boundary search never runs past the data actually available.
type Chunker struct {
	r      *bufio.Reader
	params Params
	buf    []byte
	pos    int
	size   int
	eof    bool
}

// New creates a Chunker reading from r with the given parameters. A zero
// Average replaces params entirely with NormalizedParams(DefaultAverage);
// otherwise zero Min, Max and Table are derived from Average.
func New(r io.Reader, params Params) *Chunker {
	if params.Average == 0 {
		params = NormalizedParams(params.Average)
	}

	if params.Min == 0 {
		params.Min = params.Average >> 2
	}

	if params.Max == 0 {
		params.Max = params.Average << 3
	}

	if params.Table == nil {
		params.Table = defaultGearTable
	}

	return &Chunker{
		r:      bufio.NewReaderSize(r, int(params.Max)),
		params: params,
		buf:    make([]byte, params.Max<<4),
	}
}

// Next returns the next chunk, or io.EOF once the stream is fully consumed.
// The returned slice is valid until the next call to Next.
func (c *Chunker) Next() ([]byte, error) {
	if err := c.refill(); err != nil && err != io.EOF {
		return nil, err
	}

	if c.pos == c.size {
		return nil, io.EOF
	}

	off := c.nextBoundary()
	chunk := c.buf[c.pos : c.pos+off]
	c.pos += off

	return chunk, nil
}

// refill tops the buffer up to at least Max bytes ahead of pos, unless EOF
// was already observed, mirroring the "fill buffer before each chunk unless
// EOF" rule.
func (c *Chunker) refill() error {
	remaining := c.size - c.pos
	if uint32(remaining) >= c.params.Max || c.eof { //nolint:gosec // bounded by buffer size
		return nil
	}

	copy(c.buf, c.buf[c.pos:c.size])
	c.size = remaining
	c.pos = 0

	n, err := io.ReadFull(c.r, c.buf[c.size:])
	c.size += n

	switch {
	case err == io.ErrUnexpectedEOF || err == io.EOF:
		c.eof = true

		return io.EOF
	case err != nil:
		return err
	default:
		return nil
	}
}

// nextBoundary finds the next chunk boundary from pos within the buffer,
// implementing algorithm 2 of the FastCDC paper: a gear-hash rolling
// fingerprint checked against a strict mask up to the average size, then a
// lenient mask up to the max size.
func (c *Chunker) nextBoundary() int {
	n := c.size - c.pos

	if uint32(n) <= c.params.Min { //nolint:gosec
		return n
	}

	normal := int(c.params.Average)

	switch {
	case uint32(n) >= c.params.Max: //nolint:gosec
		n = int(c.params.Max)
	case n <= normal:
		normal = n
	}

	var fp uint64

	i := int(c.params.Min)

	for ; i < normal; i++ {
		fp = (fp << 1) + c.params.Table[c.buf[c.pos+i]]
		if fp&maskStrong == 0 {
			return i
		}
	}

	for ; i < n; i++ {
		fp = (fp << 1) + c.params.Table[c.buf[c.pos+i]]
		if fp&maskLenient == 0 {
			return i
		}
	}

	return i
}

// Split reads all of r and returns its chunk boundaries as a slice of
// byte slices. Concatenating the result reproduces the input exactly.
func Split(r io.Reader, params Params) ([][]byte, error) {
	c := New(r, params)

	var chunks [][]byte

	for {
		chunk, err := c.Next()
		if err == io.EOF {
			return chunks, nil
		}

		if err != nil {
			return nil, err
		}

		owned := make([]byte, len(chunk))
		copy(owned, chunk)
		chunks = append(chunks, owned)
	}
}
