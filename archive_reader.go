package zipline

import (
	"bufio"
	"io"
	"log"
)

// ArchiveEntry pairs a parsed Local File Header with the source that reads
// its (decompressed) data. FileInfo is embedded as a pointer, not a copy,
// because a descriptor_follows entry's CRC-32 and size fields are only
// placeholders until the entry has been fully read: fileSource's
// reconcile step fills in the real values on the same FileInfo this entry
// points at, so reading them after Open()/Validate() reflects the
// reconciled data instead of the header as it looked before any bytes
// were consumed.
type ArchiveEntry struct {
	*FileInfo
	// Offset is the position, in bytes from the start of the stream, of
	// this entry's Local File Header signature. It is what a Validator
	// compares against the Central Directory's recorded offsets.
	Offset uint64
	source *fileSource
}

// Open returns a reader over the entry's decompressed bytes. It may be
// called at most once per entry; calling Next on the owning ArchiveReader
// implicitly finishes any entry that was opened but not fully read.
func (e *ArchiveEntry) Open() io.Reader { return e.source }

// Validate fully drains the entry (if it has not been read already) and
// reports whether its observed CRC-32 and sizes matched the declared
// values.
func (e *ArchiveEntry) Validate() (bool, error) {
	return e.source.validateConsume()
}

// ArchiveReader is the pull-based iterator over a stream of Local File
// Header entries (component C7). It never consults a Central Directory;
// per spec §1/§2 the Central Directory, if present at all on the wire, is
// only reachable after the point where ArchiveReader stops iterating.
// Grounded in zhyee-zipstream's Reader, generalized to scan past
// non-signature garbage between entries (spec §4.7) instead of treating
// any non-local-header signature as fatal.
type ArchiveReader struct {
	r       *bufio.Reader
	cr      *countingReader
	logger  *log.Logger
	cur     *ArchiveEntry
	stopped bool
	err     error
}

// ArchiveReaderOption configures an ArchiveReader.
type ArchiveReaderOption func(*ArchiveReader)

// WithReaderLogger installs a logger that receives warnings for
// recoverable anomalies (spec §7 "warnings vs errors").
func WithReaderLogger(logger *log.Logger) ArchiveReaderOption {
	return func(a *ArchiveReader) { a.logger = logger }
}

// NewArchiveReader wraps r in a byte counter and a *bufio.Reader so it can
// report each entry's stream offset alongside its header.
func NewArchiveReader(r io.Reader, opts ...ArchiveReaderOption) *ArchiveReader {
	cr := &countingReader{r: r}
	a := &ArchiveReader{r: bufio.NewReader(cr), cr: cr}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// countingReader counts bytes pulled from the underlying source. Combined
// with the wrapping *bufio.Reader's Buffered count, it lets logicalOffset
// report how many bytes have actually been handed to callers so far, as
// opposed to how many have merely been fetched ahead into the buffer.
type countingReader struct {
	r     io.Reader
	count uint64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.count += uint64(n)
	return n, err
}

// logicalOffset is the number of bytes logically consumed from the stream
// so far: everything pulled from the underlying source, less whatever the
// bufio.Reader has fetched ahead but not yet released to a caller.
func (a *ArchiveReader) logicalOffset() uint64 {
	return a.cr.count - uint64(a.r.Buffered())
}

// Err returns the error, if any, that caused Next to return false.
// It returns nil if iteration stopped because a Central Directory (or
// other terminal signature) was reached.
func (a *ArchiveReader) Err() error { return a.err }

// Next advances to the next Local File Header, implicitly finishing the
// previous entry first. It returns false at end of input, on reaching a
// terminal signature, or on error; distinguish the two via Err.
func (a *ArchiveReader) Next() bool {
	if a.err != nil || a.stopped {
		return false
	}
	if a.cur != nil {
		if _, err := a.cur.source.validateConsume(); err != nil {
			warnf(a.logger, "implicitly finishing entry %q: %v", a.cur.Name, err)
		}
		a.cur = nil
	}

	sig, err := a.scanForSignature()
	if err != nil {
		a.err = err
		return false
	}
	if sig != sigLocalFile {
		a.stopped = true
		return false
	}
	entryOffset := a.logicalOffset()

	fi, _, err := parseLocalHeader(a.r, a.logger)
	if err != nil {
		a.err = err
		return false
	}

	src, err := newFileSource(fi, a.r, a.logger)
	if err != nil {
		a.err = err
		return false
	}

	a.cur = &ArchiveEntry{FileInfo: fi, Offset: entryOffset, source: src}
	return true
}

// scanForSignature consumes and discards bytes until one of the
// recognized PK signatures (the stop-set plus the local-file signature,
// spec §9(b)) appears at the current position, consistent with the
// teacher's tolerance for junk between entries rather than failing on the
// very first non-matching byte.
func (a *ArchiveReader) scanForSignature() (uint32, error) {
	for {
		peek, err := a.r.Peek(4)
		if err != nil {
			off := int64(a.logicalOffset())
			if len(peek) == 0 && (err == io.EOF) {
				return 0, wrapError(KindUnexpectedEOF, off, err, "reached end of input while scanning for the next entry")
			}
			return 0, wrapError(KindUnexpectedEOF, off, err, "reading signature while scanning for the next entry")
		}
		sig := uint32(peek[0]) | uint32(peek[1])<<8 | uint32(peek[2])<<16 | uint32(peek[3])<<24
		if sig == sigLocalFile || stopSignatures[sig] {
			return sig, nil
		}
		if _, err := a.r.Discard(1); err != nil {
			return 0, err
		}
	}
}

// Entry returns the entry most recently produced by Next.
func (a *ArchiveReader) Entry() *ArchiveEntry { return a.cur }
