package zipline

import (
	"io"
	"log"
	"strings"
	"time"
)

// ArchiveWriter is the streaming write side of an archive (component C8).
// At most one entry may be open for writing at a time; opening a new one
// implicitly closes and warns about whatever was previously open, rather
// than erroring, matching the spec's "warnings vs. errors" design for
// recoverable caller mistakes.
type ArchiveWriter struct {
	w                *countingWriter
	logger           *log.Logger
	level            int
	allowZip64       bool
	forceZip64       bool
	cur              *fileSink
	entries          []*CdEntry
	seenNames        map[string]bool
	materializedDirs map[string]bool
	comment          string
	closed           bool
}

// ArchiveWriterOption configures an ArchiveWriter.
type ArchiveWriterOption func(*ArchiveWriter)

// WithWriterLogger installs a warning sink.
func WithWriterLogger(logger *log.Logger) ArchiveWriterOption {
	return func(a *ArchiveWriter) { a.logger = logger }
}

// WithCompressionLevel sets the Deflate level used for non-Store entries
// (see compress/flate for valid values). Defaults to flate.DefaultCompression.
func WithCompressionLevel(level int) ArchiveWriterOption {
	return func(a *ArchiveWriter) { a.level = level }
}

// WithComment sets the archive-level comment written into the EOCD.
func WithComment(comment string) ArchiveWriterOption {
	return func(a *ArchiveWriter) { a.comment = comment }
}

// WithForceZip64 always promotes the EOCD to its ZIP64 form, even when
// every size fits in 32 bits. Useful for exercising ZIP64 readers.
func WithForceZip64() ArchiveWriterOption {
	return func(a *ArchiveWriter) { a.forceZip64 = true }
}

// WithoutZip64 disables ZIP64 promotion entirely; writes that would
// require it fail with KindSizeTooLarge instead.
func WithoutZip64() ArchiveWriterOption {
	return func(a *ArchiveWriter) { a.allowZip64 = false }
}

// NewArchiveWriter wraps w.
func NewArchiveWriter(w io.Writer, opts ...ArchiveWriterOption) *ArchiveWriter {
	a := &ArchiveWriter{
		w:                &countingWriter{w: w},
		level:            -1,
		allowZip64:       true,
		seenNames:        make(map[string]bool),
		materializedDirs: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// countingWriter tracks the number of bytes written so far, giving the
// archive writer its running offset for Central Directory records.
type countingWriter struct {
	w     io.Writer
	count uint64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.count += uint64(n)
	return n, err
}

// EntryOption configures a single CreateEntry call (spec §6.2 per-entry
// options).
type EntryOption func(*entryOptions)

type entryOptions struct {
	makePath bool
}

// WithMakePath directs CreateEntry to lazily materialize any ancestor
// directory of this entry's name that has not already been explicitly
// created, emitting a zero-length directory entry for each one in order
// (spec §4.8 "make_path"). Without it, CreateEntry requires every
// ancestor directory to have already been created explicitly.
func WithMakePath() EntryOption {
	return func(o *entryOptions) { o.makePath = true }
}

// CreateEntry opens a new entry named name for writing, materializing its
// path per spec §5 (collapsing repeated slashes, treating "." and ".."
// segments literally rather than resolving them, rejecting Windows drive
// specifiers) and implicitly closing whatever entry was previously open.
// Per spec §4.8, every ancestor directory the name implies must already
// have been materialized (by an earlier explicit CreateEntry call for
// that directory, or lazily via WithMakePath) before the entry itself can
// be opened.
func (a *ArchiveWriter) CreateEntry(name string, method CompressionMethod, modified time.Time, opts ...EntryOption) (io.Writer, error) {
	if a.closed {
		return nil, newError(KindClosedSink, -1, "archive is already closed")
	}
	var eo entryOptions
	for _, opt := range opts {
		opt(&eo)
	}

	cleanName, err := materializeEntryPath(name)
	if err != nil {
		return nil, err
	}
	if a.seenNames[cleanName] {
		return nil, newError(KindDuplicateEntry, -1, "entry %q already written to this archive", cleanName)
	}
	if err := a.materializeAncestors(cleanName, modified, eo.makePath); err != nil {
		return nil, err
	}

	if a.cur != nil {
		warnf(a.logger, "implicitly closing entry %q to open %q", a.cur.fi.Name, cleanName)
		if _, err := a.finishCurrent(); err != nil {
			return nil, err
		}
	}

	sink, err := a.openEntry(cleanName, method, modified)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(cleanName, "/") {
		a.materializedDirs[cleanName] = true
	}
	return sink, nil
}

// openEntry writes the local header for cleanName, records its Central
// Directory entry, and leaves the resulting sink as the currently open
// entry. Shared between user-requested entries and ancestor directories
// materialized lazily by materializeAncestors.
func (a *ArchiveWriter) openEntry(cleanName string, method CompressionMethod, modified time.Time) (*fileSink, error) {
	fi := &FileInfo{
		Name:     cleanName,
		Method:   method,
		Modified: modified,
	}
	offset := a.w.count
	sink, err := newFileSink(fi, a.w, a.level)
	if err != nil {
		return nil, err
	}
	a.cur = sink
	a.seenNames[cleanName] = true
	a.entries = append(a.entries, &CdEntry{FileInfo: *fi, Offset: offset})
	return sink, nil
}

// materializeAncestors ensures every ancestor directory cleanName implies
// has already been materialized, tracking the set in materializedDirs
// (spec §3.4). With makePath set, missing ancestors are emitted in order
// as zero-length Store directory entries; without it, a missing ancestor
// is an error rather than something this writer silently assumes.
func (a *ArchiveWriter) materializeAncestors(cleanName string, modified time.Time, makePath bool) error {
	trimmed := strings.TrimSuffix(cleanName, "/")
	segments := strings.Split(trimmed, "/")
	if len(segments) <= 1 {
		return nil
	}
	ancestors := segments[:len(segments)-1]

	var built string
	for _, seg := range ancestors {
		if built == "" {
			built = seg
		} else {
			built = built + "/" + seg
		}
		dirPath := built + "/"
		if a.materializedDirs[dirPath] || a.seenNames[dirPath] {
			a.materializedDirs[dirPath] = true
			continue
		}
		if !makePath {
			return newError(KindInvalidPath, -1,
				"entry %q requires ancestor directory %q, which was never explicitly created (pass WithMakePath to materialize it automatically)",
				cleanName, dirPath)
		}
		if a.cur != nil {
			warnf(a.logger, "implicitly closing entry %q to materialize ancestor directory %q", a.cur.fi.Name, dirPath)
			if _, err := a.finishCurrent(); err != nil {
				return err
			}
		}
		if _, err := a.openEntry(dirPath, Store, modified); err != nil {
			return err
		}
		if _, err := a.finishCurrent(); err != nil {
			return err
		}
		a.materializedDirs[dirPath] = true
	}
	return nil
}

// finishCurrent closes the open sink and folds its final FileInfo back
// into the corresponding Central Directory entry.
func (a *ArchiveWriter) finishCurrent() (*FileInfo, error) {
	sink := a.cur
	a.cur = nil
	fi, err := sink.Close()
	if err != nil {
		return nil, err
	}
	a.entries[len(a.entries)-1].FileInfo = *fi
	return fi, nil
}

// materializeEntryPath cleans an entry name the way spec §5 requires:
// repeated slashes collapse, but unlike path.Clean, "." and ".." survive
// as literal path segments rather than being resolved away, and Windows
// drive specifiers are rejected outright.
func materializeEntryPath(name string) (string, error) {
	if name == "" {
		return "", newError(KindInvalidPath, -1, "entry name is empty")
	}
	if strings.ContainsRune(name, ':') {
		return "", newError(KindInvalidPath, -1, "entry name %q carries a drive specifier", name)
	}
	trailingSlash := strings.HasSuffix(name, "/")
	normalized := strings.ReplaceAll(name, `\`, "/")

	var segments []string
	for _, seg := range strings.Split(normalized, "/") {
		if seg == "" {
			continue // collapses repeated, leading, and trailing slashes
		}
		segments = append(segments, seg)
	}
	if len(segments) == 0 {
		return "", newError(KindInvalidPath, -1, "entry name %q has no usable path component", name)
	}

	cleaned := strings.Join(segments, "/")
	if trailingSlash {
		cleaned += "/"
	}
	return cleaned, nil
}

// Close finalizes any open entry, then writes every accumulated Central
// Directory record followed by the EOCD (and its ZIP64 extension, when
// needed), per spec §4.4/§6.1.
func (a *ArchiveWriter) Close() error {
	if a.closed {
		return nil
	}
	a.closed = true

	if a.cur != nil {
		if _, err := a.finishCurrent(); err != nil {
			return err
		}
	}

	cdStart := a.w.count
	for _, entry := range a.entries {
		if _, err := writeCentralEntry(a.w, entry, a.allowZip64); err != nil {
			return err
		}
	}
	cdSize := a.w.count - cdStart

	return writeEOCD(a.w, uint64(len(a.entries)), cdSize, cdStart, a.comment, a.allowZip64, a.forceZip64)
}
