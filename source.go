package zipline

import (
	"bufio"
	"io"
	"log"

	"github.com/klauspost/compress/flate"
)

// fileSource is the decompressed read side of one archive entry (component
// C5). It composes a truncator (fixed, passthrough, or sentinel, per spec
// §4.3) with a decompressor and a crcReader, then reconciles the observed
// CRC-32 and byte counts against the entry's declared values once the
// underlying stream signals end of data. Grounded in zhyee-zipstream's
// checksumReader and Entry.Open, generalized to cover the Store+
// descriptor_follows combination the teacher rejects outright.
type fileSource struct {
	fi       *FileInfo
	br       *bufio.Reader
	trunc    truncator
	sentinel *sentinelTruncator
	flateR   io.ReadCloser
	crc      *crcReader
	logger   *log.Logger

	eof         bool
	verdict     bool
	verdictErr  error
	reconciled  bool
}

// newFileSource builds the read pipeline for one entry. br is the shared
// buffered reader the archive source is scanning signatures from; the
// truncator reads directly from it so that whatever bytes remain after the
// entry (or its data descriptor) are left positioned for the next Next().
func newFileSource(fi *FileInfo, br *bufio.Reader, logger *log.Logger) (*fileSource, error) {
	s := &fileSource{fi: fi, br: br, logger: logger}

	switch {
	case fi.DescriptorFollows && fi.Method == Store:
		st := newSentinelTruncator(br)
		s.trunc = st
		s.sentinel = st
	case fi.DescriptorFollows && fi.Method == Deflate:
		s.trunc = newPassthroughTruncator(br)
	case fi.Method == Store:
		s.trunc = newFixedTruncator(br, fi.CompressedSize64)
	case fi.Method == Deflate:
		s.trunc = newFixedTruncator(br, fi.CompressedSize64)
	default:
		return nil, newError(KindUnsupportedCompression, -1, "unsupported compression method %d", fi.Method)
	}

	var decompressed io.Reader
	switch fi.Method {
	case Store:
		decompressed = s.trunc
	case Deflate:
		s.flateR = flate.NewReader(s.trunc)
		decompressed = s.flateR
	}

	s.crc = newCRCReader(decompressed)
	return s, nil
}

func (s *fileSource) Read(p []byte) (int, error) {
	if s.eof {
		return 0, io.EOF
	}
	n, err := s.crc.Read(p)
	if err == nil {
		return n, nil
	}
	if err != io.EOF {
		return n, err
	}

	s.eof = true
	if rerr := s.reconcile(); rerr != nil {
		return n, rerr
	}
	return n, io.EOF
}

// reconcile closes the decompressor (if any), reads and/or checks the
// trailing data descriptor, and compares observed CRC/size against the
// entry's declared values, caching the outcome for validateConsume.
func (s *fileSource) reconcile() error {
	if s.reconciled {
		return s.verdictErr
	}
	s.reconciled = true

	if s.flateR != nil {
		if err := s.flateR.Close(); err != nil {
			s.verdictErr = wrapError(KindCodecError, -1, err, "closing deflate stream for %q", s.fi.Name)
			return s.verdictErr
		}
	}

	if s.fi.DescriptorFollows {
		if s.sentinel != nil {
			desc := s.sentinel.descriptor()
			s.fi.CRC32 = desc.CRC32
			s.fi.CompressedSize64 = desc.CompressedSize64
			s.fi.UncompressedSize64 = desc.UncompressedSize64
			s.fi.Zip64 = desc.Zip64
		} else {
			desc, err := readDataDescriptorAfterCodec(s.br, s.trunc.bytesRead(), s.crc.BytesRead())
			if err != nil {
				s.verdictErr = err
				return err
			}
			s.fi.CRC32 = desc.CRC32
			s.fi.CompressedSize64 = desc.CompressedSize64
			s.fi.UncompressedSize64 = desc.UncompressedSize64
			s.fi.Zip64 = desc.Zip64
		}
	}

	if s.fi.UncompressedSize64 != s.crc.BytesRead() {
		s.verdictErr = newError(KindSizeMismatch, -1, "entry %q: declared %d uncompressed bytes, got %d",
			s.fi.Name, s.fi.UncompressedSize64, s.crc.BytesRead())
		return s.verdictErr
	}
	if s.fi.CRC32 != s.crc.Sum32() {
		s.verdictErr = newError(KindCrcMismatch, -1, "entry %q: declared CRC-32 0x%08x, computed 0x%08x",
			s.fi.Name, s.fi.CRC32, s.crc.Sum32())
		return s.verdictErr
	}

	s.verdict = true
	return nil
}

// validateConsume drains any unread data, performing the CRC/size
// reconciliation as a side effect, and returns the cached pass/fail
// verdict plus an error distinguishing a hard I/O failure from an
// ordinary validation mismatch (both are reported through err; callers
// that only care whether validation passed check verdict).
func (s *fileSource) validateConsume() (bool, error) {
	if !s.eof {
		if _, err := io.Copy(io.Discard, s); err != nil {
			return false, err
		}
	}
	return s.verdict, s.verdictErr
}
