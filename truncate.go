package zipline

import (
	"bufio"
	"encoding/binary"
	"hash"
	"hash/crc32"
	"io"
)

// truncator turns an unbounded, unidirectional byte channel into one that
// signals io.EOF at the correct byte (spec §4.3).
type truncator interface {
	io.Reader
	bytesRead() uint64
}

// fixedTruncator implements fixed mode (spec §4.3.2): EOF after exactly N
// bytes, or a fatal TruncatedData error if the underlying stream runs out
// first.
type fixedTruncator struct {
	r         io.Reader
	total     uint64
	remaining uint64
}

func newFixedTruncator(r io.Reader, n uint64) *fixedTruncator {
	return &fixedTruncator{r: r, total: n, remaining: n}
}

func (t *fixedTruncator) Read(p []byte) (int, error) {
	if t.remaining == 0 {
		return 0, io.EOF
	}
	if uint64(len(p)) > t.remaining {
		p = p[:t.remaining]
	}
	n, err := t.r.Read(p)
	t.remaining -= uint64(n)
	if err == io.EOF && t.remaining > 0 {
		return n, wrapError(KindTruncatedData, -1, err, "stream ended with %d of %d declared bytes still unread", t.remaining, t.total)
	}
	if err == io.EOF {
		// remaining just hit zero on this very read; let the caller
		// observe (n, nil) now and discover EOF on the next call, the
		// same contract io.LimitedReader offers.
		err = nil
	}
	return n, err
}

func (t *fixedTruncator) bytesRead() uint64 { return t.total - t.remaining }

// passthroughTruncator is used when the entry is Deflate-compressed and
// descriptor_follows is set. Its own compressed size is not known ahead of
// time, so it never signals EOF itself: the wrapped Deflate decompressor
// (an external collaborator per spec §1) is trusted to stop reading at
// exactly the right byte, the same way the teacher relies on
// klauspost/compress/flate never reading past the end of a Deflate stream.
// It gives the file source a bytes_in counter for validate_consume, and
// implements io.ByteReader so that flate reads from it byte by byte instead
// of adding a read-ahead buffer of its own.
type passthroughTruncator struct {
	r     io.Reader
	nRead uint64
}

func newPassthroughTruncator(r io.Reader) *passthroughTruncator {
	return &passthroughTruncator{r: r}
}

func (t *passthroughTruncator) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	t.nRead += uint64(n)
	return n, err
}

func (t *passthroughTruncator) ReadByte() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(t.r, b[:]); err != nil {
		return 0, err
	}
	t.nRead++
	return b[0], nil
}

func (t *passthroughTruncator) bytesRead() uint64 { return t.nRead }

// dataDescriptor is the 12- or 20-byte record (signature already consumed)
// that follows an entry's data when descriptor_follows is set.
type dataDescriptor struct {
	CRC32              uint32
	CompressedSize64   uint64
	UncompressedSize64 uint64
	Zip64              bool
}

var sentinelBytes = [4]byte{0x50, 0x4b, 0x07, 0x08} // little-endian 0x08074b50

// sentinelTruncator implements sentinel mode (spec §4.3.3) for Store-method
// entries with descriptor_follows set: the compressed and uncompressed
// streams are identical (no codec sits between this truncator and the
// CRC-32 wrapper), so it can perform the self-validation check entirely by
// itself, maintaining its own running CRC and byte counter as it is the
// sole authority over both "bytes in" and "bytes out".
//
// It searches for the 4-byte data-descriptor signature using a
// byte-at-a-time KMP automaton, then peeks the following 12 or 20 bytes to
// check that the CRC and size fields agree with the running state before
// committing to the match (spec §4.3.3, §4.3.5). A rejected candidate
// releases only its first byte as ordinary data; the remaining matched
// bytes are pushed back for reprocessing with skipOnce set, matching the
// preserved quirk in spec §9 "Hidden global state" rather than a from-
// scratch KMP restart.
type sentinelTruncator struct {
	r        *bufio.Reader
	pushback []byte
	hash     hash.Hash32
	nRead    uint64
	matched  int
	matchBuf [4]byte
	skipOnce bool
	done     bool
	desc     dataDescriptor
}

func newSentinelTruncator(r *bufio.Reader) *sentinelTruncator {
	return &sentinelTruncator{r: r, hash: crc32.NewIEEE()}
}

func (t *sentinelTruncator) bytesRead() uint64 { return t.nRead }

// descriptor returns the validated data descriptor. Valid only after Read
// has returned io.EOF.
func (t *sentinelTruncator) descriptor() dataDescriptor { return t.desc }

func (t *sentinelTruncator) readByte() (byte, error) {
	if len(t.pushback) > 0 {
		b := t.pushback[0]
		t.pushback = t.pushback[1:]
		return b, nil
	}
	return t.r.ReadByte()
}

// peek returns the next n bytes without consuming them, drawing first from
// the pushback queue and then from the underlying buffered reader.
func (t *sentinelTruncator) peek(n int) ([]byte, error) {
	if len(t.pushback) >= n {
		return append([]byte(nil), t.pushback[:n]...), nil
	}
	extra, err := t.r.Peek(n - len(t.pushback))
	buf := make([]byte, 0, n)
	buf = append(buf, t.pushback...)
	buf = append(buf, extra...)
	return buf, err
}

// discard commits to n bytes already inspected via peek, consuming them
// from the pushback queue first and then the underlying reader.
func (t *sentinelTruncator) discard(n int) error {
	if len(t.pushback) >= n {
		t.pushback = t.pushback[n:]
		return nil
	}
	skip := n - len(t.pushback)
	t.pushback = nil
	_, err := t.r.Discard(skip)
	return err
}

func (t *sentinelTruncator) emit(p []byte, n *int, b byte) {
	p[*n] = b
	t.hash.Write(p[*n : *n+1])
	t.nRead++
	*n++
}

func (t *sentinelTruncator) Read(p []byte) (int, error) {
	if t.done {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}
	n := 0
	for n < len(p) {
		b, err := t.readByte()
		if err != nil {
			if err == io.EOF {
				return n, wrapError(KindSentinelNotFound, -1, err, "reached end of stream without locating a validated data descriptor")
			}
			return n, err
		}

		if t.skipOnce {
			t.skipOnce = false
			t.emit(p, &n, b)
			continue
		}

		if b != sentinelBytes[t.matched] {
			if t.matched == 0 {
				t.emit(p, &n, b)
				continue
			}
			t.rejectCandidate(p, &n, b)
			continue
		}

		t.matchBuf[t.matched] = b
		t.matched++
		if t.matched < len(sentinelBytes) {
			continue
		}

		accepted, err := t.tryValidate()
		if err != nil {
			return n, err
		}
		if accepted {
			t.done = true
			return n, nil
		}
		t.rejectFullCandidate(p, &n)
	}
	return n, nil
}

// rejectCandidate handles a mismatch that occurs mid-match (matched is
// between 1 and 3): the first matched byte is released as data and the rest
// plus the byte that broke the match are queued for reprocessing. When two
// or more bytes had matched, skipOnce suppresses re-testing the very next
// byte (a sentinel continuation byte) against the sentinel's first byte;
// after a single matched byte the breaking byte is re-tested, since it may
// itself start the real signature.
func (t *sentinelTruncator) rejectCandidate(p []byte, n *int, b byte) {
	first := t.matchBuf[0]
	rest := make([]byte, 0, t.matched)
	rest = append(rest, t.matchBuf[1:t.matched]...)
	rest = append(rest, b)
	t.pushback = append(rest, t.pushback...)
	t.skipOnce = t.matched > 1
	t.matched = 0
	t.emit(p, n, first)
}

// rejectFullCandidate handles a mismatch discovered only after all 4
// sentinel bytes matched but self-validation failed.
func (t *sentinelTruncator) rejectFullCandidate(p []byte, n *int) {
	first := t.matchBuf[0]
	rest := append([]byte(nil), t.matchBuf[1:t.matched]...)
	t.pushback = append(rest, t.pushback...)
	t.matched = 0
	t.skipOnce = true
	t.emit(p, n, first)
}

// tryValidate inspects the bytes following a 4-byte sentinel candidate and
// decides whether they form a genuine data descriptor: the CRC field must
// equal the running CRC of bytes already emitted, and the size field(s)
// must equal the running byte counter (compressed size == uncompressed
// size == bytesRead, since Store is an identity transform).
func (t *sentinelTruncator) tryValidate() (bool, error) {
	tail, peekErr := t.peek(20)
	if len(tail) < 12 {
		if peekErr != nil && peekErr != io.EOF && peekErr != bufio.ErrBufferFull {
			return false, peekErr
		}
		return false, newError(KindSentinelNotFound, -1, "candidate data descriptor near end of stream has fewer than 12 trailing bytes")
	}

	crcCandidate := binary.LittleEndian.Uint32(tail[0:4])
	if crcCandidate != t.hash.Sum32() {
		return false, nil
	}

	size32C := binary.LittleEndian.Uint32(tail[4:8])
	size32U := binary.LittleEndian.Uint32(tail[8:12])
	if uint64(size32C) == t.nRead && uint64(size32U) == t.nRead {
		if err := t.discard(12); err != nil {
			return false, err
		}
		t.desc = dataDescriptor{CRC32: crcCandidate, CompressedSize64: uint64(size32C), UncompressedSize64: uint64(size32U)}
		return true, nil
	}

	if len(tail) >= 20 {
		size64C := binary.LittleEndian.Uint64(tail[4:12])
		size64U := binary.LittleEndian.Uint64(tail[12:20])
		if size64C == t.nRead && size64U == t.nRead {
			if err := t.discard(20); err != nil {
				return false, err
			}
			t.desc = dataDescriptor{CRC32: crcCandidate, CompressedSize64: size64C, UncompressedSize64: size64U, Zip64: true}
			return true, nil
		}
	}

	return false, nil
}
