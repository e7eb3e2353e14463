package zipline

import (
	"bytes"
	"hash/crc32"
	"io"
	"testing"
	"time"

	"go4.org/readerutil"
)

// sameBytes is an io.Reader/io.ReaderAt that reproduces one repeated byte
// indefinitely, letting a test describe an arbitrarily large payload
// without allocating it. Grounded verbatim in martin-sucha-zipserve's
// zip_test.go helper of the same name.
type sameBytes struct {
	b byte
}

func (s *sameBytes) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = s.b
	}
	return len(p), nil
}

func (s *sameBytes) ReadAt(p []byte, _ int64) (int, error) {
	for i := range p {
		p[i] = s.b
	}
	return len(p), nil
}

// TestArchiveRoundTripPastZip64Boundary writes and reads back a Store
// entry whose size crosses the 4 GiB boundary, exercising the writer's
// ZIP64 promotion and the reader's self-validating data descriptor scan
// on a payload too large to hold in memory. readerutil.NewMultiReaderAt
// stitches a repeated-byte section onto a short trailing marker, the same
// technique martin-sucha-zipserve's zip_test.go (sizeWithEnd) uses for the
// equivalent test.
func TestArchiveRoundTripPastZip64Boundary(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping large ZIP64-boundary round trip in short mode")
	}

	bulk := io.NewSectionReader(&sameBytes{b: '.'}, 0, int64(uint32max)+4096)
	payload := readerutil.NewMultiReaderAt(bulk, bytes.NewReader([]byte("END\n")))

	crc := crc32.NewIEEE()
	if _, err := io.Copy(crc, io.NewSectionReader(payload, 0, payload.Size())); err != nil {
		t.Fatalf("computing expected CRC-32 returned error: %v", err)
	}
	wantCRC := crc.Sum32()
	wantSize := uint64(payload.Size())

	// The writer runs on one end of a pipe and the reader on the other, so
	// the archive itself is never materialized anywhere: at any instant
	// only the handful of kilobytes in flight through the pipe exist in
	// memory, matching this package's forward-only streaming contract.
	pr, pw := io.Pipe()
	writeDone := make(chan error, 1)
	go func() {
		aw := NewArchiveWriter(pw)
		w, err := aw.CreateEntry("huge.bin", Store, time.Date(2022, time.June, 1, 0, 0, 0, 0, time.UTC))
		if err == nil {
			_, err = io.Copy(w, io.NewSectionReader(payload, 0, payload.Size()))
		}
		if err == nil {
			err = aw.Close()
		}
		if err != nil {
			pw.CloseWithError(err)
			writeDone <- err
			return
		}
		writeDone <- pw.Close()
	}()

	ar := NewArchiveReader(pr)
	if !ar.Next() {
		t.Fatalf("expected one entry, Next() returned false (err=%v)", ar.Err())
	}
	entry := ar.Entry()

	gotCRC := crc32.NewIEEE()
	n, err := io.Copy(gotCRC, entry.Open())
	if err != nil {
		t.Fatalf("reading entry back returned error: %v", err)
	}
	if uint64(n) != wantSize {
		t.Errorf("read back %d bytes, want %d", n, wantSize)
	}
	if gotCRC.Sum32() != wantCRC {
		t.Errorf("CRC-32 mismatch after round trip past the ZIP64 boundary")
	}
	if !entry.Zip64 {
		t.Error("expected the reconciled data descriptor to report Zip64 for a payload past the 4 GiB boundary")
	}
	if ok, verr := entry.Validate(); !ok || verr != nil {
		t.Errorf("entry failed validation: ok=%v err=%v", ok, verr)
	}
	if err := ar.Err(); err != nil {
		t.Fatalf("ArchiveReader.Err() = %v", err)
	}
	// The reader never consumes the Central Directory and EOCD; drain them
	// so the writer's Close can get them through the pipe and return.
	if _, err := io.Copy(io.Discard, pr); err != nil {
		t.Fatalf("draining the rest of the archive returned error: %v", err)
	}
	if werr := <-writeDone; werr != nil {
		t.Fatalf("writing the archive returned error: %v", werr)
	}
}
