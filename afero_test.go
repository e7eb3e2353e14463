package zipline

import (
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/spf13/afero"
)

// makeTestFile is grounded in ASchurman-zip's zip_test.go helper of the
// same name.
func makeTestFile(fs afero.Fs, name string, data []byte) error {
	f, err := fs.Create(name)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		return err
	}
	return f.Close()
}

// TestArchiveRoundTripViaVirtualFilesystem stages source files and the
// resulting archive entirely on an in-memory afero filesystem, then
// extracts the archive back onto the same filesystem and compares the
// extracted files against the staged originals byte for byte.
func TestArchiveRoundTripViaVirtualFilesystem(t *testing.T) {
	fs := afero.NewMemMapFs()
	sources := []roundTripFile{
		{"a/one.txt", Store, []byte("one")},
		{"a/two.txt", Deflate, bytes.Repeat([]byte("two "), 40)},
	}
	for _, f := range sources {
		if err := makeTestFile(fs, "src/"+f.name, f.data); err != nil {
			t.Fatalf("makeTestFile(%q) returned error: %v", f.name, err)
		}
	}

	archiveFile, err := fs.Create("out.zip")
	if err != nil {
		t.Fatalf("fs.Create returned error: %v", err)
	}
	aw := NewArchiveWriter(archiveFile)
	modified := time.Date(2023, time.November, 5, 6, 7, 0, 0, time.UTC)
	for _, f := range sources {
		src, err := fs.Open("src/" + f.name)
		if err != nil {
			t.Fatalf("fs.Open(%q) returned error: %v", f.name, err)
		}
		w, err := aw.CreateEntry(f.name, f.method, modified, WithMakePath())
		if err != nil {
			t.Fatalf("CreateEntry(%q) returned error: %v", f.name, err)
		}
		if _, err := io.Copy(w, src); err != nil {
			t.Fatalf("copying %q into the archive returned error: %v", f.name, err)
		}
		if err := src.Close(); err != nil {
			t.Fatalf("closing %q returned error: %v", f.name, err)
		}
	}
	if err := aw.Close(); err != nil {
		t.Fatalf("ArchiveWriter.Close returned error: %v", err)
	}
	if err := archiveFile.Close(); err != nil {
		t.Fatalf("closing out.zip returned error: %v", err)
	}

	readBack, err := fs.Open("out.zip")
	if err != nil {
		t.Fatalf("fs.Open(out.zip) returned error: %v", err)
	}
	defer readBack.Close()

	ar := NewArchiveReader(readBack)
	extracted := 0
	for ar.Next() {
		entry := ar.Entry()
		dest, err := fs.Create("extracted/" + entry.Name)
		if err != nil {
			t.Fatalf("fs.Create(extracted/%s) returned error: %v", entry.Name, err)
		}
		if _, err := io.Copy(dest, entry.Open()); err != nil {
			t.Fatalf("extracting %q returned error: %v", entry.Name, err)
		}
		if err := dest.Close(); err != nil {
			t.Fatalf("closing extracted %q returned error: %v", entry.Name, err)
		}
		if ok, verr := entry.Validate(); !ok || verr != nil {
			t.Errorf("entry %q failed validation: ok=%v err=%v", entry.Name, ok, verr)
		}
		extracted++
	}
	if err := ar.Err(); err != nil {
		t.Fatalf("ArchiveReader.Err() = %v", err)
	}
	if extracted != len(sources) {
		t.Fatalf("extracted %d entries, want %d", extracted, len(sources))
	}

	for _, f := range sources {
		got, err := afero.ReadFile(fs, "extracted/"+f.name)
		if err != nil {
			t.Fatalf("reading extracted %q returned error: %v", f.name, err)
		}
		if !bytes.Equal(got, f.data) {
			t.Errorf("extracted %q = %q, want %q", f.name, got, f.data)
		}
	}
}
