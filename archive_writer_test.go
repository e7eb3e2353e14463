package zipline

import (
	"bytes"
	"errors"
	"io"
	"testing"
	"time"
)

// TestCreateEntryRequiresExplicitAncestorByDefault exercises spec §4.8's
// default behavior: an entry nested under a directory that was never
// explicitly created fails instead of silently materializing it.
func TestCreateEntryRequiresExplicitAncestorByDefault(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)
	modified := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	_, err := aw.CreateEntry("a/b/c.txt", Store, modified)
	if err == nil {
		t.Fatal("expected an error for an entry whose ancestors were never created")
	}
	var zerr *Error
	if !errors.As(err, &zerr) || zerr.Kind != KindInvalidPath {
		t.Fatalf("got error %v, want KindInvalidPath", err)
	}
}

// TestCreateEntryWithMakePathMaterializesAncestors checks that WithMakePath
// lazily emits every missing ancestor directory, in order, exactly once,
// and that a later entry sharing part of that path does not re-create them.
func TestCreateEntryWithMakePathMaterializesAncestors(t *testing.T) {
	var buf bytes.Buffer
	aw := NewArchiveWriter(&buf)
	modified := time.Date(2024, time.March, 1, 0, 0, 0, 0, time.UTC)

	w, err := aw.CreateEntry("a/b/c.txt", Store, modified, WithMakePath())
	if err != nil {
		t.Fatalf("CreateEntry with WithMakePath returned error: %v", err)
	}
	if _, err := w.Write([]byte("hello")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	// "a/" and "a/b/" are already materialized now; this entry should not
	// require make_path even though it is nested.
	w2, err := aw.CreateEntry("a/b/d.txt", Store, modified)
	if err != nil {
		t.Fatalf("CreateEntry for a sibling under an already-materialized ancestor returned error: %v", err)
	}
	if _, err := w2.Write([]byte("world")); err != nil {
		t.Fatalf("Write returned error: %v", err)
	}

	if err := aw.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	ar := NewArchiveReader(bytes.NewReader(buf.Bytes()))
	var names []string
	for ar.Next() {
		entry := ar.Entry()
		names = append(names, entry.Name)
		if _, err := io.Copy(io.Discard, entry.Open()); err != nil {
			t.Fatalf("reading entry %q returned error: %v", entry.Name, err)
		}
	}
	if err := ar.Err(); err != nil {
		t.Fatalf("ArchiveReader.Err() = %v", err)
	}

	want := []string{"a/", "a/b/", "a/b/c.txt", "a/b/d.txt"}
	if len(names) != len(want) {
		t.Fatalf("got entries %v, want %v", names, want)
	}
	for i, name := range want {
		if names[i] != name {
			t.Errorf("entry %d = %q, want %q", i, names[i], name)
		}
	}
}

// TestMaterializeEntryPathPreservesDotSegments checks spec §5's requirement
// that "." and ".." survive as literal segment names instead of being
// resolved the way path.Clean would resolve them.
func TestMaterializeEntryPathPreservesDotSegments(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"a/../b.txt", "a/../b.txt"},
		{"./x", "./x"},
		{"a//b", "a/b"},
		{"/a/b/", "a/b/"},
		{"..", ".."},
	}
	for _, c := range cases {
		got, err := materializeEntryPath(c.in)
		if err != nil {
			t.Fatalf("materializeEntryPath(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("materializeEntryPath(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}
