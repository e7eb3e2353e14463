package zipline

import (
	"fmt"
	"io"
	"log"
)

// Discrepancy records one disagreement the validator found while
// reconciling the entries observed during streaming against an
// authoritative Central Directory, read after the fact from a second,
// seekable pass over the same archive (spec §8.2's "separate validation
// pass").
type Discrepancy struct {
	Kind ErrorKind
	Name string
	// Offset identifies which of two same-named/offset entries this
	// discrepancy concerns, when that distinction matters.
	Offset  uint64
	Message string
}

func (d Discrepancy) String() string {
	return fmt.Sprintf("%s %q: %s", d.Kind, d.Name, d.Message)
}

// Validator reconciles the entries an ArchiveReader produced against a
// Central Directory read independently (component C9). It is built from
// that directory, fed each streamed entry through Reconcile, and asked for
// its verdict with Finish once all entries are consumed. It is the only component in
// this package that treats the Central Directory as authoritative for
// anything: specifically, for detecting entries the streaming pass never
// saw (truncated local-entry area) or saw but the directory omits
// (corrupt or adversarial directory).
type Validator struct {
	byOffset map[uint64]*CdEntry
	byName   map[string][]*CdEntry

	verdict      bool
	discrepancies []Discrepancy
	computed     bool
}

// NewValidator builds a Validator from the Central Directory entries of
// the archive (typically parsed by repeatedly calling parseCentralEntry
// over a second, seekable reader positioned at the directory's start).
func NewValidator(central []*CdEntry) *Validator {
	v := &Validator{
		byOffset: make(map[uint64]*CdEntry, len(central)),
		byName:   make(map[string][]*CdEntry, len(central)),
	}
	for _, entry := range central {
		if _, dup := v.byOffset[entry.Offset]; dup {
			v.discrepancies = append(v.discrepancies, Discrepancy{
				Kind: KindDuplicateEntry, Name: entry.Name, Offset: entry.Offset,
				Message: "central directory has two entries at the same offset",
			})
		}
		v.byOffset[entry.Offset] = entry
		v.byName[entry.Name] = append(v.byName[entry.Name], entry)
	}
	for name, entries := range v.byName {
		if len(entries) > 1 {
			v.discrepancies = append(v.discrepancies, Discrepancy{
				Kind: KindDuplicateEntry, Name: name,
				Message: fmt.Sprintf("central directory has %d entries sharing this name", len(entries)),
			})
		}
	}
	return v
}

// Reconcile compares one streamed entry (as produced by ArchiveReader)
// against its corresponding Central Directory record, checking both
// consistency (local header vs. central entry agree, spec §4.4) and
// presence. Call it once per streamed entry, in order, then call Finish.
func (v *Validator) Reconcile(streamOffset uint64, local *FileInfo) {
	v.computed = false
	central, ok := v.byOffset[streamOffset]
	if !ok {
		v.discrepancies = append(v.discrepancies, Discrepancy{
			Kind: KindInconsistentCentralDirectory, Name: local.Name, Offset: streamOffset,
			Message: "no central directory entry references this offset",
		})
		return
	}
	delete(v.byOffset, streamOffset)
	if !isConsistent(local, central, true) {
		v.discrepancies = append(v.discrepancies, Discrepancy{
			Kind: KindInconsistentCentralDirectory, Name: local.Name, Offset: streamOffset,
			Message: "local file header disagrees with its central directory entry",
		})
	}
}

// Finish reports the accumulated discrepancies, including any central
// directory entries that no streamed Local File Header ever claimed
// (entries the directory lists but the local-entry area never reached or
// skipped past), and the overall pass/fail verdict. The result is cached;
// subsequent calls are free until another Reconcile happens.
func (v *Validator) Finish() (bool, []Discrepancy) {
	if v.computed {
		return v.verdict, v.discrepancies
	}
	v.computed = true
	for offset, entry := range v.byOffset {
		v.discrepancies = append(v.discrepancies, Discrepancy{
			Kind: KindInconsistentCentralDirectory, Name: entry.Name, Offset: offset,
			Message: "central directory entry was never observed during streaming",
		})
	}
	v.verdict = len(v.discrepancies) == 0
	return v.verdict, v.discrepancies
}

// ReadCentralDirectory parses consecutive Central Directory Headers from r
// until a non-matching signature (typically an EOCD) is reached, for
// feeding into NewValidator.
func ReadCentralDirectory(r io.Reader, logger *log.Logger) ([]*CdEntry, error) {
	var entries []*CdEntry
	for {
		entry, err := parseCentralEntry(r, logger)
		if err != nil {
			if zerr, ok := err.(*Error); ok && zerr.Kind == KindBadSignature {
				return entries, nil
			}
			return entries, err
		}
		entries = append(entries, entry)
	}
}
