// Package zipline reads and writes ZIP archives over forward-only,
// unidirectional byte streams: readers never seek back for a Central
// Directory, and writers never seek back to patch a header once it has
// been written. Local File Headers are authoritative while streaming;
// the Central Directory, where present, is only useful for a separate,
// after-the-fact validation pass (see Validator).
package zipline
