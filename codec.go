package zipline

import (
	"encoding/binary"
	"time"

	"golang.org/x/text/encoding/charmap"
)

// readBuf is a cursor over a byte slice that peels off little-endian
// fixed-width integers as it advances, the same shape as the teacher's
// readBuf in utils.go. Callers are expected to have already validated that
// the slice is long enough for the fields they intend to read.
type readBuf []byte

func (b *readBuf) uint8() uint8 {
	v := (*b)[0]
	*b = (*b)[1:]
	return v
}

func (b *readBuf) uint16() uint16 {
	v := binary.LittleEndian.Uint16(*b)
	*b = (*b)[2:]
	return v
}

func (b *readBuf) uint32() uint32 {
	v := binary.LittleEndian.Uint32(*b)
	*b = (*b)[4:]
	return v
}

func (b *readBuf) uint64() uint64 {
	v := binary.LittleEndian.Uint64(*b)
	*b = (*b)[8:]
	return v
}

func (b *readBuf) sub(n int) readBuf {
	b2 := (*b)[:n]
	*b = (*b)[n:]
	return b2
}

// writeBuf is the write-side mirror, following martin-sucha-zipserve's
// writeBuf.
type writeBuf []byte

func (b *writeBuf) uint8(v uint8) {
	(*b)[0] = v
	*b = (*b)[1:]
}

func (b *writeBuf) uint16(v uint16) {
	binary.LittleEndian.PutUint16(*b, v)
	*b = (*b)[2:]
}

func (b *writeBuf) uint32(v uint32) {
	binary.LittleEndian.PutUint32(*b, v)
	*b = (*b)[4:]
}

func (b *writeBuf) uint64(v uint64) {
	binary.LittleEndian.PutUint64(*b, v)
	*b = (*b)[8:]
}

// minDosTime and maxDosTime bound the timestamps this codec can pack, per the
// spec's 2-second resolution and 1980-2107 range.
var (
	minDosTime = time.Date(1980, time.January, 1, 0, 0, 0, 0, time.UTC)
	maxDosTime = time.Date(2107, time.December, 31, 23, 59, 58, 0, time.UTC)
)

// packDosTime converts t to the packed MS-DOS date/time pair used by Local
// File Headers and Central Directory Headers. Layout per spec §4.1: date
// bits 0-4 day, 5-8 month, 9-15 year offset from 1980; time bits 0-4
// second/2, 5-10 minute, 11-15 hour.
func packDosTime(t time.Time) (date, dosTime uint16, err error) {
	t = t.UTC()
	if t.Before(minDosTime) || t.After(maxDosTime) {
		return 0, 0, newError(KindBadDateTime, -1, "time %s is outside the representable range [%s, %s]", t, minDosTime, maxDosTime)
	}
	year := t.Year() - 1980
	date = uint16(t.Day()&0x1f) | uint16(int(t.Month())&0xf)<<5 | uint16(year&0x7f)<<9
	dosTime = uint16((t.Second()/2)&0x1f) | uint16(t.Minute()&0x3f)<<5 | uint16(t.Hour()&0x1f)<<11
	return date, dosTime, nil
}

// unpackDosTime is the inverse of packDosTime. It rejects combinations the
// encoder would never produce: day 0, month 0 or >12, hour>23, minute>59,
// second/2>29.
func unpackDosTime(date, dosTime uint16) (time.Time, error) {
	day := int(date & 0x1f)
	month := int((date >> 5) & 0xf)
	year := 1980 + int(date>>9)

	second := int(dosTime&0x1f) * 2
	minute := int((dosTime >> 5) & 0x3f)
	hour := int(dosTime >> 11)

	if day == 0 || month == 0 || month > 12 {
		return time.Time{}, newError(KindBadDateTime, -1, "invalid MS-DOS date 0x%04x (day=%d month=%d)", date, day, month)
	}
	if hour > 23 || minute > 59 || second > 58 {
		return time.Time{}, newError(KindBadDateTime, -1, "invalid MS-DOS time 0x%04x (hour=%d minute=%d second=%d)", dosTime, hour, minute, second)
	}
	return time.Date(year, time.Month(month), day, hour, minute, second, 0, time.UTC), nil
}

// cp437 is the legacy 8-bit code page applied to entry names and comments
// whose UTF-8 flag is not set.
var cp437 = charmap.CodePage437

// encodeName renders s as the on-wire bytes for a Local File Header or
// Central Directory Header name/comment field: UTF-8 bytes when utf8 is
// true, CP437 otherwise.
func encodeName(s string, utf8 bool) ([]byte, error) {
	if utf8 {
		return []byte(s), nil
	}
	b, err := cp437.NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, wrapError(KindInvalidPath, -1, err, "name %q cannot be represented in CP437", s)
	}
	return b, nil
}

// decodeName is the read-side inverse of encodeName.
func decodeName(b []byte, utf8 bool) (string, error) {
	if utf8 {
		return string(b), nil
	}
	out, err := cp437.NewDecoder().Bytes(b)
	if err != nil {
		return "", wrapError(KindBadSignature, -1, err, "name bytes are not valid CP437")
	}
	return string(out), nil
}
