package engine

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"
	"github.com/maxpert/tidemark/hlc"
)

// Key layout
//
//	d/{escaped user key}{^commit_ts}   committed version
//	l/{escaped user key}{start_ts}     open lock
//	m/applied/{region_id}              applied index, term and ts
//
// User keys are escaped so that encoded keys sort like the raw keys and no
// encoded key is a prefix of another: 0x00 becomes 0x00 0xff and the key
// ends with 0x00 0x01. Versions of one key sort newest first.
const (
	prefixData    = "d/"
	prefixLock    = "l/"
	prefixApplied = "m/applied/"
)

const (
	escapeByte   = 0x00
	escapedZero  = 0xff
	terminator   = 0x01
	timestampLen = 8
)

var errBadKey = errors.New("malformed engine key")

func appendEscaped(dst, key []byte) []byte {
	for _, b := range key {
		if b == escapeByte {
			dst = append(dst, escapeByte, escapedZero)
			continue
		}
		dst = append(dst, b)
	}
	return append(dst, escapeByte, terminator)
}

// decodeEscaped returns the user key and the rest of buf after the terminator
func decodeEscaped(buf []byte) ([]byte, []byte, error) {
	out := make([]byte, 0, len(buf))
	for i := 0; i < len(buf); i++ {
		b := buf[i]
		if b != escapeByte {
			out = append(out, b)
			continue
		}
		if i+1 >= len(buf) {
			return nil, nil, errBadKey
		}
		switch buf[i+1] {
		case escapedZero:
			out = append(out, escapeByte)
			i++
		case terminator:
			return out, buf[i+2:], nil
		default:
			return nil, nil, errBadKey
		}
	}
	return nil, nil, errBadKey
}

func dataKeyPrefix(key []byte) []byte {
	return appendEscaped([]byte(prefixData), key)
}

func dataKey(key []byte, commitTS hlc.Timestamp) []byte {
	k := dataKeyPrefix(key)
	return binary.BigEndian.AppendUint64(k, ^uint64(commitTS))
}

func decodeDataKey(raw []byte) ([]byte, hlc.Timestamp, error) {
	if !bytes.HasPrefix(raw, []byte(prefixData)) {
		return nil, 0, errBadKey
	}
	key, rest, err := decodeEscaped(raw[len(prefixData):])
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != timestampLen {
		return nil, 0, errBadKey
	}
	return key, hlc.Timestamp(^binary.BigEndian.Uint64(rest)), nil
}

func lockKey(key []byte, startTS hlc.Timestamp) []byte {
	k := appendEscaped([]byte(prefixLock), key)
	return binary.BigEndian.AppendUint64(k, uint64(startTS))
}

func decodeLockKey(raw []byte) ([]byte, hlc.Timestamp, error) {
	if !bytes.HasPrefix(raw, []byte(prefixLock)) {
		return nil, 0, errBadKey
	}
	key, rest, err := decodeEscaped(raw[len(prefixLock):])
	if err != nil {
		return nil, 0, err
	}
	if len(rest) != timestampLen {
		return nil, 0, errBadKey
	}
	return key, hlc.Timestamp(binary.BigEndian.Uint64(rest)), nil
}

func appliedKey(regionID uint64) []byte {
	return binary.BigEndian.AppendUint64([]byte(prefixApplied), regionID)
}

// rangeBounds returns the encoded [lower, upper) bounds covering user keys
// in [start, end) under prefix. An empty end means the rest of the prefix.
func rangeBounds(prefix string, start, end []byte) ([]byte, []byte) {
	lower := appendEscaped([]byte(prefix), start)
	if len(start) == 0 {
		lower = []byte(prefix)
	}
	if len(end) == 0 {
		return lower, prefixUpperBound([]byte(prefix))
	}
	return lower, appendEscaped([]byte(prefix), end)
}

// prefixUpperBound returns the smallest key greater than every key with the
// given prefix
func prefixUpperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
