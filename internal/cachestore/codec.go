package cachestore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"hash/crc32"
	"net/http"
)

// ErrCorrupt reports a stored entry whose body no longer matches its checksum.
var ErrCorrupt = errors.New("cachestore: corrupt entry")

func init() {
	gob.Register(http.Header{})
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

// decodeEntry is decodeGob for entries plus the checksum check.
func decodeEntry(b []byte) (Entry, error) {
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		return Entry{}, err
	}
	return ent, ent.verify()
}

// verify compares the body with Hash32. A zero hash means none was recorded.
func (e Entry) verify() error {
	if e.Hash32 == 0 || crc32.ChecksumIEEE(e.Body) == e.Hash32 {
		return nil
	}
	return ErrCorrupt
}
