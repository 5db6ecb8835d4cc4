package util

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/fxamacker/cbor/v2"
)

var fpEnc cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		panic(err)
	}
	fpEnc = em
}

// Canonical is the deterministic encoding of a query. Parameter order
// matters; map parameters are encoded with sorted keys. Nil and empty params
// are the same query.
func Canonical(text string, params []any, limit int) ([]byte, error) {
	if params == nil {
		params = []any{}
	}
	b, err := fpEnc.Marshal([]any{text, params, limit})
	if err != nil {
		return nil, fmt.Errorf("fingerprint params: %w", err)
	}
	return b, nil
}

// Hash renders canonical bytes as 16 hex chars.
func Hash(canon []byte) string {
	var sum [8]byte
	binary.BigEndian.PutUint64(sum[:], xxhash.Sum64(canon))
	return hex.EncodeToString(sum[:])
}

// Fingerprint is Hash of Canonical. Distinct queries may share a fingerprint;
// compare Canonical bytes to tell them apart.
func Fingerprint(text string, params []any, limit int) (string, error) {
	b, err := Canonical(text, params, limit)
	if err != nil {
		return "", err
	}
	return Hash(b), nil
}
