package codec

import "fmt"

// Limit wraps another codec and refuses to decode snapshots larger than
// MaxDecode bytes. Useful when the provider is shared (Redis) and may hold
// foreign or oversized values. MaxDecode <= 0 disables the check.
type Limit[V any] struct {
	Inner     Codec[V]
	MaxDecode int
}

func (c Limit[V]) Encode(v V) ([]byte, error) { return c.Inner.Encode(v) }

func (c Limit[V]) Decode(b []byte) (V, error) {
	if c.MaxDecode > 0 && len(b) > c.MaxDecode {
		var zero V
		return zero, fmt.Errorf("codec: snapshot too large: %d > %d", len(b), c.MaxDecode)
	}
	return c.Inner.Decode(b)
}
