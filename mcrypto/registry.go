package mcrypto

import (
	"bytes"
	"fmt"
)

// registryPrefixSize is the fixed width of the type prefix
// prepended to marshaled public keys.
const registryPrefixSize = 8

// Registry maps short type names to public key constructors,
// so that public keys of differing types can be round-tripped
// through a single byte slice representation.
//
// The zero value is ready to use.
type Registry struct {
	byPrefix map[[registryPrefixSize]byte]func([]byte) (PubKey, error)
	byType   map[string][registryPrefixSize]byte
}

// Register associates name with the given unmarshal function.
// The instance argument is only used to derive the concrete type
// for Marshal lookups.
//
// Register panics if name exceeds the fixed prefix width
// or was already registered.
func (r *Registry) Register(name string, instance PubKey, unmarshal func([]byte) (PubKey, error)) {
	if len(name) > registryPrefixSize {
		panic(fmt.Errorf("public key type name %q longer than %d bytes", name, registryPrefixSize))
	}

	var prefix [registryPrefixSize]byte
	copy(prefix[:], name)

	if r.byPrefix == nil {
		r.byPrefix = make(map[[registryPrefixSize]byte]func([]byte) (PubKey, error))
		r.byType = make(map[string][registryPrefixSize]byte)
	}

	if _, ok := r.byPrefix[prefix]; ok {
		panic(fmt.Errorf("public key type %q registered twice", name))
	}

	r.byPrefix[prefix] = unmarshal
	r.byType[typeName(instance)] = prefix
}

// Marshal returns the prefixed byte representation of k.
// The key's concrete type must have been registered first.
func (r *Registry) Marshal(k PubKey) []byte {
	prefix, ok := r.byType[typeName(k)]
	if !ok {
		panic(fmt.Errorf("public key type %T not registered", k))
	}

	b := k.PubKeyBytes()
	out := make([]byte, registryPrefixSize+len(b))
	copy(out, prefix[:])
	copy(out[registryPrefixSize:], b)
	return out
}

// Unmarshal decodes a byte slice previously produced by Marshal.
func (r *Registry) Unmarshal(b []byte) (PubKey, error) {
	if len(b) < registryPrefixSize {
		return nil, fmt.Errorf("marshaled public key too short: %d bytes", len(b))
	}

	var prefix [registryPrefixSize]byte
	copy(prefix[:], b[:registryPrefixSize])

	unmarshal, ok := r.byPrefix[prefix]
	if !ok {
		name := string(bytes.TrimRight(prefix[:], "\x00"))
		return nil, fmt.Errorf("no registered public key type for prefix %q", name)
	}

	return unmarshal(b[registryPrefixSize:])
}

func typeName(k PubKey) string {
	return fmt.Sprintf("%T", k)
}
