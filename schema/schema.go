// Package schema derives a stable byte string and a 32-byte BLAKE2b
// content hash for a Go type's layout. The transaction façade (package
// txn) uses this once per scope entry to check a segment's stored
// schema hashes against the caller's type parameters.
package schema

import (
	"fmt"
	"reflect"
	"strings"

	"golang.org/x/crypto/blake2b"
)

// Describe derives a stable, human-diffable field-name/type/offset string
// for T's layout. Two processes compiled differently but agreeing on the
// Go type produce byte-identical output, because it is driven entirely
// by reflect.Type, not by compiler-specific debug info.
func Describe[T any]() string {
	var zero T
	t := reflect.TypeOf(zero)
	var b strings.Builder
	describeType(&b, t)
	return b.String()
}

func describeType(b *strings.Builder, t reflect.Type) {
	if t == nil {
		b.WriteString("empty{}")
		return
	}
	switch t.Kind() {
	case reflect.Struct:
		fmt.Fprintf(b, "struct %s size=%d {", t.Name(), t.Size())
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			fmt.Fprintf(b, "%s:%s@%d;", f.Name, f.Type.String(), f.Offset)
		}
		b.WriteString("}")
	case reflect.Array:
		fmt.Fprintf(b, "[%d]", t.Len())
		describeType(b, t.Elem())
	default:
		fmt.Fprintf(b, "%s", t.String())
	}
}

// Hash returns the 32-byte BLAKE2b-256 hash of Describe[T](). This is the
// value compared against a segment's flexzone_schema_hash /
// datablock_schema_hash at attach time.
func Hash[T any]() [32]byte {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(Describe[T]()))
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Empty is the unit type used as the flex-zone type parameter when a
// segment has no flex zone.
type Empty struct{}
