// Package id implements the CORE's Identifier value (spec §3.1): a tagged
// union of a numeric id and a name string, used uniformly by every lookup
// operation (find a stream/topic/group/user either by its numeric id or by
// its normalized name).
package id

import (
	"strings"
	"unicode"

	"github.com/fluxorio/streamline/pkg/apperr"
)

const (
	minNameLen = 1
	maxNameLen = 255
)

// Kind discriminates the two Identifier variants.
type Kind uint8

const (
	KindNumeric Kind = iota
	KindName
)

// Identifier is a tagged union of {numeric uint32, name string}.
type Identifier struct {
	kind   Kind
	numeric uint32
	name    string
}

// Numeric builds a numeric Identifier.
func Numeric(v uint32) Identifier {
	return Identifier{kind: KindNumeric, numeric: v}
}

// Name builds a name Identifier. The name is normalized (see Normalize)
// before being stored.
func Name(v string) Identifier {
	return Identifier{kind: KindName, name: Normalize(v)}
}

// Kind reports which variant this Identifier holds.
func (i Identifier) Kind() Kind { return i.kind }

// IsNumeric reports whether this Identifier holds a numeric id.
func (i Identifier) IsNumeric() bool { return i.kind == KindNumeric }

// NumericValue returns the numeric id. Only valid when IsNumeric() is true.
func (i Identifier) NumericValue() uint32 { return i.numeric }

// NameValue returns the normalized name. Only valid when IsNumeric() is false.
func (i Identifier) NameValue() string { return i.name }

func (i Identifier) String() string {
	if i.kind == KindNumeric {
		return itoa(i.numeric)
	}
	return i.name
}

func itoa(v uint32) string {
	if v == 0 {
		return "0"
	}
	var buf [10]byte
	pos := len(buf)
	for v > 0 {
		pos--
		buf[pos] = byte('0' + v%10)
		v /= 10
	}
	return string(buf[pos:])
}

// Normalize lowercases a name and replaces whitespace runs with a single dot,
// matching spec §3.1 ("lowercased with whitespace replaced by dots").
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	lastWasSpace := false
	for _, r := range strings.TrimSpace(name) {
		if unicode.IsSpace(r) {
			if !lastWasSpace {
				b.WriteByte('.')
				lastWasSpace = true
			}
			continue
		}
		lastWasSpace = false
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ValidateName checks a normalized name against the spec §3.1 length bound
// (1..=255 UTF-8 bytes) and reports invalidCode on failure.
func ValidateName(name string, invalidCode apperr.Code) error {
	n := len(name)
	if n < minNameLen || n > maxNameLen {
		return apperr.New(invalidCode, "name length must be between 1 and 255 bytes")
	}
	return nil
}
