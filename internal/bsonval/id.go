// Package bsonval implements the document identifier and value-comparison
// model shared by the storage, index, query, and aggregation layers.
package bsonval

import (
	"encoding/json"
	"fmt"
	"strconv"

	"go.mongodb.org/mongo-driver/bson/primitive"
)

// Tag identifies which variant an ID holds.
type Tag uint8

const (
	// TagInt marks a signed 64-bit integer id.
	TagInt Tag = iota
	// TagStr marks a user-supplied string id.
	TagStr
	// TagObjectID marks a 24-hex-character object-id string.
	TagObjectID
)

// ID is a tagged union over the three document identifier variants the
// store accepts: auto-assigned integers, user-supplied strings, and
// MongoDB-style object ids. Equality never coerces across tags - the
// integer 1 and the string "1" are distinct identities.
type ID struct {
	tag Tag
	i   int64
	s   string
}

// IntID constructs an integer-variant id.
func IntID(v int64) ID { return ID{tag: TagInt, i: v} }

// StrID constructs a string-variant id.
func StrID(v string) ID { return ID{tag: TagStr, s: v} }

// ObjectID constructs an object-id-variant id from a 24-hex-character
// string. It does not validate; use [ParseObjectID] when the value
// crosses a trust boundary.
func ObjectID(hex string) ID { return ID{tag: TagObjectID, s: hex} }

// NewObjectID generates a fresh object id.
func NewObjectID() ID {
	return ID{tag: TagObjectID, s: primitive.NewObjectID().Hex()}
}

// ParseObjectID validates hex as a 24-hex-character object id before
// wrapping it.
func ParseObjectID(hex string) (ID, error) {
	if !primitive.IsValidObjectID(hex) {
		return ID{}, fmt.Errorf("invalid object id %q", hex)
	}

	if _, err := primitive.ObjectIDFromHex(hex); err != nil {
		return ID{}, fmt.Errorf("invalid object id %q: %w", hex, err)
	}

	return ID{tag: TagObjectID, s: hex}, nil
}

// Tag reports which variant the id holds.
func (id ID) Tag() Tag { return id.tag }

// IsZero reports whether id is the zero value (no variant set).
func (id ID) IsZero() bool { return id.tag == TagInt && id.i == 0 && id.s == "" }

// Int returns the integer value and true iff id is an integer variant.
func (id ID) Int() (int64, bool) {
	if id.tag != TagInt {
		return 0, false
	}

	return id.i, true
}

// Str returns the string value and true iff id is a string variant.
func (id ID) Str() (string, bool) {
	if id.tag != TagStr {
		return "", false
	}

	return id.s, true
}

// ObjectIDHex returns the hex value and true iff id is an object-id variant.
func (id ID) ObjectIDHex() (string, bool) {
	if id.tag != TagObjectID {
		return "", false
	}

	return id.s, true
}

// Equal reports whether id and other share both tag and value.
func (id ID) Equal(other ID) bool {
	if id.tag != other.tag {
		return false
	}

	switch id.tag {
	case TagInt:
		return id.i == other.i
	default:
		return id.s == other.s
	}
}

// Compare orders ids first by tag (Int < Str < ObjectID), then by value
// within a tag. Used as the id tie-breaker in secondary-index B-tree
// ordering.
func (id ID) Compare(other ID) int {
	if id.tag != other.tag {
		if id.tag < other.tag {
			return -1
		}

		return 1
	}

	switch id.tag {
	case TagInt:
		switch {
		case id.i < other.i:
			return -1
		case id.i > other.i:
			return 1
		default:
			return 0
		}
	default:
		switch {
		case id.s < other.s:
			return -1
		case id.s > other.s:
			return 1
		default:
			return 0
		}
	}
}

// String renders the id for logging and map keys.
func (id ID) String() string {
	switch id.tag {
	case TagInt:
		return strconv.FormatInt(id.i, 10)
	case TagObjectID:
		return "ObjectId(" + id.s + ")"
	default:
		return id.s
	}
}

// MapKey renders a value suitable for use as a Go map key that never
// collides across tags (unlike String, which would collide int 1 with
// str "1" only by coincidence of formatting, MapKey is tag-prefixed to
// guarantee it never does).
func (id ID) MapKey() string {
	switch id.tag {
	case TagInt:
		return "i:" + strconv.FormatInt(id.i, 10)
	case TagObjectID:
		return "o:" + id.s
	default:
		return "s:" + id.s
	}
}

// ToJSON returns the natural JSON scalar for this id (used when
// serializing a document body, as opposed to the tagged catalog form).
func (id ID) ToJSON() any {
	switch id.tag {
	case TagInt:
		return id.i
	default:
		return id.s
	}
}

// FromJSON classifies a decoded JSON scalar (as produced by
// encoding/json, so numbers arrive as float64) into an ID variant.
// A string that is a valid 24-hex object id becomes an object-id
// variant; any other string becomes a string-variant id.
func FromJSON(v any) (ID, error) {
	switch val := v.(type) {
	case float64:
		return IntID(int64(val)), nil
	case json.Number:
		i, err := val.Int64()
		if err != nil {
			return ID{}, fmt.Errorf("non-integer numeric id %q", val.String())
		}

		return IntID(i), nil
	case int64:
		return IntID(val), nil
	case int:
		return IntID(int64(val)), nil
	case string:
		if primitive.IsValidObjectID(val) {
			return ID{tag: TagObjectID, s: val}, nil
		}

		return StrID(val), nil
	default:
		return ID{}, fmt.Errorf("unsupported id type %T", v)
	}
}

// TypeTag is the single-character tag used in the on-disk catalog
// encoding: "i" for integer, "s" for string, "o" for object id.
func (id ID) TypeTag() string {
	switch id.tag {
	case TagInt:
		return "i"
	case TagObjectID:
		return "o"
	default:
		return "s"
	}
}

// ValueString is the string form of the id's value, as stored in the
// catalog's tagged-tuple encoding (integers are decimal-formatted).
func (id ID) ValueString() string {
	if id.tag == TagInt {
		return strconv.FormatInt(id.i, 10)
	}

	return id.s
}

// IDFromTagged reconstructs an ID from a catalog type_tag/value_str pair.
func IDFromTagged(typeTag, value string) (ID, error) {
	switch typeTag {
	case "i":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return ID{}, fmt.Errorf("invalid integer id %q: %w", value, err)
		}

		return IntID(n), nil
	case "s":
		return StrID(value), nil
	case "o":
		return ID{tag: TagObjectID, s: value}, nil
	default:
		return ID{}, fmt.Errorf("unknown id type tag %q", typeTag)
	}
}
