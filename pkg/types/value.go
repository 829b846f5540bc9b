package types

// sentinel marks a distinguished "no value" result.
type sentinel struct{ name string }

func (s *sentinel) String() string { return s.name }

// MarshalJSON renders sentinels as null so that they never leak into serialized documents.
func (s *sentinel) MarshalJSON() ([]byte, error) { return []byte("null"), nil }

var (
	// Undefined means no value was bound or produced at all, e.g., a missing field.
	Undefined any = &sentinel{name: "undefined"}

	// Empty means an operator legitimately produced no value, e.g., $$REMOVE.
	Empty any = &sentinel{name: "empty"}
)

// IsSet reports whether v carries an actual value: it is neither nil nor a sentinel.
func IsSet(v any) bool { return v != nil && v != Undefined && v != Empty }

// Contributes reports whether v should be taken into account by an accumulator: both Empty and
// Undefined mean "no contribution", nil does contribute.
func Contributes(v any) bool { return v != Undefined && v != Empty }

// Strip converts sentinels to nil and leaves everything else intact.
func Strip(v any) any {
	if v == Undefined || v == Empty {
		return nil
	}
	return v
}
