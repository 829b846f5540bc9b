package types

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"k8s.io/apimachinery/pkg/util/json"
)

// Hash returns a content hash of a value, stable across equivalent representations: ObjectIds
// hash as their hex string, dates as their RFC3339 form, sentinels as null and numbers by
// value, with NaN and the infinities as tagged tokens. Hash collisions are not handled.
func Hash(v any) (string, error) {
	b, err := canonicalJSON(v)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}

// canonicalJSON marshals the canonical form of a value; the JSON encoder sorts map keys.
func canonicalJSON(v any) ([]byte, error) {
	c, err := toCanonicalForm(v)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(c)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal value to JSON: %w", err)
	}
	return b, nil
}

func toCanonicalForm(val any) (any, error) {
	switch v := val.(type) {
	case map[string]any:
		result := make(map[string]any, len(v))
		for k, subVal := range v {
			canonical, err := toCanonicalForm(subVal)
			if err != nil {
				return nil, fmt.Errorf("failed to canonicalize map field %q: %w", k, err)
			}
			result[k] = canonical
		}
		return result, nil

	case []any:
		result := make([]any, len(v))
		for i, subVal := range v {
			canonical, err := toCanonicalForm(subVal)
			if err != nil {
				return nil, fmt.Errorf("failed to canonicalize array element at index %d: %w", i, err)
			}
			result[i] = canonical
		}
		return result, nil

	case bson.ObjectID:
		return v.Hex(), nil

	case time.Time:
		return v.UTC().Format(time.RFC3339Nano), nil

	case bson.DateTime:
		return v.Time().UTC().Format(time.RFC3339Nano), nil

	case nil, bool, string:
		return v, nil
	}

	if !Contributes(val) {
		return nil, nil
	}

	if Of(val) == Number {
		n, _ := toNumber(val)
		// integral floats hash like the equal integer
		if f, ok := n.(float64); ok {
			switch {
			case math.IsNaN(f):
				return map[string]any{"$number": "NaN"}, nil
			case math.IsInf(f, 1):
				return map[string]any{"$number": "+Inf"}, nil
			case math.IsInf(f, -1):
				return map[string]any{"$number": "-Inf"}, nil
			case IsInteger(f) && f >= -1<<53 && f <= 1<<53:
				return int64(f), nil
			}
		}
		return n, nil
	}

	if IsList(val) {
		l, err := AsList(val)
		if err != nil {
			return nil, err
		}
		return toCanonicalForm(l)
	}

	return val, nil
}
