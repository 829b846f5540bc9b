// Package util provides small helpers shared across the engine.
package util

import (
	"fmt"

	"k8s.io/apimachinery/pkg/util/json"
)

// Stringify renders a value as JSON for logs and fault reasons, falling back to Go syntax for
// values that cannot be marshaled.
func Stringify(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%#v", v)
	}
	return string(b)
}
