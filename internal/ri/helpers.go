package ri

import (
	"strconv"
	"strings"
)

// WildcardValueAsInt extracts the trailing integer from an invoked URI
// matched against a "*"-suffixed resource URI, e.g. resource "/fp/g/*"
// invoked as "/fp/g/17" yields 17. Returns -1 if the resource isn't
// wildcarded or the invoked URI carries no trailing digits.
func WildcardValueAsInt(resourceURI, invokedURI string) int {
	if !strings.HasSuffix(resourceURI, "*") {
		return -1
	}
	prefix := len(resourceURI) - 1
	if len(invokedURI) < prefix {
		return -1
	}
	tail := invokedURI[prefix:]
	v, err := strconv.Atoi(tail)
	if err != nil {
		return -1
	}
	return v
}

// WildcardValueAfterUnderscore extracts the integer following the last
// "_" in the wildcarded tail of invokedURI, e.g. resource "/f/*" invoked
// as "/f/352_1" yields 1 (the functional-block instance number).
// Returns -1 if there is no underscore-suffixed instance.
func WildcardValueAfterUnderscore(resourceURI, invokedURI string) int {
	if !strings.HasSuffix(resourceURI, "*") {
		return -1
	}
	prefix := len(resourceURI) - 1
	if len(invokedURI) < prefix {
		return -1
	}
	tail := invokedURI[prefix:]
	idx := strings.LastIndexByte(tail, '_')
	if idx < 0 {
		return -1
	}
	v, err := strconv.Atoi(tail[idx+1:])
	if err != nil {
		return -1
	}
	return v
}

// WildcardValueAsString extracts the tail of invokedURI matched against
// a wildcarded resourceURI, without requiring it to parse as an
// integer. Used for string-valued wildcards, e.g. serial numbers.
func WildcardValueAsString(resourceURI, invokedURI string) string {
	if !strings.HasSuffix(resourceURI, "*") {
		return ""
	}
	prefix := len(resourceURI) - 1
	if len(invokedURI) < prefix {
		return ""
	}
	return invokedURI[prefix:]
}
