package daemonfx

import "encoding/json"

// encodeArgsEnv serializes args for passing through an environment
// variable to a freshly re-exec'd child (§9 "Forking model": no closures
// cross the fork, only registered names and JSON-safe arguments).
func encodeArgsEnv(args []any) string {
	b, err := json.Marshal(args)
	if err != nil {
		return "[]"
	}
	return string(b)
}

// decodeArgsEnv is the inverse of encodeArgsEnv; a malformed or empty
// value decodes to an empty argument list rather than erroring, since the
// child has no way to report a decode failure back except via stderr.
func decodeArgsEnv(raw string) []any {
	if raw == "" {
		return nil
	}
	var args []any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil
	}
	return args
}
