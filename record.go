package sigsock

// Reserved record methods understood by the session layer.
// Every other method is application-defined and passed through untouched.
const (
	MethodAuthentication       = "AUTHENTICATION"
	MethodAuthenticationOK     = "AUTHENTICATION_OK"
	MethodAuthenticationFailed = "AUTHENTICATION_FAILED"
	MethodAlive                = "ALIVE"
	MethodAliveOK              = "ALIVE_OK"
)

// Record field keys.
const (
	KeyMethod     = "METHOD"
	KeyClientID   = "CLIENT_ID"
	KeyClientType = "CLIENT_TYPE"
	KeyPassword   = "PASSWORD"
)

// Record is one application message: a string-keyed map of JSON-compatible
// values carrying a mandatory METHOD field.
//
// Decoded records hold the encoding/json generic types: numbers arrive as
// float64, arrays as []any and objects as map[string]any. A record built
// with Go ints or structs compares equal to its decoded form only after that
// normalization.
type Record map[string]any

// NewRecord builds a record for method from alternating key/value pairs.
// A trailing key without a value is ignored, as are non-string keys.
func NewRecord(method string, kv ...any) Record {
	r := Record{KeyMethod: method}
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		r[key] = kv[i+1]
	}
	return r
}

// Method returns the METHOD field, or "" when it is missing or not a string.
func (r Record) Method() string {
	return r.String(KeyMethod)
}

// String returns the value stored under key if it is a string.
func (r Record) String(key string) string {
	s, _ := r[key].(string)
	return s
}
