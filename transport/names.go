// Copyright 2015 Diffeo, Inc.
// This software is released under an MIT/X11 open source license.

package transport

import (
	"encoding/base64"
)

// EncodeName examines a domain or resource name, and if it cannot be
// directly inserted into a URL path as-is, base64 encodes it.  More
// specifically, the encoded name begins with - and uses the URL-safe
// base64 alphabet with no padding.
func EncodeName(name string) string {
	// We must encode empty name, name starting with "-" (because
	// it is otherwise ambiguous), and name that includes anything
	// that's not URL-safe.
	safe := true
	if len(name) == 0 {
		safe = false
	} else if name[0] == '-' {
		safe = false
	} else {
		for i := 0; i < len(name) && safe; i++ {
			c := name[i]
			switch {
			// These characters are "unreserved"
			// in RFC 3986 section 2.3:
			case c == '-', c == '.', c == '_', c == '~',
				(c >= 'a' && c <= 'z'),
				(c >= 'A' && c <= 'Z'),
				(c >= '0' && c <= '9'):
				continue
			default:
				safe = false
			}
		}
	}
	if safe {
		return name
	}
	return "-" + base64.RawURLEncoding.EncodeToString([]byte(name))
}

// DecodeName is the dual of EncodeName.  Returns an error if the
// string begins with - and the remainder of the string isn't actually
// base64 encoded.
func DecodeName(name string) (string, error) {
	if len(name) == 0 || name[0] != '-' {
		// Not base64 encoded, so return as is
		return name, nil
	}
	bytes, err := base64.RawURLEncoding.DecodeString(name[1:])
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}
