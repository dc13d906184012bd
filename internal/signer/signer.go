// Package signer produces the HMAC request signatures expected by the venue
// for both the REST API and the realtime socket handshake.
package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strconv"
	"time"
)

// DefaultGrace is how far in the future an expiry is placed to absorb clock skew.
const DefaultGrace = 5 * time.Second

// Expires returns the unix-seconds expiry for a request issued at now.
func Expires(now time.Time, grace time.Duration) int64 {
	return now.Add(grace).Unix()
}

// Signature returns hex(HMAC-SHA256(secret, verb + path + expires + body)).
//
// rawURL may be a full URL or a bare path; only its path and query take part
// in the signature.
func Signature(secret, verb, rawURL string, expires int64, body string) string {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil {
		path = u.EscapedPath()
		if u.RawQuery != "" {
			path += "?" + u.RawQuery
		}
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(verb + path + strconv.FormatInt(expires, 10) + body))
	return hex.EncodeToString(mac.Sum(nil))
}
