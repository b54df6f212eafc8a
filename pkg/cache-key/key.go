package cachekey

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"strings"
)

// Size is the length of a key in characters.
const Size = md5.Size * 2

var ErrorMalformedKey = fmt.Errorf("Malformed cache key")

// ForURL returns the cache key for the given raw URL string.
// The key is the hex encoded MD5 digest of the URL exactly as requested,
// so every process derives the same key for the same URL.
// No normalization is done: "http://a/" and "http://a" are different keys.
func ForURL(rawURL string) string {
	sum := md5.Sum([]byte(rawURL))
	return hex.EncodeToString(sum[:])
}

// Valid checks that the key looks like something ForURL produced.
// Stores use it to skip foreign files and rows.
func Valid(key string) bool {
	if len(key) != Size {
		return false
	}
	_, err := hex.DecodeString(key)
	return err == nil && strings.ToLower(key) == key
}

// Short returns the key prefix used in log lines.
func Short(key string) string {
	if len(key) <= 8 {
		return key
	}
	return key[:8]
}
