// ABOUTME: Rule-based classifier separating secret values from plain configuration
// ABOUTME: Applies allow-list, shape, key-hint and entropy rules in a fixed order

package classify

import (
	"math"
	"strings"
	"unicode/utf8"
)

const (
	minSecretLength  = 8
	entropyMinLength = 16
	entropyThreshold = 3.5
	longValueLength  = 20
)

// nonSecretKeys are configuration keys whose values are never secret.
var nonSecretKeys = map[string]struct{}{
	"PORT": {}, "PORTS": {}, "HOST": {}, "HOSTNAME": {}, "DOMAIN": {}, "URL": {},
	"ENVIRONMENT": {}, "ENV": {}, "NODE_ENV": {}, "DEBUG": {}, "LOG_LEVEL": {},
	"LOGLEVEL": {}, "TIMEZONE": {}, "TZ": {}, "PUID": {}, "PGID": {}, "UMASK": {},
	"LANG": {}, "LANGUAGE": {}, "LC_ALL": {}, "PATH": {}, "HOME": {}, "USER": {},
	"UID": {}, "GID": {}, "WORKDIR": {}, "VERSION": {},
}

var urlPrefixes = []string{"http://", "https://", "ftp://", "ws://", "wss://"}

var booleanLiterals = map[string]struct{}{
	"true": {}, "false": {}, "yes": {}, "no": {}, "1": {}, "0": {},
	"enabled": {}, "disabled": {}, "on": {}, "off": {},
}

// secretKeyHints are substrings of an upper-cased key that mark its value as secret.
var secretKeyHints = []string{
	"PASSWORD", "PASSWD", "PWD", "SECRET", "TOKEN", "API_KEY", "APIKEY", "API",
	"KEY", "PRIVATE_KEY", "PRIV_KEY", "AUTH", "CREDENTIAL", "CREDS", "SALT",
	"HASH", "ENCRYPTION_KEY", "ENCRYPT", "SIGNATURE", "CERT", "CERTIFICATE",
	"LICENSE", "SESSION",
}

// IsSensitive reports whether value, stored under key, should be treated as a
// secret. The first matching rule decides.
func IsSensitive(key, value string) bool {
	if value == "" {
		return false
	}
	upperKey := strings.ToUpper(key)
	if _, ok := nonSecretKeys[upperKey]; ok {
		return false
	}
	if hasAnyPrefix(value, urlPrefixes) {
		return false
	}
	if _, ok := booleanLiterals[strings.ToLower(value)]; ok {
		return false
	}
	n := utf8.RuneCountInString(value)
	if n < minSecretLength {
		return false
	}
	if isDigits(value) {
		return false
	}
	if isPath(value) {
		return false
	}
	if strings.Contains(value, "${") || strings.Contains(value, "$(") {
		return false
	}
	for _, hint := range secretKeyHints {
		if strings.Contains(upperKey, hint) {
			return true
		}
	}
	if n >= entropyMinLength && Entropy(value) >= entropyThreshold {
		return true
	}
	return n >= longValueLength
}

// Entropy returns the Shannon entropy of s in bits per character.
func Entropy(s string) float64 {
	if s == "" {
		return 0
	}
	counts := make(map[rune]int)
	for _, r := range s {
		counts[r]++
	}
	n := float64(utf8.RuneCountInString(s))
	var h float64
	for _, c := range counts {
		if c == 0 {
			continue
		}
		p := float64(c) / n
		h -= p * math.Log2(p)
	}
	return h
}

// Partition splits env into values classified as secrets and plain configuration.
func Partition(env map[string]string) (secrets, config map[string]string) {
	secrets = make(map[string]string)
	config = make(map[string]string)
	for k, v := range env {
		if IsSensitive(k, v) {
			secrets[k] = v
		} else {
			config[k] = v
		}
	}
	return secrets, config
}

func hasAnyPrefix(s string, prefixes []string) bool {
	for _, p := range prefixes {
		if strings.HasPrefix(s, p) {
			return true
		}
	}
	return false
}

func isDigits(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

func isPath(s string) bool {
	if !strings.HasPrefix(s, "/") && !strings.HasPrefix(s, "./") && !strings.HasPrefix(s, "../") {
		return false
	}
	return strings.Contains(s, "/")
}
