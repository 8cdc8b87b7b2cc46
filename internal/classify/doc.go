// Package classify decides whether an environment-style key/value pair is
// secret material or ordinary configuration.
//
// The decision is a fixed, ordered rule list. Rules that prove a value is
// configuration (well-known keys, URLs, booleans, short or numeric values,
// filesystem paths, variable references) run first so that a key name like
// API_URL never promotes a URL to a secret. Key-name hints and value entropy
// run last.
//
// IsSensitive is pure and safe for concurrent use.
package classify
