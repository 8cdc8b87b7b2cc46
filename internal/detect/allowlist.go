// ABOUTME: Loads the operator's TOML allowlist of path and content patterns to ignore
// ABOUTME: Patterns are validated up front so a bad file fails at startup

package detect

import (
	"errors"
	"fmt"
	"os"
	"regexp"

	"github.com/BurntSushi/toml"
)

var (
	ErrInvalidTOML  = errors.New("invalid allowlist TOML")
	ErrInvalidRegex = errors.New("invalid allowlist pattern")
)

// Allowlist suppresses findings whose file path or matched content matches.
type Allowlist struct {
	Paths   []*regexp.Regexp
	Regexes []*regexp.Regexp
}

// LoadAllowlist reads an allowlist file of the form
//
//	[allowlist]
//	paths = ['''fixtures/''']
//	regexes = ['''EXAMPLE_[A-Z]+''']
//
// A missing file yields a nil allowlist.
func LoadAllowlist(path string) (*Allowlist, error) {
	if path == "" {
		return nil, nil
	}
	var doc struct {
		Allowlist struct {
			Paths   []string
			Regexes []string
		}
	}
	if _, err := toml.DecodeFile(path, &doc); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}

	compile := func(patterns []string, kind string) ([]*regexp.Regexp, error) {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, p := range patterns {
			re, err := regexp.Compile(p)
			if err != nil {
				return nil, fmt.Errorf("%w: %s pattern %q in %s: %v", ErrInvalidRegex, kind, p, path, err)
			}
			out = append(out, re)
		}
		return out, nil
	}

	paths, err := compile(doc.Allowlist.Paths, "path")
	if err != nil {
		return nil, err
	}
	regexes, err := compile(doc.Allowlist.Regexes, "content")
	if err != nil {
		return nil, err
	}
	return &Allowlist{Paths: paths, Regexes: regexes}, nil
}
