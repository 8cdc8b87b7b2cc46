// ABOUTME: docker-compose parsing for per-container environment and env_file references
// ABOUTME: Accepts both the mapping and the KEY=VALUE list forms of environment

package envfile

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Compose is the subset of a compose file that carries configuration.
type Compose struct {
	Version  string                     `yaml:"version"`
	Services map[string]*ComposeService `yaml:"services"`
}

// ComposeService is one container definition.
type ComposeService struct {
	Image       string      `yaml:"image"`
	Environment Environment `yaml:"environment"`
	EnvFile     EnvFiles    `yaml:"env_file"`
}

// Environment is a service's inline environment in declaration order.
type Environment []Var

// UnmarshalYAML accepts a mapping (KEY: value) or a sequence ("KEY=value").
// Entries without a value pass through from the host and are skipped.
func (e *Environment) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.MappingNode:
		for i := 0; i+1 < len(node.Content); i += 2 {
			k, v := node.Content[i], node.Content[i+1]
			if v.Kind != yaml.ScalarNode || v.ShortTag() == "!!null" {
				continue
			}
			*e = append(*e, Var{Key: k.Value, Value: v.Value, Line: k.Line})
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			if item.Kind != yaml.ScalarNode {
				return fmt.Errorf("line %d: environment entries must be strings", item.Line)
			}
			key, value, ok := strings.Cut(item.Value, "=")
			if !ok {
				continue
			}
			*e = append(*e, Var{Key: key, Value: value, Line: item.Line})
		}
	case yaml.ScalarNode:
		if node.ShortTag() != "!!null" {
			return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
		}
	default:
		return fmt.Errorf("line %d: environment must be a mapping or a list", node.Line)
	}
	return nil
}

// EnvFiles lists env_file paths, which compose allows as a string, a list of
// strings or a list of {path, required} mappings.
type EnvFiles []string

func (f *EnvFiles) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		if node.ShortTag() != "!!null" && node.Value != "" {
			*f = append(*f, node.Value)
		}
	case yaml.SequenceNode:
		for _, item := range node.Content {
			switch item.Kind {
			case yaml.ScalarNode:
				*f = append(*f, item.Value)
			case yaml.MappingNode:
				var entry struct {
					Path string `yaml:"path"`
				}
				if err := item.Decode(&entry); err != nil {
					return err
				}
				if entry.Path != "" {
					*f = append(*f, entry.Path)
				}
			default:
				return fmt.Errorf("line %d: unsupported env_file entry", item.Line)
			}
		}
	default:
		return fmt.Errorf("line %d: env_file must be a string or a list", node.Line)
	}
	return nil
}

// ParseCompose decodes compose YAML.
func ParseCompose(r io.Reader) (*Compose, error) {
	var c Compose
	if err := yaml.NewDecoder(r).Decode(&c); err != nil {
		if err == io.EOF {
			return &Compose{}, nil
		}
		return nil, fmt.Errorf("parsing compose file: %w", err)
	}
	return &c, nil
}

// ReadComposeFile parses the compose file at path.
func ReadComposeFile(path string) (*Compose, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseCompose(f)
}

// ServiceNames returns the container names, sorted.
func (c *Compose) ServiceNames() []string {
	names := make([]string, 0, len(c.Services))
	for name := range c.Services {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServiceEnvironment returns the inline environment of service, or nil.
func (c *Compose) ServiceEnvironment(service string) Environment {
	svc, ok := c.Services[service]
	if !ok || svc == nil {
		return nil
	}
	return svc.Environment
}

// EnvFileRefs returns the env_file references of every service, deduplicated
// and sorted.
func (c *Compose) EnvFileRefs() []string {
	seen := make(map[string]struct{})
	var refs []string
	for _, svc := range c.Services {
		if svc == nil {
			continue
		}
		for _, ref := range svc.EnvFile {
			if _, ok := seen[ref]; ok {
				continue
			}
			seen[ref] = struct{}{}
			refs = append(refs, ref)
		}
	}
	sort.Strings(refs)
	return refs
}
