// ABOUTME: vault_inject: writes a local secrets file from a tokenized template or the stored bundle
// ABOUTME: Values are resolved inside the broker and never returned; the previous file is backed up first

package broker

import (
	"context"
	"fmt"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/2389/coven-vault/internal/envfile"
	"github.com/2389/coven-vault/internal/store"
	"github.com/2389/coven-vault/internal/tokenvault"
)

// Output formats for Inject.
const (
	FormatEnv  = "env"
	FormatYAML = "yaml"
)

// InjectRequest is a vault_inject call.
type InjectRequest struct {
	Service string
	// Template, when set, is written with every token of this session
	// resolved. Otherwise the service's bundle is rendered.
	Template string
	Output   string
	Format   string
}

// InjectResult is the vault_inject response. It never carries values.
type InjectResult struct {
	Service        string   `json:"service"`
	Path           string   `json:"path"`
	Backup         string   `json:"backup,omitempty"`
	Format         string   `json:"format"`
	Keys           []string `json:"keys,omitempty"`
	TokensResolved int      `json:"tokens_resolved,omitempty"`
	Unresolved     []string `json:"unresolved_tokens,omitempty"`
}

// Inject writes the secrets file for service.
func (b *Broker) Inject(ctx context.Context, req InjectRequest) (*InjectResult, error) {
	if err := ValidateServiceName(req.Service); err != nil {
		return nil, err
	}
	format := req.Format
	switch format {
	case "":
		format = FormatEnv
	case FormatEnv, FormatYAML:
	default:
		return nil, &ValidationError{Field: "format", Reason: fmt.Sprintf("%q must be env or yaml", format)}
	}

	output := req.Output
	if output == "" {
		output = filepath.Join(b.root, req.Service, ".env")
		if format == FormatYAML {
			output = filepath.Join(b.root, req.Service, "config", "secrets.yaml")
		}
	}
	path, err := b.paths.ResolveOutput(output)
	if err != nil {
		return nil, err
	}

	res := &InjectResult{Service: req.Service, Path: path, Format: format}
	var content string
	if req.Template != "" {
		if len(req.Template) > MaxFileSize {
			return nil, &ValidationError{Field: "template", Reason: "larger than 5 MiB"}
		}
		content, err = b.tokens.DetokenizeText(req.Template)
		if err != nil {
			return nil, err
		}
		res.Unresolved = tokenvault.FindTokens(content)
		res.TokensResolved = len(tokenvault.FindTokens(req.Template)) - len(res.Unresolved)
	} else {
		bundle, err := b.vault.Read(ctx, req.Service)
		if err != nil {
			return nil, err
		}
		res.Keys = bundle.Keys()
		if format == FormatYAML {
			out, err := yaml.Marshal(bundle.Data)
			if err != nil {
				return nil, fmt.Errorf("rendering yaml: %w", err)
			}
			content = string(out)
		} else if content, err = envfile.Render(bundle.Data); err != nil {
			return nil, err
		}
	}

	backup, err := envfile.Backup(path, b.now())
	if err != nil {
		return nil, fmt.Errorf("backing up %s: %w", path, err)
	}
	res.Backup = backup
	if err := envfile.WriteSecretFile(path, []byte(content)); err != nil {
		return nil, fmt.Errorf("writing %s: %w", path, err)
	}

	b.appendAudit(ctx, &store.AuditEntry{
		Actor:      actorAgent,
		Action:     store.AuditInjectFile,
		TargetType: "file",
		TargetID:   path,
		Detail: map[string]any{
			"service":         req.Service,
			"format":          format,
			"keys":            res.Keys,
			"tokens_resolved": res.TokensResolved,
			"backup":          backup,
		},
	})
	b.logger.Info("secrets file written", "service", req.Service, "path", path, "backup", backup)
	return res, nil
}
