// ABOUTME: vault_scan_env and vault_scan_compose: approval-gated disclosure of local config files as tokens
// ABOUTME: Phase one reports counts and gitleaks findings only; phase three tokenizes sensitive values

package broker

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/2389/coven-vault/internal/classify"
	"github.com/2389/coven-vault/internal/detect"
	"github.com/2389/coven-vault/internal/envfile"
	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/store"
	"github.com/2389/coven-vault/internal/tokenvault"
)

// maxConfigValueLen bounds non-secret values echoed back to the agent.
const maxConfigValueLen = 50

var composeFileNames = []string{"docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml"}

// ScanRequest is a vault_scan_env or vault_scan_compose call.
type ScanRequest struct {
	Service       string
	Path          string // defaults to the service's directory under the services root
	ApprovalToken string
}

// ScanResult is the response for every phase of both scan tools.
type ScanResult struct {
	*Pending
	Status              string                       `json:"status"`
	Service             string                       `json:"service"`
	File                string                       `json:"file"`
	SecretCount         int                          `json:"secret_count"`
	ConfigCount         int                          `json:"config_count"`
	ServicesWithSecrets int                          `json:"services_with_secrets,omitempty"`
	Findings            []detect.Finding             `json:"gitleaks_findings,omitempty"`
	Tokens              map[string]string            `json:"tokens,omitempty"`
	Config              map[string]string            `json:"config,omitempty"`
	ContainerTokens     map[string]map[string]string `json:"container_tokens,omitempty"`
	ContainerConfig     map[string]map[string]string `json:"container_config,omitempty"`
	EnvFiles            []string                     `json:"env_files,omitempty"`
	Hint                string                       `json:"hint,omitempty"`
}

// scanned is a parsed file with every assignment labelled by container.
// Plain env files use the empty container name.
type scanned struct {
	path    string
	content string
	vars    map[string][]envfile.Var
	order   []string
	refs    []string
}

func (s *scanned) all() []envfile.Var {
	var out []envfile.Var
	for _, c := range s.order {
		out = append(out, s.vars[c]...)
	}
	return out
}

// ScanEnv discloses a service's .env file.
func (b *Broker) ScanEnv(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	return b.scan(ctx, req, ledger.ActionScanEnv)
}

// ScanCompose discloses the inline environment of a compose file.
func (b *Broker) ScanCompose(ctx context.Context, req ScanRequest) (*ScanResult, error) {
	return b.scan(ctx, req, ledger.ActionScanCompose)
}

func (b *Broker) scan(ctx context.Context, req ScanRequest, action ledger.Action) (*ScanResult, error) {
	if err := ValidateServiceName(req.Service); err != nil {
		return nil, err
	}
	path, err := b.scanPath(req, action)
	if err != nil {
		return nil, err
	}
	file, err := b.readScanned(path, action)
	if err != nil {
		return nil, err
	}
	if len(file.all()) == 0 {
		return nil, ErrNoSecretsFound
	}

	if req.ApprovalToken != "" {
		return b.discloseScan(ctx, req, action, file)
	}
	return b.requestScan(ctx, req, action, file)
}

// scanPath picks and confines the file to scan.
func (b *Broker) scanPath(req ScanRequest, action ledger.Action) (string, error) {
	if req.Path != "" {
		return b.paths.ResolveInput(req.Path)
	}
	dir := filepath.Join(b.root, req.Service)
	if action == ledger.ActionScanEnv {
		return b.paths.ResolveInput(filepath.Join(dir, ".env"))
	}
	for _, name := range composeFileNames {
		candidate := filepath.Join(dir, name)
		if _, err := os.Lstat(candidate); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return b.paths.ResolveInput(candidate)
	}
	return "", fmt.Errorf("%w: no compose file in %s", ErrFileNotFound, dir)
}

func (b *Broker) readScanned(path string, action ledger.Action) (*scanned, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	s := &scanned{path: path, content: string(data), vars: make(map[string][]envfile.Var)}

	if action == ledger.ActionScanEnv {
		vars, err := envfile.ParseEnv(strings.NewReader(s.content))
		if err != nil {
			return nil, &ValidationError{Field: "env file", Reason: err.Error()}
		}
		s.vars[""] = vars
		s.order = []string{""}
		return s, nil
	}

	doc, err := envfile.ParseCompose(strings.NewReader(s.content))
	if err != nil {
		return nil, &ValidationError{Field: "compose file", Reason: err.Error()}
	}
	for _, name := range doc.ServiceNames() {
		env := doc.ServiceEnvironment(name)
		if len(env) == 0 {
			continue
		}
		s.vars[name] = env
		s.order = append(s.order, name)
	}
	s.refs = doc.EnvFileRefs()
	return s, nil
}

func displayKey(container, key string) string {
	if container == "" {
		return key
	}
	return container + "/" + key
}

func (b *Broker) requestScan(ctx context.Context, req ScanRequest, action ledger.Action, file *scanned) (*ScanResult, error) {
	var findings []detect.Finding
	if b.detector != nil {
		var err error
		findings, err = b.detector.Scan(file.path, file.content, file.all())
		if err != nil {
			b.logger.Warn("content scan failed", "file", file.path, "error", err)
		}
	}
	flagged := make(map[string]string, len(findings))
	for _, f := range findings {
		if f.Key != "" {
			flagged[f.Key] = "gitleaks:" + f.RuleID
		}
	}

	// Secrets carries key to detector label for the approval page; values
	// stay in the file until the operator approves.
	labels := make(map[string]string)
	secretCount, configCount, containers := 0, 0, 0
	for _, c := range file.order {
		hasSecret := false
		for _, v := range file.vars[c] {
			label, hit := flagged[v.Key]
			if !hit && classify.IsSensitive(v.Key, v.Value) {
				label, hit = "classifier", true
			}
			if !hit {
				configCount++
				continue
			}
			labels[displayKey(c, v.Key)] = label
			secretCount++
			hasSecret = true
		}
		if hasSecret {
			containers++
		}
	}

	warnings := make([]string, 0, len(findings))
	for _, f := range findings {
		warnings = append(warnings, f.Warning())
	}
	meta := map[string]any{"secret_count": secretCount, "config_count": configCount}
	if action == ledger.ActionScanCompose {
		meta["services_with_secrets"] = containers
	}

	op, err := b.ledger.Create(ctx, ledger.CreateRequest{
		Service:      req.Service,
		Action:       action,
		Secrets:      labels,
		Warnings:     warnings,
		ScanFilePath: file.path,
		Metadata:     meta,
	})
	if err != nil {
		return nil, fmt.Errorf("recording pending operation: %w", err)
	}

	tool := "vault_scan_env"
	if action == ledger.ActionScanCompose {
		tool = "vault_scan_compose"
	}
	b.logger.Info("scan awaiting approval", "op_id", op.ID, "service", req.Service, "file", file.path, "secrets", secretCount)

	res := &ScanResult{
		Status:      StatusPending,
		Service:     req.Service,
		File:        file.path,
		SecretCount: secretCount,
		ConfigCount: configCount,
		Findings:    findings,
		Pending: b.pending(op, fmt.Sprintf("Ask the operator to open approval_url and approve, then call %s again "+
			"with the same service and file_path and approval_token set.", tool)),
	}
	if action == ledger.ActionScanCompose {
		res.ServicesWithSecrets = containers
	}
	return res, nil
}

func (b *Broker) discloseScan(ctx context.Context, req ScanRequest, action ledger.Action, file *scanned) (*ScanResult, error) {
	var res *ScanResult
	err := b.execute(ctx, req.ApprovalToken, func(op *ledger.Operation) error {
		if op.Service != req.Service || op.Action != action || op.ScanFilePath != file.path {
			return ErrOperationMismatch
		}

		source := "env_scan"
		if action == ledger.ActionScanCompose {
			source = "compose_scan"
		}
		before := b.tokens.Stats().TokensCreated

		res = &ScanResult{Status: StatusDisclosed, Service: req.Service, File: file.path}
		containers := 0
		for _, c := range file.order {
			tokens, config := make(map[string]string), make(map[string]string)
			for _, v := range file.vars[c] {
				_, flagged := op.Secrets[displayKey(c, v.Key)]
				if !flagged && !classify.IsSensitive(v.Key, v.Value) {
					config[v.Key] = truncate(v.Value, maxConfigValueLen)
					continue
				}
				tok, err := b.tokens.Tokenize(v.Value, tokenvault.Metadata{
					Key:     v.Key,
					Service: req.Service,
					Source:  source,
					File:    file.path,
				})
				if err != nil {
					return err
				}
				tokens[v.Key] = tok
			}
			res.SecretCount += len(tokens)
			res.ConfigCount += len(config)
			if len(tokens) > 0 {
				containers++
			}

			if action == ledger.ActionScanEnv {
				res.Tokens, res.Config = tokens, config
				continue
			}
			if res.ContainerTokens == nil {
				res.ContainerTokens = make(map[string]map[string]string)
				res.ContainerConfig = make(map[string]map[string]string)
			}
			if len(tokens) > 0 {
				res.ContainerTokens[c] = tokens
			}
			if len(config) > 0 {
				res.ContainerConfig[c] = config
			}
		}
		if action == ledger.ActionScanCompose {
			res.ServicesWithSecrets = containers
			res.EnvFiles = file.refs
		}
		b.recorder.TokensMinted(b.tokens.Stats().TokensCreated - before)

		if err := b.ledger.Cleanup(ctx, op.ID); err != nil {
			b.logger.Warn("failed to retire operation", "op_id", op.ID, "error", err)
		}
		if err := b.audit.MarkScanned(ctx, req.Service, []string{file.path}, res.SecretCount); err != nil {
			b.logger.Warn("failed to record migration state", "service", req.Service, "error", err)
		}
		b.appendAudit(ctx, &store.AuditEntry{
			Actor:      actorAgent,
			Action:     store.AuditDiscloseScan,
			TargetType: "file",
			TargetID:   file.path,
			Detail: map[string]any{
				"op_id":        op.ID,
				"service":      req.Service,
				"action":       action.String(),
				"secret_count": res.SecretCount,
				"approved_by":  op.ApprovedByDevice,
			},
		})

		b.logger.Info("scan disclosed", "op_id", op.ID, "service", req.Service, "file", file.path, "tokens", res.SecretCount)
		res.Hint = "Use the tokens with vault_set to store these secrets in the vault."
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
