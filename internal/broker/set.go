// ABOUTME: vault_set: approval-gated create or update of a service's secrets in the vault
// ABOUTME: Phase one records the merged payload for the operator; phase three writes exactly that payload

package broker

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sort"

	"github.com/2389/coven-vault/internal/ledger"
	"github.com/2389/coven-vault/internal/store"
	"github.com/2389/coven-vault/internal/vault"
)

// SetRequest is a vault_set call. Secrets values may be plaintext or tokens
// from this session.
type SetRequest struct {
	Service       string
	Secrets       map[string]string
	DryRun        bool
	ApprovalToken string
}

// SetResult is the vault_set response for every phase.
type SetResult struct {
	*Pending
	Status      string            `json:"status,omitempty"`
	Service     string            `json:"service"`
	Action      string            `json:"action"`
	NewKeys     []string          `json:"new_keys,omitempty"`
	UpdatedKeys []string          `json:"updated_keys,omitempty"`
	Warnings    []string          `json:"warnings,omitempty"`
	Preview     map[string]string `json:"preview,omitempty"`
	Version     int               `json:"version,omitempty"`
}

// Set runs one phase of the write protocol: a dry run, a request for
// approval, or the approved write.
func (b *Broker) Set(ctx context.Context, req SetRequest) (*SetResult, error) {
	if err := ValidateServiceName(req.Service); err != nil {
		return nil, err
	}
	if len(req.Secrets) == 0 {
		return nil, ErrNoSecrets
	}
	for k, v := range req.Secrets {
		if err := ValidateKeyName(k); err != nil {
			return nil, err
		}
		if err := ValidateValue(k, v); err != nil {
			return nil, err
		}
	}

	resolved, err := b.tokens.DetokenizeMap(req.Secrets)
	if err != nil {
		return nil, err
	}
	for k, v := range resolved {
		if err := ValidateValue(k, v); err != nil {
			return nil, err
		}
	}

	if req.ApprovalToken != "" && !req.DryRun {
		return b.executeSet(ctx, req, resolved)
	}
	return b.requestSet(ctx, req, resolved)
}

// setPlan is resolved merged over the current bundle.
type setPlan struct {
	action      ledger.Action
	merged      map[string]string
	newKeys     []string
	updatedKeys []string
}

func (b *Broker) plan(ctx context.Context, service string, resolved map[string]string) (*setPlan, error) {
	p := &setPlan{action: ledger.ActionCreate, merged: make(map[string]string)}

	current, err := b.vault.Read(ctx, service)
	switch {
	case errors.Is(err, vault.ErrNotFound):
	case err != nil:
		return nil, err
	default:
		p.action = ledger.ActionUpdate
		maps.Copy(p.merged, current.Data)
	}

	for k, v := range resolved {
		if _, exists := p.merged[k]; exists {
			p.updatedKeys = append(p.updatedKeys, k)
		} else {
			p.newKeys = append(p.newKeys, k)
		}
		p.merged[k] = v
	}
	sort.Strings(p.newKeys)
	sort.Strings(p.updatedKeys)
	return p, nil
}

func (b *Broker) requestSet(ctx context.Context, req SetRequest, resolved map[string]string) (*SetResult, error) {
	p, err := b.plan(ctx, req.Service, resolved)
	if err != nil {
		return nil, err
	}

	var warnings []string
	for _, k := range sortedKeys(resolved) {
		for _, d := range DangerousPatterns(resolved[k]) {
			warnings = append(warnings, fmt.Sprintf("%s: %s", k, d))
		}
	}

	res := &SetResult{
		Service:     req.Service,
		Action:      p.action.String(),
		NewKeys:     p.newKeys,
		UpdatedKeys: p.updatedKeys,
		Warnings:    warnings,
	}

	if req.DryRun {
		res.Status = StatusDryRun
		res.Preview = maps.Clone(req.Secrets)
		return res, nil
	}

	tokensMap := make(map[string]string)
	for k, v := range req.Secrets {
		if v != resolved[k] {
			tokensMap[k] = v
		}
	}

	op, err := b.ledger.Create(ctx, ledger.CreateRequest{
		Service:  req.Service,
		Action:   p.action,
		Secrets:  p.merged,
		Warnings: warnings,
		Metadata: map[string]any{
			"new_keys":     len(p.newKeys),
			"updated_keys": len(p.updatedKeys),
		},
		TokensMap: tokensMap,
	})
	if err != nil {
		return nil, fmt.Errorf("recording pending operation: %w", err)
	}

	b.logger.Info("write awaiting approval", "op_id", op.ID, "service", req.Service, "action", p.action.String())
	res.Status = StatusPending
	res.Pending = b.pending(op, "Ask the operator to open approval_url and approve, then call vault_set again "+
		"with the same service and secrets and approval_token set.")
	return res, nil
}

func (b *Broker) executeSet(ctx context.Context, req SetRequest, resolved map[string]string) (*SetResult, error) {
	var res *SetResult
	err := b.execute(ctx, req.ApprovalToken, func(op *ledger.Operation) error {
		if op.Service != req.Service || op.Action.IsScan() {
			return ErrOperationMismatch
		}

		// Rebuild the payload against the current store so both a changed
		// request and a concurrent change to the bundle are refused.
		p, err := b.plan(ctx, req.Service, resolved)
		if err != nil {
			return err
		}
		if p.action != op.Action || !maps.Equal(p.merged, op.Secrets) {
			return ErrPayloadMismatch
		}

		version, err := b.vault.Write(ctx, req.Service, op.Secrets)
		if err != nil {
			return err
		}

		if err := b.ledger.Cleanup(ctx, op.ID); err != nil {
			b.logger.Warn("failed to retire operation", "op_id", op.ID, "error", err)
		}
		written := sortedKeys(resolved)
		if err := b.audit.MarkMigrated(ctx, req.Service, written, version); err != nil {
			b.logger.Warn("failed to record migration state", "service", req.Service, "error", err)
		}
		b.appendAudit(ctx, &store.AuditEntry{
			Actor:      actorAgent,
			Action:     store.AuditWriteSecrets,
			TargetType: "service",
			TargetID:   req.Service,
			Detail: map[string]any{
				"op_id":       op.ID,
				"action":      op.Action.String(),
				"keys":        written,
				"version":     version,
				"approved_by": op.ApprovedByDevice,
			},
		})

		b.logger.Info("secrets written", "op_id", op.ID, "service", req.Service, "keys", len(written), "version", version)
		res = &SetResult{
			Status:      StatusWritten,
			Service:     req.Service,
			Action:      op.Action.String(),
			NewKeys:     p.newKeys,
			UpdatedKeys: p.updatedKeys,
			Version:     version,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return res, nil
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
