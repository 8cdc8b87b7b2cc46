// ABOUTME: Tool definitions and argument decoding for the vault MCP tools
// ABOUTME: Descriptions tell the agent how the two-call approval flow works

package mcp

import (
	"context"
	"fmt"
	"strconv"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/2389/coven-vault/internal/broker"
)

const approvalHelp = " The first call returns approval_token and approval_url. " +
	"Ask the user to open the URL and approve with their security key, " +
	"then repeat the same call with approval_token."

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("vault_status",
		mcp.WithDescription("Check vault connectivity, the token session and pending approvals."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handle("vault_status", s.status))

	s.mcp.AddTool(mcp.NewTool("vault_list",
		mcp.WithDescription("List services stored in the vault, or the key names of one service. Never returns values."),
		mcp.WithString("service", mcp.Description("Service to list keys for. Omit to list services.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handle("vault_list", s.list))

	s.mcp.AddTool(mcp.NewTool("vault_get",
		mcp.WithDescription("Read a service's secrets. Sensitive values come back as @token- placeholders "+
			"that vault_set and vault_inject resolve; they are valid for this session only."),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service name.")),
		mcp.WithString("key", mcp.Description("Single key to read. Omit for the whole bundle.")),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handle("vault_get", s.get))

	s.mcp.AddTool(mcp.NewTool("vault_set",
		mcp.WithDescription("Create or update secrets for a service. Values may be literals or @token- placeholders."+approvalHelp),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service name.")),
		mcp.WithObject("secrets", mcp.Required(), mcp.Description("Map of key name to value.")),
		mcp.WithBoolean("dry_run", mcp.Description("Preview the change without requesting approval.")),
		mcp.WithString("approval_token", mcp.Description("Token from the first call, after the user approved.")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handle("vault_set", s.set))

	s.mcp.AddTool(mcp.NewTool("vault_scan_env",
		mcp.WithDescription("Scan a service's .env file for secrets to migrate. Sensitive values are returned as tokens "+
			"only after approval."+approvalHelp),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service name.")),
		mcp.WithString("file_path", mcp.Description("Path of the .env file. Defaults to <services root>/<service>/.env.")),
		mcp.WithString("approval_token", mcp.Description("Token from the first call, after the user approved.")),
	), s.handle("vault_scan_env", s.scanEnv))

	s.mcp.AddTool(mcp.NewTool("vault_scan_compose",
		mcp.WithDescription("Scan a service's compose file for inline environment secrets, grouped by container."+approvalHelp),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service name.")),
		mcp.WithString("file_path", mcp.Description("Path of the compose file. Defaults to the first compose file in <services root>/<service>.")),
		mcp.WithString("approval_token", mcp.Description("Token from the first call, after the user approved.")),
	), s.handle("vault_scan_compose", s.scanCompose))

	s.mcp.AddTool(mcp.NewTool("vault_inject",
		mcp.WithDescription("Write a local secrets file. With template, every known @token- in it is resolved; "+
			"without, the service's stored bundle is rendered. The previous file is backed up. Never returns values."),
		mcp.WithString("service", mcp.Required(), mcp.Description("Service name.")),
		mcp.WithString("template", mcp.Description("File content containing @token- placeholders.")),
		mcp.WithString("output", mcp.Description("Destination path. Defaults to the service's .env or config/secrets.yaml.")),
		mcp.WithString("format", mcp.Enum(broker.FormatEnv, broker.FormatYAML), mcp.Description("Rendering of the stored bundle.")),
		mcp.WithDestructiveHintAnnotation(true),
	), s.handle("vault_inject", s.inject))

	s.mcp.AddTool(mcp.NewTool("vault_token_stats",
		mcp.WithDescription("Show the token session: tokens minted, distinct values and time remaining."),
		mcp.WithReadOnlyHintAnnotation(true),
	), s.handle("vault_token_stats", s.tokenStats))
}

func (s *Server) status(ctx context.Context, _ mcp.CallToolRequest) (any, error) {
	return s.broker.Status(ctx), nil
}

func (s *Server) list(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return s.broker.List(ctx, req.GetString("service", ""))
}

func (s *Server) get(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return s.broker.Get(ctx, req.GetString("service", ""), req.GetString("key", ""))
}

func (s *Server) set(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	secrets, err := stringMap(req.GetArguments()["secrets"])
	if err != nil {
		return nil, err
	}
	return s.broker.Set(ctx, broker.SetRequest{
		Service:       req.GetString("service", ""),
		Secrets:       secrets,
		DryRun:        req.GetBool("dry_run", false),
		ApprovalToken: req.GetString("approval_token", ""),
	})
}

func (s *Server) scanEnv(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return s.broker.ScanEnv(ctx, scanRequest(req))
}

func (s *Server) scanCompose(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return s.broker.ScanCompose(ctx, scanRequest(req))
}

func (s *Server) inject(ctx context.Context, req mcp.CallToolRequest) (any, error) {
	return s.broker.Inject(ctx, broker.InjectRequest{
		Service:  req.GetString("service", ""),
		Template: req.GetString("template", ""),
		Output:   req.GetString("output", ""),
		Format:   req.GetString("format", ""),
	})
}

func (s *Server) tokenStats(context.Context, mcp.CallToolRequest) (any, error) {
	return s.broker.TokenStats(), nil
}

func scanRequest(req mcp.CallToolRequest) broker.ScanRequest {
	return broker.ScanRequest{
		Service:       req.GetString("service", ""),
		Path:          req.GetString("file_path", ""),
		ApprovalToken: req.GetString("approval_token", ""),
	}
}

// stringMap decodes the secrets argument. JSON numbers and booleans are
// accepted and stored in their canonical text form.
func stringMap(raw any) (map[string]string, error) {
	if raw == nil {
		return nil, broker.ErrNoSecrets
	}
	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, &broker.ValidationError{Field: "secrets", Reason: "must be an object of key to value"}
	}
	out := make(map[string]string, len(obj))
	for k, v := range obj {
		switch v := v.(type) {
		case string:
			out[k] = v
		case float64:
			out[k] = strconv.FormatFloat(v, 'f', -1, 64)
		case bool:
			out[k] = strconv.FormatBool(v)
		default:
			return nil, &broker.ValidationError{Field: "value of " + k, Reason: fmt.Sprintf("must be a string, got %T", v)}
		}
	}
	return out, nil
}
