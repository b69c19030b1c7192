package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// Migrator records a migration request for the running instance. It only
// writes a marker; moving the instance is done by an external operator.
type Migrator interface {
	RequestMigration(targetHost, targetPath string) (markerID string, err error)
}

// Tools exposes a Gateway to the supervised child as MCP tools.
type Tools struct {
	gateway  *Gateway
	migrator Migrator
}

// NewTools creates the control-protocol tool set. migrator may be nil, in
// which case migrate_instance reports an error.
func NewTools(gateway *Gateway, migrator Migrator) *Tools {
	return &Tools{gateway: gateway, migrator: migrator}
}

// NewServer builds an MCP server with every tool registered.
func (t *Tools) NewServer(version string) *server.MCPServer {
	s := server.NewMCPServer(
		"tars-relay",
		version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithInstructions(instructions),
	)
	s.AddTool(t.waitDefinition(), t.HandleWait)
	s.AddTool(t.sendDefinition(), t.HandleSend)
	s.AddTool(t.statusDefinition(), t.HandleStatus)
	s.AddTool(t.migrateDefinition(), t.HandleMigrate)
	return s
}

// HTTPHandler serves the tools over MCP streamable HTTP. Every call runs in
// its own request, and a pending wait ends when its client disconnects; the
// queues are untouched, so a reconnecting child picks up where it left off.
func (t *Tools) HTTPHandler(version string) http.Handler {
	return server.NewStreamableHTTPServer(t.NewServer(version))
}

const instructions = `Relay between you and the chat platform.
Call wait_for_message to receive the next message, reply with send_reply,
then wait again. Channel "primary" is the conversation; "overwatch" carries
evaluator traffic.`

func (t *Tools) waitDefinition() mcp.Tool {
	return mcp.NewTool("wait_for_message",
		mcp.WithDescription("Block until the next chat message arrives on a channel. timeout_seconds=0 waits indefinitely."),
		mcp.WithString("channel_type",
			mcp.Description("Channel kind to wait on"),
			mcp.Enum(string(KindPrimary), string(KindOverwatch)),
			mcp.DefaultString(string(KindPrimary)),
		),
		mcp.WithNumber("timeout_seconds",
			mcp.Description("Seconds to wait before returning {\"timeout\":true}; 0 waits forever"),
			mcp.DefaultNumber(0),
		),
	)
}

func (t *Tools) sendDefinition() mcp.Tool {
	return mcp.NewTool("send_reply",
		mcp.WithDescription("Send a message to the chat destination bound to a channel kind. Long messages are split automatically."),
		mcp.WithString("message", mcp.Required(), mcp.Description("Text to send")),
		mcp.WithString("channel_type",
			mcp.Description("Channel kind to send to"),
			mcp.Enum(string(KindPrimary), string(KindOverwatch)),
			mcp.DefaultString(string(KindPrimary)),
		),
	)
}

func (t *Tools) statusDefinition() mcp.Tool {
	return mcp.NewTool("get_status",
		mcp.WithDescription("Report chat connection state, bound destinations and queue depths."),
	)
}

func (t *Tools) migrateDefinition() mcp.Tool {
	return mcp.NewTool("migrate_instance",
		mcp.WithDescription("Record a request to migrate this instance to another host. Does not perform the migration."),
		mcp.WithString("target_host", mcp.Required(), mcp.Description("Destination host")),
		mcp.WithString("target_path", mcp.Required(), mcp.Description("Destination path on the host")),
	)
}

// HandleWait implements wait_for_message.
func (t *Tools) HandleWait(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := Kind(req.GetString("channel_type", string(KindPrimary)))
	seconds := req.GetFloat("timeout_seconds", 0)
	if seconds < 0 {
		return mcp.NewToolResultError("timeout_seconds must be >= 0"), nil
	}

	res, err := t.gateway.Wait(ctx, kind, time.Duration(seconds*float64(time.Second)))
	switch {
	case errors.Is(err, ErrAlreadyWaiting), errors.Is(err, ErrUnknownKind):
		return mcp.NewToolResultError(err.Error()), nil
	case err != nil:
		return nil, err
	case res.TimedOut:
		return jsonResult(map[string]bool{"timeout": true})
	}
	return jsonResult(res.Message)
}

// HandleSend implements send_reply.
func (t *Tools) HandleSend(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	text, err := req.RequireString("message")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	kind := Kind(req.GetString("channel_type", string(KindPrimary)))

	receipt, err := t.gateway.Send(ctx, kind, text)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return jsonResult(receipt)
}

// HandleStatus implements get_status.
func (t *Tools) HandleStatus(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return jsonResult(t.gateway.Status())
}

// HandleMigrate implements migrate_instance.
func (t *Tools) HandleMigrate(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	host, err := req.RequireString("target_host")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	path, err := req.RequireString("target_path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if t.migrator == nil {
		return mcp.NewToolResultError("migration is not available for this instance"), nil
	}

	id, err := t.migrator.RequestMigration(host, path)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("recording migration: %v", err)), nil
	}
	target := host + ":" + path
	return jsonResult(map[string]string{
		"status":      "pending",
		"target":      target,
		"marker":      id,
		"instruction": fmt.Sprintf("Migration to %s recorded. Finish the current turn and stop; the operator will restart the instance at the target.", target),
	})
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encoding result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
