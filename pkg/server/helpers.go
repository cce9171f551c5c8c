package server

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/scoutflo/homelab-mcp-server/pkg/devicestore"
	"github.com/scoutflo/homelab-mcp-server/pkg/mcpproto"
	"github.com/scoutflo/homelab-mcp-server/pkg/sshexec"
	"github.com/scoutflo/homelab-mcp-server/pkg/toolerr"
)

// decodeArgs unmarshals a tool call's raw arguments into dst and returns
// json's decode error unchanged; handlers pass it straight back, so the
// dispatcher reports it as a protocol-level internal error (registry
// schema validation already rejected anything structurally wrong, so a
// failure here means a type the schema allowed but dst can't hold).
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

// asResult converts an error returned by a C1-C6 component into the
// {isError, kind, message, details} tool result shape (spec §4.7/§7).
// Errors that aren't a *toolerr.Error are returned as-is so the
// dispatcher reports them as a protocol-level internal error, never
// silently swallowed.
func asResult(res *mcpproto.CallToolResult, err error) (*mcpproto.CallToolResult, error) {
	if err == nil {
		return res, nil
	}
	if te, ok := toolerr.As(err); ok {
		return mcpproto.ErrorResult(string(te.Kind), te.Message, te.Details), nil
	}
	return nil, err
}

// resolveDevice looks a device up by numeric ID if ref parses as one,
// otherwise by hostname.
func resolveDevice(ctx context.Context, store *devicestore.Store, ref string) (*devicestore.Device, error) {
	if ref == "" {
		return nil, toolerr.New(toolerr.NotFound, "device reference must not be empty")
	}
	if id, err := strconv.ParseInt(ref, 10, 64); err == nil {
		return store.Get(ctx, id, "", "")
	}
	return store.Get(ctx, 0, ref, "")
}

// targetFor builds the SSH target the managed admin key connects to,
// honoring a per-call port override.
func targetFor(device *devicestore.Device, managedUser string, port int) sshexec.Target {
	if port == 0 {
		port = 22
	}
	return sshexec.Target{Host: device.Hostname, Port: port, User: managedUser}
}

func credsFromArgs(kind, password, keyPEM, keyPass string) (*sshexec.Credentials, error) {
	if kind == "" {
		return nil, nil
	}
	switch sshexec.AuthKind(kind) {
	case sshexec.AuthPassword:
		return &sshexec.Credentials{Kind: sshexec.AuthPassword, Password: password}, nil
	case sshexec.AuthKey:
		return &sshexec.Credentials{Kind: sshexec.AuthKey, PrivateKeyPEM: []byte(keyPEM), PrivateKeyPass: keyPass}, nil
	case sshexec.AuthAgent:
		return &sshexec.Credentials{Kind: sshexec.AuthAgent}, nil
	default:
		return nil, fmt.Errorf("unknown auth_kind %q", kind)
	}
}

func schema(body string) json.RawMessage { return json.RawMessage(body) }
