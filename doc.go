// Package mcp implements the session layer of the Model Context Protocol (MCP), providing a framework
// for integrating Large Language Models (LLMs) with external data sources and tools. This
// implementation follows the official specification from
// https://spec.modelcontextprotocol.io/specification/.
//
// Both peers share one JSON-RPC 2.0 session engine. It correlates outbound requests with their
// responses, dispatches inbound requests and notifications, and enforces the initialize handshake.
// Server wraps it with tool, resource, prompt and completion registries, and hands every handler an
// Exchange bound to the calling client. Client wraps it with typed calls that fail fast when the
// session is not initialized or the server lacks the capability.
//
// Transports are pluggable through ServerTransport, ClientTransport and Conn. The package ships
// StdIO, SSEServer/SSEClient and WebSocketServer/WebSocketClient.
//
// A minimal server over standard input/output:
//
//	srv, err := mcp.NewServer(mcp.Implementation{Name: "demo", Version: "1.0.0"},
//		mcp.NewStdIO(os.Stdin, os.Stdout),
//		mcp.WithTools(mcp.MustTypedTool("echo", "Echoes the message",
//			func(_ context.Context, _ *mcp.Exchange, args struct {
//				Message string `json:"message"`
//			}) (mcp.CallToolResult, error) {
//				return mcp.TextResult(args.Message), nil
//			})))
//	if err != nil {
//		log.Fatal(err)
//	}
//	go srv.Serve()
package mcp
