// Package server implements the MCP stdio transport: a JSON-RPC 2.0 loop
// reading newline-delimited requests from stdin and writing responses to
// stdout. Logging never touches stdout; a closed pipe kills a response,
// not the process.
package server

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/lukacf/mcp-the-force-sub004/internal/catalog"
	"github.com/lukacf/mcp-the-force-sub004/internal/executor"
	"github.com/lukacf/mcp-the-force-sub004/internal/llm"
	. "github.com/lukacf/mcp-the-force-sub004/internal/logging"
	"github.com/lukacf/mcp-the-force-sub004/internal/operations"
	"github.com/lukacf/mcp-the-force-sub004/internal/tools"
)

const protocolVersion = "2024-11-05"

// Version is stamped by the build; the default marks dev builds.
var Version = "dev"

// Server is one MCP stdio server instance.
type Server struct {
	Executor *executor.Executor
	Ops      *operations.Manager

	in  io.Reader
	out *responseWriter

	// inFlight maps request ids to the cancel func of their handler.
	mu       sync.Mutex
	inFlight map[string]context.CancelFunc
	wg       sync.WaitGroup
}

// New builds a server reading from in and writing to out.
func New(exec *executor.Executor, ops *operations.Manager, in io.Reader, out io.Writer) *Server {
	return &Server{
		Executor: exec,
		Ops:      ops,
		in:       in,
		out:      newResponseWriter(out),
		inFlight: make(map[string]context.CancelFunc),
	}
}

// Run reads requests until stdin closes or ctx is cancelled. Each request
// is handled on its own goroutine; Run waits for them to drain before
// returning.
func (s *Server) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	s.installSignalHandlers(ctx, cancel)

	scanner := bufio.NewScanner(s.in)
	scanner.Buffer(make([]byte, 64*1024), 32*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req rpcRequest
		if err := json.Unmarshal(line, &req); err != nil {
			s.out.write(&rpcResponse{
				JSONRPC: "2.0",
				ID:      json.RawMessage("null"),
				Error:   &rpcError{Code: codeParseError, Message: "parse error"},
			})
			continue
		}

		if req.isNotification() {
			s.handleNotification(&req)
			continue
		}

		reqCopy := req
		reqCtx, reqCancel := context.WithCancel(ctx)
		s.mu.Lock()
		s.inFlight[string(req.ID)] = reqCancel
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				reqCancel()
				s.mu.Lock()
				delete(s.inFlight, string(reqCopy.ID))
				s.mu.Unlock()
			}()
			s.out.write(s.handle(reqCtx, &reqCopy))
		}()
	}

	s.wg.Wait()
	if err := scanner.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// installSignalHandlers wires the lifecycle contract: SIGTERM aborts
// in-flight operations but keeps the server alive (the parent agent uses
// it to abandon a single request); SIGINT drains and exits.
func (s *Server) installSignalHandlers(ctx context.Context, cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		defer signal.Stop(sigs)
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigs:
				switch sig {
				case syscall.SIGTERM:
					L_info("server: SIGTERM, cancelling operations", "active", s.Ops.Active())
					s.Ops.CancelAll()
				case syscall.SIGINT:
					L_info("server: SIGINT, shutting down")
					SetShuttingDown()
					s.Ops.CancelAll()
					cancel()
					return
				}
			}
		}
	}()
}

func (s *Server) handleNotification(req *rpcRequest) {
	switch req.Method {
	case "notifications/cancelled":
		var params cancelledParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return
		}
		L_info("server: request cancelled by client", "id", string(params.RequestID))
		s.out.markCancelled(params.RequestID)
		s.mu.Lock()
		cancel, ok := s.inFlight[string(params.RequestID)]
		s.mu.Unlock()
		if ok {
			cancel()
		}
	case "notifications/initialized":
		// Handshake complete; nothing to do.
	default:
		L_trace("server: ignoring notification", "method", req.Method)
	}
}

func (s *Server) handle(ctx context.Context, req *rpcRequest) *rpcResponse {
	resp := &rpcResponse{JSONRPC: "2.0", ID: req.ID}
	switch req.Method {
	case "initialize":
		resp.Result = initializeResult{
			ProtocolVersion: protocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      serverInfo{Name: "mcp-the-force", Version: Version},
		}
	case "ping":
		resp.Result = map[string]any{}
	case "tools/list":
		resp.Result = toolsListResult{Tools: s.toolList()}
	case "tools/call":
		var params toolsCallParams
		if err := json.Unmarshal(req.Params, &params); err != nil {
			resp.Error = &rpcError{Code: codeInvalidParams, Message: "invalid tools/call params"}
			break
		}
		resp.Result = s.callTool(ctx, &params)
	default:
		resp.Error = &rpcError{Code: codeMethodNotFound, Message: "method not found: " + req.Method}
	}
	return resp
}

// toolList enumerates the model tools from the catalog plus the utility
// and memory-search tools.
func (s *Server) toolList() []toolDescriptor {
	var list []toolDescriptor
	for _, m := range catalog.All() {
		list = append(list, toolDescriptor{
			Name:        m.ToolName(),
			Description: tools.DescribeModel(m),
			InputSchema: tools.JSONSchema(tools.SpecsForModel(m)),
		})
	}
	for _, name := range []string{executor.NameCountTokens, executor.NameListSessions, executor.NameDescribeSession} {
		list = append(list, toolDescriptor{
			Name:        name,
			Description: executor.DescribeUtility(name),
			InputSchema: tools.JSONSchema(executor.UtilitySpecs(name)),
		})
	}
	list = append(list, toolDescriptor{
		Name:        tools.NameSearchMemory,
		Description: "Search the project's long-term memory of past conversations and commits.",
		InputSchema: tools.JSONSchema(memorySearchSpecs()),
	})
	return list
}

func memorySearchSpecs() []tools.ParamSpec {
	return []tools.ParamSpec{
		{
			Name: "query", Type: tools.TypeString, Route: tools.RoutePrompt, Required: true,
			Description: "Search query. Separate multiple queries with semicolons.",
		},
		{
			Name: "max_results", Type: tools.TypeInteger, Route: tools.RoutePrompt, Default: 40,
			Description: "Maximum results to return.",
		},
		{
			Name: "store_types", Type: tools.TypeStringArray, Route: tools.RoutePrompt,
			Description: "Subset of {conversation, commit}; defaults to both.",
		},
	}
}

// callTool routes one tools/call to the right handler. Errors become
// ToolErrors; a caller abort becomes an empty content block.
func (s *Server) callTool(ctx context.Context, params *toolsCallParams) toolsCallResult {
	if params.Arguments == nil {
		params.Arguments = map[string]any{}
	}

	var (
		text string
		err  error
	)
	switch params.Name {
	case executor.NameCountTokens, executor.NameListSessions, executor.NameDescribeSession:
		text, err = s.Executor.ExecuteUtility(ctx, params.Name, params.Arguments)
	case tools.NameSearchMemory, tools.NameSearchMemoryAlias:
		runner := &tools.Runner{Memory: s.Executor.Memory, Stores: s.Executor.Stores.Client()}
		text = runner.Run(ctx, tools.NameSearchMemory, params.Arguments)
	default:
		model, ok := modelForTool(params.Name)
		if !ok {
			return toolsCallResult{
				Content: []contentBlock{{Type: "text", Text: "unknown tool: " + params.Name}},
				IsError: true,
			}
		}
		text, err = s.Executor.Execute(ctx, model, params.Arguments)
	}

	if err != nil {
		if executor.IsCancelled(err) || err == llm.ErrCancelled {
			// Cancelled calls yield an empty content block, not an error.
			return toolsCallResult{Content: []contentBlock{}}
		}
		L_error("server: tool call failed", "tool", params.Name, "error", err)
		return toolsCallResult{
			Content: []contentBlock{{Type: "text", Text: err.Error()}},
			IsError: true,
		}
	}
	return toolsCallResult{Content: []contentBlock{{Type: "text", Text: text}}}
}

func modelForTool(name string) (catalog.Model, bool) {
	for _, m := range catalog.All() {
		if m.ToolName() == name {
			return m, true
		}
	}
	return catalog.Model{}, false
}
