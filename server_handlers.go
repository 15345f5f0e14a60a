package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
)

// handlerTables builds the method tables once, from the declared capabilities. A method whose
// capability is not declared has no handler and is answered with "method not found".
func (s *Server) handlerTables() (map[string]serverRequestHandler, map[string]serverNotificationHandler) {
	requests := make(map[string]serverRequestHandler)

	if s.capabilities.Tools != nil {
		requests[MethodToolsList] = s.handleListTools
		requests[MethodToolsCall] = s.handleCallTool
	}
	if s.capabilities.Resources != nil {
		requests[MethodResourcesList] = s.handleListResources
		requests[MethodResourcesRead] = s.handleReadResource
		requests[MethodResourcesTemplatesList] = s.handleListResourceTemplates
		if s.capabilities.Resources.Subscribe {
			requests[MethodResourcesSubscribe] = s.handleSubscribe
			requests[MethodResourcesUnsubscribe] = s.handleUnsubscribe
		}
	}
	if s.capabilities.Prompts != nil {
		requests[MethodPromptsList] = s.handleListPrompts
		requests[MethodPromptsGet] = s.handleGetPrompt
	}
	if s.capabilities.Logging != nil {
		requests[MethodLoggingSetLevel] = s.handleSetLevel
	}
	if s.capabilities.Completions != nil {
		requests[MethodCompletionComplete] = s.handleComplete
	}

	notifications := map[string]serverNotificationHandler{
		MethodNotificationsRootsListChanged: s.handleRootsListChanged,
	}

	return requests, notifications
}

func (s *Server) handleListTools(_ context.Context, ss *ServerSession, _ *Exchange, params json.RawMessage) (
	any, error,
) {
	var req PaginatedRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	p, err := paginate(s.ListTools(), req.Cursor, s.pageSize)
	if err != nil {
		return nil, invalidParamsError(err)
	}
	return ListToolsResult{Tools: p.items, NextCursor: p.nextCursor}, nil
}

func (s *Server) handleCallTool(ctx context.Context, ss *ServerSession, ex *Exchange, params json.RawMessage) (
	any, error,
) {
	var req CallToolRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	spec, ok := s.tools.get(req.Name)
	if !ok {
		return nil, validationErrorf("Tool not found: %s", req.Name)
	}
	return spec.Handler(ctx, ex, req)
}

func (s *Server) handleListResources(_ context.Context, ss *ServerSession, _ *Exchange, params json.RawMessage) (
	any, error,
) {
	var req PaginatedRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	p, err := paginate(s.ListResources(), req.Cursor, s.pageSize)
	if err != nil {
		return nil, invalidParamsError(err)
	}
	return ListResourcesResult{Resources: p.items, NextCursor: p.nextCursor}, nil
}

func (s *Server) handleListResourceTemplates(
	_ context.Context,
	ss *ServerSession,
	_ *Exchange,
	params json.RawMessage,
) (any, error) {
	var req PaginatedRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	p, err := paginate(s.ListResourceTemplates(), req.Cursor, s.pageSize)
	if err != nil {
		return nil, invalidParamsError(err)
	}
	return ListResourceTemplatesResult{ResourceTemplates: p.items, NextCursor: p.nextCursor}, nil
}

func (s *Server) handleReadResource(ctx context.Context, ss *ServerSession, ex *Exchange, params json.RawMessage) (
	any, error,
) {
	var req ReadResourceRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	spec, vars, ok := s.matchResource(req.URI)
	if !ok {
		return nil, validationErrorf("Resource not found: %s", req.URI)
	}
	return spec.Handler(ctx, ex, req, vars)
}

// matchResource returns the first registered resource, in registration order, serving uri.
func (s *Server) matchResource(uri string) (ResourceSpec, map[string]string, bool) {
	for _, spec := range s.resources.values() {
		if vars, ok := spec.match(uri); ok {
			return spec, vars, true
		}
	}
	return ResourceSpec{}, nil, false
}

func (s *Server) handleSubscribe(_ context.Context, ss *ServerSession, _ *Exchange, params json.RawMessage) (
	any, error,
) {
	var req SubscribeRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	if _, _, ok := s.matchResource(req.URI); !ok {
		return nil, validationErrorf("Resource not found: %s", req.URI)
	}
	ss.subscribe(req.URI)
	return nil, nil
}

func (s *Server) handleUnsubscribe(_ context.Context, ss *ServerSession, _ *Exchange, params json.RawMessage) (
	any, error,
) {
	var req SubscribeRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	ss.unsubscribe(req.URI)
	return nil, nil
}

func (s *Server) handleListPrompts(_ context.Context, ss *ServerSession, _ *Exchange, params json.RawMessage) (
	any, error,
) {
	var req PaginatedRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	p, err := paginate(s.ListPrompts(), req.Cursor, s.pageSize)
	if err != nil {
		return nil, invalidParamsError(err)
	}
	return ListPromptsResult{Prompts: p.items, NextCursor: p.nextCursor}, nil
}

func (s *Server) handleGetPrompt(ctx context.Context, ss *ServerSession, ex *Exchange, params json.RawMessage) (
	any, error,
) {
	var req GetPromptRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	spec, ok := s.prompts.get(req.Name)
	if !ok {
		return nil, validationErrorf("Prompt not found: %s", req.Name)
	}
	return spec.Handler(ctx, ex, req)
}

func (s *Server) handleSetLevel(_ context.Context, ss *ServerSession, ex *Exchange, params json.RawMessage) (
	any, error,
) {
	var req SetLevelRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}
	ex.SetMinLoggingLevel(req.Level)
	ss.sess.logger.Debug("client log level changed", slog.String("level", req.Level.String()))
	return nil, nil
}

func (s *Server) handleComplete(ctx context.Context, ss *ServerSession, ex *Exchange, params json.RawMessage) (
	any, error,
) {
	var req CompleteRequest
	if err := ss.sess.convert(params, &req); err != nil {
		return nil, err
	}

	switch req.Ref.Type {
	case CompletionRefPrompt:
		spec, ok := s.prompts.get(req.Ref.Name)
		if !ok {
			return nil, validationErrorf("Prompt not found: %s", req.Ref.Name)
		}
		declared := slices.ContainsFunc(spec.Prompt.Arguments, func(arg PromptArgument) bool {
			return arg.Name == req.Argument.Name
		})
		if !declared {
			return nil, validationErrorf("Argument not found: %s", req.Argument.Name)
		}
	case CompletionRefResource:
		spec, ok := s.resources.get(req.Ref.URI)
		if !ok {
			return nil, validationErrorf("Resource not found: %s", req.Ref.URI)
		}
		if !slices.Contains(spec.variables(), req.Argument.Name) {
			return nil, validationErrorf("Argument not found: %s", req.Argument.Name)
		}
	default:
		return nil, &ProtocolError{
			Code:    ErrorCodeInvalidParams,
			Message: fmt.Sprintf("invalid completion reference type %q", req.Ref.Type),
		}
	}

	spec, ok := s.completions.get(req.Ref.key())
	if !ok {
		return nil, validationErrorf("completion specification not found: %s", req.Ref)
	}
	return spec.Handler(ctx, ex, req)
}

func (s *Server) handleRootsListChanged(ctx context.Context, ex *Exchange, _ json.RawMessage) error {
	result, err := ex.ListRoots(ctx, "")
	if err != nil {
		return fmt.Errorf("failed to list roots after change: %w", err)
	}
	roots := result.Roots
	seen := make(map[string]struct{})
	for result.NextCursor != "" {
		cursor := result.NextCursor
		if _, ok := seen[cursor]; ok {
			return fmt.Errorf("failed to list roots after change: cursor %q repeated", cursor)
		}
		seen[cursor] = struct{}{}
		if result, err = ex.ListRoots(ctx, cursor); err != nil {
			return fmt.Errorf("failed to list roots after change: %w", err)
		}
		roots = append(roots, result.Roots...)
	}

	if len(s.rootsChangeHandlers) == 0 {
		s.logger.Warn("roots list changed notification, but no handlers provided",
			slog.String("sessionID", ex.SessionID()),
			slog.Int("roots", len(roots)))
		return nil
	}

	for _, handler := range s.rootsChangeHandlers {
		if err := handler(ctx, ex, roots); err != nil {
			s.logger.Error("roots change handler failed",
				slog.String("sessionID", ex.SessionID()),
				slog.String("err", err.Error()))
		}
	}
	return nil
}
