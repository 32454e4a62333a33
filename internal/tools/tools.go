// Package tools connects the reasoning loop to its tool surface.
//
// The production invoker speaks the Model Context Protocol to an
// external tool server; a static in-process invoker backs development
// and tests. Both expose the live catalog and execute calls on behalf
// of a user.
package tools

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/hibiki-ai/hibiki/internal/model"
)

// Invoker is the tool surface consumed by the run engine.
type Invoker interface {
	ListTools(ctx context.Context) ([]model.ToolInfo, error)
	CallTool(ctx context.Context, name string, args map[string]any, ownerID string) (model.ToolResult, error)
}

// Handler executes one static tool call.
type Handler func(ctx context.Context, args map[string]any, ownerID string) (string, error)

type staticTool struct {
	info    model.ToolInfo
	handler Handler
}

// StaticInvoker serves a fixed set of in-process tools. Used in
// development when no MCP server is configured.
type StaticInvoker struct {
	mu    sync.RWMutex
	tools map[string]staticTool
}

// NewStaticInvoker creates an empty static invoker.
func NewStaticInvoker() *StaticInvoker {
	return &StaticInvoker{tools: make(map[string]staticTool)}
}

// Register adds a tool. Re-registering a name replaces the handler.
func (s *StaticInvoker) Register(name, description string, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tools[name] = staticTool{
		info:    model.ToolInfo{Name: name, Description: description},
		handler: handler,
	}
}

// ListTools returns the registered tools sorted by name.
func (s *StaticInvoker) ListTools(context.Context) ([]model.ToolInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	infos := make([]model.ToolInfo, 0, len(s.tools))
	for _, t := range s.tools {
		infos = append(infos, t.info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// CallTool executes a registered tool. Handler failures come back as
// tool-level errors rather than transport errors, so the engine turns
// them into observations instead of aborting the run.
func (s *StaticInvoker) CallTool(ctx context.Context, name string, args map[string]any, ownerID string) (model.ToolResult, error) {
	s.mu.RLock()
	t, ok := s.tools[name]
	s.mu.RUnlock()
	if !ok {
		return model.ToolResult{}, fmt.Errorf("tools: unknown tool %q", name)
	}

	text, err := t.handler(ctx, args, ownerID)
	if err != nil {
		return model.ToolResult{IsError: true, Text: err.Error()}, nil
	}
	return model.ToolResult{Text: text}, nil
}
