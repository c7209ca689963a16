// Package mcp manages MCP server subprocesses declared in config: it
// launches each one, speaks the initialize/tools-list handshake over
// stdio JSON-RPC to validate it actually starts and to catalog its tools,
// then leaves tool execution itself to the sandboxed CLI subprocess. The
// --mcp-config file that subprocess receives (pkg/provider/cli) lists only
// the names of servers unlocked by matched skill triggers, with no launch
// command or arguments. Adapted from the
// teacher's pkg/mcp/client.go process-management and JSON-RPC framing.
package mcp

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"

	"github.com/sipeed/omega/pkg/logger"
)

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *jsonRPCError   `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// ToolDefinition is a tool exposed by an MCP server.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

// ServerConfig declares one MCP server to launch.
type ServerConfig struct {
	Name    string
	Command string
	Args    []string
	Env     map[string]string
}

type server struct {
	cfg    ServerConfig
	cmd    *exec.Cmd
	stdin  interface{ Write([]byte) (int, error) }
	stdout *bufio.Scanner
	mu     sync.Mutex
	nextID atomic.Int64
	tools  []ToolDefinition
}

// Manager supervises a set of MCP server subprocesses.
type Manager struct {
	servers map[string]*server
	mu      sync.RWMutex
}

func NewManager() *Manager {
	return &Manager{servers: make(map[string]*server)}
}

// StartAll launches every configured server, logging (not failing) on
// a server that won't start — a broken skill's MCP server shouldn't take
// down the gateway.
func (m *Manager) StartAll(configs []ServerConfig) {
	for _, cfg := range configs {
		if err := m.Start(cfg); err != nil {
			logger.WarnCF("mcp", "failed to start MCP server", map[string]interface{}{"name": cfg.Name, "error": err.Error()})
		}
	}
}

func (m *Manager) Start(cfg ServerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.servers[cfg.Name]; exists {
		return fmt.Errorf("MCP server %q already running", cfg.Name)
	}

	s := &server{cfg: cfg}
	if err := s.start(); err != nil {
		return err
	}
	if err := s.initialize(); err != nil {
		s.stop()
		return fmt.Errorf("initialize %s: %w", cfg.Name, err)
	}
	tools, err := s.listTools()
	if err != nil {
		s.stop()
		return fmt.Errorf("list tools from %s: %w", cfg.Name, err)
	}
	s.tools = tools
	m.servers[cfg.Name] = s

	logger.InfoCF("mcp", "MCP server started", map[string]interface{}{"name": cfg.Name, "tools": len(tools)})
	return nil
}

// Tools returns the discovered tool catalog for one server.
func (m *Manager) Tools(name string) []ToolDefinition {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if s, ok := m.servers[name]; ok {
		return s.tools
	}
	return nil
}

// ServerNames lists currently-managed server names, for the admin status endpoint.
func (m *Manager) ServerNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.servers))
	for name := range m.servers {
		names = append(names, name)
	}
	return names
}

// Running reports whether name is a currently-managed server.
func (m *Manager) Running(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.servers[name]
	return ok
}

func (m *Manager) StopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.servers {
		s.stop()
		logger.InfoCF("mcp", "MCP server stopped", map[string]interface{}{"name": name})
	}
	m.servers = make(map[string]*server)
}

func (s *server) start() error {
	s.cmd = exec.Command(s.cfg.Command, s.cfg.Args...)
	s.cmd.Env = os.Environ()
	for k, v := range s.cfg.Env {
		s.cmd.Env = append(s.cmd.Env, k+"="+v)
	}

	stdin, err := s.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	s.stdin = stdin

	stdout, err := s.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	s.stdout = bufio.NewScanner(stdout)
	s.stdout.Buffer(make([]byte, 1<<20), 1<<20)

	return s.cmd.Start()
}

func (s *server) stop() {
	if closer, ok := s.stdin.(interface{ Close() error }); ok && closer != nil {
		closer.Close()
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
}

func (s *server) send(req jsonRPCRequest) (*jsonRPCResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if _, err := s.stdin.Write(append(data, '\n')); err != nil {
		return nil, fmt.Errorf("write to MCP server: %w", err)
	}
	if !s.stdout.Scan() {
		if err := s.stdout.Err(); err != nil {
			return nil, fmt.Errorf("read from MCP server: %w", err)
		}
		return nil, fmt.Errorf("MCP server closed connection")
	}
	var resp jsonRPCResponse
	if err := json.Unmarshal(s.stdout.Bytes(), &resp); err != nil {
		return nil, fmt.Errorf("parse MCP response: %w", err)
	}
	return &resp, nil
}

func (s *server) initialize() error {
	id := s.nextID.Add(1)
	resp, err := s.send(jsonRPCRequest{
		JSONRPC: "2.0", ID: id, Method: "initialize",
		Params: map[string]interface{}{
			"protocolVersion": "2024-11-05",
			"capabilities":    map[string]interface{}{},
			"clientInfo":      map[string]interface{}{"name": "omega-gatewayd", "version": "1.0.0"},
		},
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return fmt.Errorf("MCP initialize error: %s", resp.Error.Message)
	}

	notif, _ := json.Marshal(jsonRPCRequest{JSONRPC: "2.0", Method: "notifications/initialized"})
	s.mu.Lock()
	s.stdin.Write(append(notif, '\n'))
	s.mu.Unlock()
	return nil
}

func (s *server) listTools() ([]ToolDefinition, error) {
	id := s.nextID.Add(1)
	resp, err := s.send(jsonRPCRequest{JSONRPC: "2.0", ID: id, Method: "tools/list"})
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("MCP tools/list error: %s", resp.Error.Message)
	}
	var result struct {
		Tools []ToolDefinition `json:"tools"`
	}
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("parse tools list: %w", err)
	}
	return result.Tools, nil
}
