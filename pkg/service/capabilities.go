package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
)

// Built-in node types.
const (
	TriggerNodeType = "trigger"
	AINodeType      = "ai"
	ToolNodeType    = "tool"
	StorageNodeType = "storage"
	ActionNodeType  = "action"
	ResNodeType     = "res"
)

// Usage is the token accounting an inference provider reports.
type Usage struct {
	PromptTokens     int `json:"promptTokens"`
	CompletionTokens int `json:"completionTokens"`
	TotalTokens      int `json:"totalTokens"`
}

type InferenceRequest struct {
	Model        string
	SystemPrompt string
	Prompt       string
	Temperature  float64
}

type InferenceResponse struct {
	Text  string
	Model string
	Usage Usage
}

// InferenceProvider runs a text generation call.
type InferenceProvider interface {
	Generate(ctx context.Context, req InferenceRequest) (InferenceResponse, error)
}

// ToolServer is a registered external tool endpoint.
type ToolServer struct {
	ID   string
	Name string
	URL  string
}

type ServerRegistry interface {
	Lookup(ctx context.Context, serverID string) (ToolServer, bool, error)
}

// ToolClient invokes a named tool on a server.
type ToolClient interface {
	CallTool(ctx context.Context, server ToolServer, toolName string, args models.JSONMap) (models.JSONMap, error)
}

// ObjectStore writes a blob and returns where it landed.
type ObjectStore interface {
	Put(ctx context.Context, bucket, path string, content []byte, contentType string) (string, error)
}

// Providers are the collaborators behind the built-in capabilities. Any of
// them may be nil; the capability then reports a failure (or, for tools,
// runs simulated).
type Providers struct {
	Inference InferenceProvider
	Servers   ServerRegistry
	Tools     ToolClient
	Objects   ObjectStore
}

// Unconfigured lists the built-in node types that have no backend. ai and
// storage jobs of those types fail; tool jobs run simulated.
func (p Providers) Unconfigured() []string {
	var out []string
	if p.Inference == nil {
		out = append(out, AINodeType)
	}
	if p.Servers == nil || p.Tools == nil {
		out = append(out, ToolNodeType)
	}
	if p.Objects == nil {
		out = append(out, StorageNodeType)
	}
	return out
}

// NewDefaultResolver registers every built-in node type.
func NewDefaultResolver(p Providers) *Resolver {
	r := NewResolver()
	r.Register(TriggerNodeType, CapabilityFunc(triggerPassthrough))
	r.Register(AINodeType, &AICapability{Provider: p.Inference})
	r.Register(ToolNodeType, &ToolCapability{Servers: p.Servers, Client: p.Tools})
	r.Register(StorageNodeType, &StorageCapability{Objects: p.Objects})
	r.Register(ActionNodeType, CapabilityFunc(echoPassthrough))
	r.Register(ResNodeType, CapabilityFunc(echoPassthrough))
	return r
}

// triggerPassthrough returns the payload untouched, or the node config when
// the run was seeded without one.
func triggerPassthrough(_ context.Context, req Request) Result {
	if len(req.Input) > 0 {
		return Succeeded(req.Input.Clone())
	}
	return Succeeded(req.Config.Clone())
}

func echoPassthrough(_ context.Context, req Request) Result {
	out := req.Input.Clone()
	if out == nil {
		out = models.JSONMap{}
	}
	out["echo"] = req.Config.Clone()
	out["nodeId"] = req.Run.NodeID
	return Succeeded(out)
}

func fallbackPassthrough(_ context.Context, req Request) Result {
	out := req.Config.Clone()
	if out == nil {
		out = models.JSONMap{}
	}
	out["fallback"] = true
	out["nodeType"] = req.NodeType
	return Succeeded(out)
}

// AICapability sends the node prompt to an inference provider.
//
// Config keys: prompt, model, systemPrompt, temperature. When the config has
// no prompt the input's "prompt" or "text" field is used.
type AICapability struct {
	Provider InferenceProvider
}

func (c *AICapability) Execute(ctx context.Context, req Request) Result {
	if c.Provider == nil {
		return Failed("ai node %s: no inference provider configured", req.Run.NodeID)
	}
	prompt := stringField(req.Config, "prompt")
	if prompt == "" {
		prompt = stringField(req.Input, "prompt")
	}
	if prompt == "" {
		prompt = stringField(req.Input, "text")
	}
	if prompt == "" {
		return Failed("ai node %s: empty prompt", req.Run.NodeID)
	}
	temp, _ := req.Config["temperature"].(float64)

	resp, err := c.Provider.Generate(ctx, InferenceRequest{
		Model:        stringField(req.Config, "model"),
		SystemPrompt: stringField(req.Config, "systemPrompt"),
		Prompt:       prompt,
		Temperature:  temp,
	})
	if err != nil {
		return Failed("ai node %s: %v", req.Run.NodeID, err)
	}
	return Succeeded(models.JSONMap{
		"text":  resp.Text,
		"model": resp.Model,
		"usage": map[string]interface{}{
			"promptTokens":     resp.Usage.PromptTokens,
			"completionTokens": resp.Usage.CompletionTokens,
			"totalTokens":      resp.Usage.TotalTokens,
		},
	})
}

// ToolCapability calls an external tool. Config keys: toolName (required),
// serverId, arguments. Without arguments the input payload is passed.
//
// A serverId the registry does not know, or no serverId at all, runs the
// tool in simulated mode and still succeeds.
type ToolCapability struct {
	Servers ServerRegistry
	Client  ToolClient
}

func (c *ToolCapability) Execute(ctx context.Context, req Request) Result {
	toolName := stringField(req.Config, "toolName")
	if toolName == "" {
		return Failed("tool node %s: missing toolName", req.Run.NodeID)
	}
	args := req.Input.Clone()
	switch a := req.Config["arguments"].(type) {
	case map[string]interface{}:
		args = models.JSONMap(a).Clone()
	case models.JSONMap:
		args = a.Clone()
	}
	if args == nil {
		args = models.JSONMap{}
	}

	serverID := stringField(req.Config, "serverId")
	var (
		server ToolServer
		found  bool
	)
	if serverID != "" && c.Servers != nil {
		var err error
		server, found, err = c.Servers.Lookup(ctx, serverID)
		if err != nil {
			return Failed("tool node %s: lookup server %s: %v", req.Run.NodeID, serverID, err)
		}
	}
	if !found {
		return Succeeded(simulatedToolOutput(toolName, serverID, args))
	}
	if c.Client == nil {
		return Failed("tool node %s: no tool client configured", req.Run.NodeID)
	}

	out, err := c.Client.CallTool(ctx, server, toolName, args)
	if err != nil {
		return Failed("tool %s on %s: %v", toolName, server.ID, err)
	}
	if out == nil {
		out = models.JSONMap{}
	}
	return Succeeded(out)
}

func simulatedToolOutput(toolName, serverID string, args models.JSONMap) models.JSONMap {
	out := args.Clone()
	out["simulated"] = true
	out["degraded"] = true
	out["toolName"] = toolName
	if serverID != "" {
		out["serverId"] = serverID
	}
	return out
}

// StorageCapability writes the input to an object store. Config keys:
// bucket and path (both required), contentType. The input's "content" field
// is written as-is when it is a string; otherwise the whole input is stored
// as JSON.
type StorageCapability struct {
	Objects ObjectStore
}

func (c *StorageCapability) Execute(ctx context.Context, req Request) Result {
	if c.Objects == nil {
		return Failed("storage node %s: no object store configured", req.Run.NodeID)
	}
	bucket := stringField(req.Config, "bucket")
	path := stringField(req.Config, "path")
	if bucket == "" || path == "" {
		return Failed("storage node %s: bucket and path are required", req.Run.NodeID)
	}

	contentType := stringField(req.Config, "contentType")
	var content []byte
	if s, ok := req.Input["content"].(string); ok {
		content = []byte(s)
		if contentType == "" {
			contentType = "text/plain"
		}
	} else {
		b, err := json.Marshal(req.Input)
		if err != nil {
			return Failed("storage node %s: encode input: %v", req.Run.NodeID, err)
		}
		content = b
		if contentType == "" {
			contentType = "application/json"
		}
	}

	location, err := c.Objects.Put(ctx, bucket, path, content, contentType)
	if err != nil {
		return Failed("storage node %s: put %s/%s: %v", req.Run.NodeID, bucket, path, err)
	}
	return Succeeded(models.JSONMap{
		"bucket":   bucket,
		"path":     path,
		"location": location,
		"bytes":    len(content),
	})
}

func stringField(m models.JSONMap, key string) string {
	if m == nil {
		return ""
	}
	switch v := m[key].(type) {
	case string:
		return v
	case nil:
		return ""
	default:
		return fmt.Sprint(v)
	}
}

// StaticServerRegistry is an in-memory ServerRegistry.
type StaticServerRegistry struct {
	mu      sync.RWMutex
	servers map[string]ToolServer
}

func NewStaticServerRegistry(servers ...ToolServer) *StaticServerRegistry {
	r := &StaticServerRegistry{servers: make(map[string]ToolServer, len(servers))}
	for _, s := range servers {
		r.servers[s.ID] = s
	}
	return r
}

func (r *StaticServerRegistry) Register(s ToolServer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.ID] = s
}

func (r *StaticServerRegistry) Lookup(_ context.Context, serverID string) (ToolServer, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.servers[serverID]
	return s, ok, nil
}
