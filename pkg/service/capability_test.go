package service_test

import (
	"context"
	"testing"

	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/service"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInference struct {
	got  service.InferenceRequest
	resp service.InferenceResponse
	err  error
}

func (f *fakeInference) Generate(ctx context.Context, req service.InferenceRequest) (service.InferenceResponse, error) {
	f.got = req
	return f.resp, f.err
}

type fakeToolClient struct {
	calls []string
	out   models.JSONMap
	err   error
}

func (f *fakeToolClient) CallTool(ctx context.Context, server service.ToolServer, toolName string, args models.JSONMap) (models.JSONMap, error) {
	f.calls = append(f.calls, server.ID+"/"+toolName)
	return f.out, f.err
}

type fakeObjects struct {
	bucket, path, contentType string
	content                   []byte
}

func (f *fakeObjects) Put(ctx context.Context, bucket, path string, content []byte, contentType string) (string, error) {
	f.bucket, f.path, f.content, f.contentType = bucket, path, content, contentType
	return "mem://" + bucket + "/" + path, nil
}

func execute(r *service.Resolver, nodeType string, config, input models.JSONMap) service.Result {
	return r.Execute(context.Background(), service.Request{
		NodeType: nodeType,
		Config:   config,
		Input:    input,
		Run:      service.RunContext{NodeID: "n", Attempt: 1},
	})
}

func TestResolver(t *testing.T) {
	t.Run("Registered types", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{})
		assert.Equal(t, []string{"action", "ai", "res", "storage", "tool", "trigger"}, r.Types())
	})

	t.Run("Unknown type falls back", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{})
		res := execute(r, "mystery", models.JSONMap{"label": "x"}, models.JSONMap{"ignored": true})
		require.True(t, res.Success)
		assert.Equal(t, true, res.Data["fallback"])
		assert.Equal(t, "mystery", res.Data["nodeType"])
		assert.Equal(t, "x", res.Data["label"])
		assert.NotContains(t, res.Data, "ignored")
	})

	t.Run("Panic becomes failure", func(t *testing.T) {
		r := service.NewResolver()
		r.Register("boom", service.CapabilityFunc(func(ctx context.Context, req service.Request) service.Result {
			panic("kaboom")
		}))
		res := execute(r, "boom", nil, nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "kaboom")
	})

	t.Run("Failure without message gets one", func(t *testing.T) {
		r := service.NewResolver()
		r.Register("silent", service.CapabilityFunc(func(ctx context.Context, req service.Request) service.Result {
			return service.Result{}
		}))
		res := execute(r, "silent", nil, nil)
		assert.False(t, res.Success)
		assert.NotEmpty(t, res.Error)
	})

	t.Run("Custom fallback", func(t *testing.T) {
		r := service.NewResolver()
		r.SetFallback(service.CapabilityFunc(func(ctx context.Context, req service.Request) service.Result {
			return service.Failed("unsupported %s", req.NodeType)
		}))
		res := execute(r, "mystery", nil, nil)
		assert.False(t, res.Success)
		assert.Equal(t, "unsupported mystery", res.Error)
	})
}

func TestTriggerCapability(t *testing.T) {
	r := service.NewDefaultResolver(service.Providers{})

	res := execute(r, service.TriggerNodeType, models.JSONMap{"cfg": 1}, models.JSONMap{"input": "x"})
	require.True(t, res.Success)
	assert.Equal(t, models.JSONMap{"input": "x"}, res.Data)

	res = execute(r, service.TriggerNodeType, models.JSONMap{"cfg": 1}, nil)
	require.True(t, res.Success)
	assert.Equal(t, models.JSONMap{"cfg": 1}, res.Data)

	res = execute(r, service.TriggerNodeType, nil, nil)
	require.True(t, res.Success)
	assert.NotNil(t, res.Data)
}

func TestEchoCapability(t *testing.T) {
	r := service.NewDefaultResolver(service.Providers{})
	for _, typ := range []string{service.ActionNodeType, service.ResNodeType} {
		res := execute(r, typ, models.JSONMap{"label": "static"}, models.JSONMap{"a": 1})
		require.True(t, res.Success, typ)
		assert.Equal(t, 1, res.Data["a"])
		assert.Equal(t, models.JSONMap{"label": "static"}, res.Data["echo"])
		assert.Equal(t, "n", res.Data["nodeId"])
	}
}

func TestAICapability(t *testing.T) {
	t.Run("No provider fails", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{})
		res := execute(r, service.AINodeType, models.JSONMap{"prompt": "hi"}, nil)
		assert.False(t, res.Success)
	})

	t.Run("Success returns text and usage", func(t *testing.T) {
		p := &fakeInference{resp: service.InferenceResponse{
			Text: "hello", Model: "m1", Usage: service.Usage{PromptTokens: 2, CompletionTokens: 3, TotalTokens: 5},
		}}
		r := service.NewDefaultResolver(service.Providers{Inference: p})
		res := execute(r, service.AINodeType, models.JSONMap{"model": "m1", "systemPrompt": "be brief"}, models.JSONMap{"text": "hi"})
		require.True(t, res.Success)
		assert.Equal(t, "hello", res.Data["text"])
		assert.Equal(t, 5, res.Data["usage"].(map[string]interface{})["totalTokens"])
		assert.Equal(t, "hi", p.got.Prompt)
		assert.Equal(t, "be brief", p.got.SystemPrompt)
	})

	t.Run("Provider error fails", func(t *testing.T) {
		p := &fakeInference{err: errors.New("rate limited")}
		r := service.NewDefaultResolver(service.Providers{Inference: p})
		res := execute(r, service.AINodeType, models.JSONMap{"prompt": "hi"}, nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "rate limited")
	})

	t.Run("Empty prompt fails", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{Inference: &fakeInference{}})
		res := execute(r, service.AINodeType, nil, nil)
		assert.False(t, res.Success)
	})
}

func TestToolCapability(t *testing.T) {
	t.Run("Registry miss is simulated success", func(t *testing.T) {
		client := &fakeToolClient{}
		r := service.NewDefaultResolver(service.Providers{
			Servers: service.NewStaticServerRegistry(),
			Tools:   client,
		})
		res := execute(r, service.ToolNodeType, models.JSONMap{"toolName": "echo", "serverId": "missing"}, models.JSONMap{"input": "x"})
		require.True(t, res.Success)
		assert.Equal(t, true, res.Data["simulated"])
		assert.Equal(t, true, res.Data["degraded"])
		assert.Equal(t, "missing", res.Data["serverId"])
		assert.Equal(t, "x", res.Data["input"])
		assert.Empty(t, client.calls)
	})

	t.Run("No server reference is simulated", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{})
		res := execute(r, service.ToolNodeType, models.JSONMap{"toolName": "echo"}, nil)
		require.True(t, res.Success)
		assert.Equal(t, true, res.Data["simulated"])
	})

	t.Run("Known server calls the client", func(t *testing.T) {
		client := &fakeToolClient{out: models.JSONMap{"ok": true}}
		r := service.NewDefaultResolver(service.Providers{
			Servers: service.NewStaticServerRegistry(service.ToolServer{ID: "srv", URL: "http://tools"}),
			Tools:   client,
		})
		res := execute(r, service.ToolNodeType, models.JSONMap{"toolName": "search", "serverId": "srv"}, nil)
		require.True(t, res.Success)
		assert.Equal(t, models.JSONMap{"ok": true}, res.Data)
		assert.Equal(t, []string{"srv/search"}, client.calls)
	})

	t.Run("Client error fails", func(t *testing.T) {
		client := &fakeToolClient{err: errors.New("timeout")}
		r := service.NewDefaultResolver(service.Providers{
			Servers: service.NewStaticServerRegistry(service.ToolServer{ID: "srv"}),
			Tools:   client,
		})
		res := execute(r, service.ToolNodeType, models.JSONMap{"toolName": "search", "serverId": "srv"}, nil)
		assert.False(t, res.Success)
		assert.Contains(t, res.Error, "timeout")
	})

	t.Run("Missing toolName fails", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{})
		res := execute(r, service.ToolNodeType, nil, nil)
		assert.False(t, res.Success)
	})
}

func TestStorageCapability(t *testing.T) {
	t.Run("Writes string content", func(t *testing.T) {
		objs := &fakeObjects{}
		r := service.NewDefaultResolver(service.Providers{Objects: objs})
		res := execute(r, service.StorageNodeType, models.JSONMap{"bucket": "b", "path": "p.txt"}, models.JSONMap{"content": "hello"})
		require.True(t, res.Success)
		assert.Equal(t, "mem://b/p.txt", res.Data["location"])
		assert.Equal(t, 5, res.Data["bytes"])
		assert.Equal(t, "text/plain", objs.contentType)
		assert.Equal(t, []byte("hello"), objs.content)
	})

	t.Run("Writes JSON otherwise", func(t *testing.T) {
		objs := &fakeObjects{}
		r := service.NewDefaultResolver(service.Providers{Objects: objs})
		res := execute(r, service.StorageNodeType, models.JSONMap{"bucket": "b", "path": "p.json"}, models.JSONMap{"a": 1})
		require.True(t, res.Success)
		assert.Equal(t, "application/json", objs.contentType)
		assert.JSONEq(t, `{"a":1}`, string(objs.content))
	})

	t.Run("Missing bucket fails", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{Objects: &fakeObjects{}})
		res := execute(r, service.StorageNodeType, models.JSONMap{"path": "p"}, nil)
		assert.False(t, res.Success)
	})

	t.Run("No object store fails", func(t *testing.T) {
		r := service.NewDefaultResolver(service.Providers{})
		res := execute(r, service.StorageNodeType, models.JSONMap{"bucket": "b", "path": "p"}, nil)
		assert.False(t, res.Success)
	})
}

func TestProvidersUnconfigured(t *testing.T) {
	assert.Equal(t, []string{service.AINodeType, service.ToolNodeType, service.StorageNodeType}, service.Providers{}.Unconfigured())

	full := service.Providers{
		Inference: &fakeInference{},
		Servers:   service.NewStaticServerRegistry(),
		Tools:     &fakeToolClient{},
		Objects:   &fakeObjects{},
	}
	assert.Empty(t, full.Unconfigured())

	full.Tools = nil
	assert.Equal(t, []string{service.ToolNodeType}, full.Unconfigured())
}
