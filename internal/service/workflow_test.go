package service_test

import (
	"context"
	"sync"
	"testing"

	"github.com/Tryliate/Tryliate-sub001/internal/service"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingInvalidator struct {
	ids []string
}

func (r *recordingInvalidator) Invalidate(ctx context.Context, id string) error {
	r.ids = append(r.ids, id)
	return nil
}

func validWorkflow() models.Workflow {
	return models.Workflow{
		Name: "demo",
		Nodes: []models.Node{
			{ID: "n1", Type: "trigger"},
			{ID: "n2", Type: "tool", Data: models.JSONMap{"toolName": "echo"}},
		},
		Edges: []models.Edge{{Source: "n1", Target: "n2"}},
	}
}

func TestDefinitionService(t *testing.T) {
	ctx := context.Background()

	t.Run("CreateWorkflow generates an id", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := service.NewDefinitionService(store, nil)

		id, err := svc.CreateWorkflow(ctx, validWorkflow())
		require.NoError(t, err)
		assert.NotEmpty(t, id)

		wf, err := svc.GetWorkflow(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, "demo", wf.Name)
		assert.Len(t, wf.Nodes, 2)
	})

	t.Run("CreateWorkflow rejects duplicates", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := service.NewDefinitionService(store, nil)
		wf := validWorkflow()
		wf.ID = "fixed"

		_, err := svc.CreateWorkflow(ctx, wf)
		require.NoError(t, err)
		_, err = svc.CreateWorkflow(ctx, wf)
		assert.ErrorIs(t, err, service.ErrWorkflowExists)
	})

	t.Run("Concurrent creates of one id keep the first", func(t *testing.T) {
		store := storage.NewMockStore()
		svc := service.NewDefinitionService(store, nil)

		const callers = 8
		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			created []string
		)
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				wf := validWorkflow()
				wf.ID = "shared"
				wf.Name = string(rune('a' + i))
				if _, err := svc.CreateWorkflow(ctx, wf); err == nil {
					mu.Lock()
					created = append(created, wf.Name)
					mu.Unlock()
				} else {
					assert.ErrorIs(t, err, service.ErrWorkflowExists)
				}
			}(i)
		}
		wg.Wait()

		require.Len(t, created, 1)
		got, err := store.GetWorkflow(ctx, "shared")
		require.NoError(t, err)
		assert.Equal(t, created[0], got.Name)
	})

	t.Run("UpdateWorkflow invalidates the cache", func(t *testing.T) {
		store := storage.NewMockStore()
		inv := &recordingInvalidator{}
		svc := service.NewDefinitionService(store, inv)
		wf := validWorkflow()
		wf.ID = "wf"
		_, err := svc.CreateWorkflow(ctx, wf)
		require.NoError(t, err)

		wf.Name = "renamed"
		require.NoError(t, svc.UpdateWorkflow(ctx, wf))
		assert.Equal(t, []string{"wf"}, inv.ids)

		got, _ := svc.GetWorkflow(ctx, "wf")
		assert.Equal(t, "renamed", got.Name)
	})

	t.Run("UpdateWorkflow of unknown id", func(t *testing.T) {
		svc := service.NewDefinitionService(storage.NewMockStore(), nil)
		wf := validWorkflow()
		wf.ID = "nope"
		assert.ErrorIs(t, svc.UpdateWorkflow(ctx, wf), storage.ErrNotFound)
	})

	t.Run("GetWorkflow not found", func(t *testing.T) {
		svc := service.NewDefinitionService(storage.NewMockStore(), nil)
		_, err := svc.GetWorkflow(ctx, "nope")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(wf *models.Workflow)
		errMsg string
	}{
		{"valid", func(wf *models.Workflow) {}, ""},
		{"cycle allowed", func(wf *models.Workflow) {
			wf.Edges = append(wf.Edges, models.Edge{Source: "n2", Target: "n1"})
		}, ""},
		{"no nodes", func(wf *models.Workflow) { wf.Nodes = nil; wf.Edges = nil }, "at least one node"},
		{"empty id", func(wf *models.Workflow) { wf.Nodes[0].ID = " " }, "empty id"},
		{"missing type", func(wf *models.Workflow) { wf.Nodes[1].Type = "" }, "has no type"},
		{"duplicate id", func(wf *models.Workflow) { wf.Nodes[1].ID = "n1" }, "duplicate node id"},
		{"unknown target", func(wf *models.Workflow) {
			wf.Edges = append(wf.Edges, models.Edge{Source: "n1", Target: "n9"})
		}, "unknown target"},
		{"unknown source", func(wf *models.Workflow) {
			wf.Edges = append(wf.Edges, models.Edge{Source: "n9", Target: "n1"})
		}, "unknown source"},
		{"long name", func(wf *models.Workflow) {
			wf.Name = string(make([]byte, 101))
		}, "too long"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			wf := validWorkflow()
			tt.mutate(&wf)
			err := service.Validate(wf)
			if tt.errMsg == "" {
				assert.NoError(t, err)
				return
			}
			assert.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}
}
