package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/Tryliate/Tryliate-sub001/internal/log"
	"github.com/Tryliate/Tryliate-sub001/pkg/models"
	"github.com/Tryliate/Tryliate-sub001/pkg/storage"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrWorkflowExists = storage.ErrWorkflowExists

// DefinitionStore reads and writes workflow definitions.
type DefinitionStore interface {
	storage.WorkflowReader
	storage.WorkflowWriter
}

// Invalidator drops cached copies of a definition.
type Invalidator interface {
	Invalidate(ctx context.Context, id string) error
}

// DefinitionService validates workflow graphs before they are persisted.
type DefinitionService struct {
	store DefinitionStore
	cache Invalidator
}

func NewDefinitionService(store DefinitionStore, cache Invalidator) *DefinitionService {
	return &DefinitionService{store: store, cache: cache}
}

// CreateWorkflow saves a new definition and returns its id. An empty id is
// generated.
func (s *DefinitionService) CreateWorkflow(ctx context.Context, wf models.Workflow) (string, error) {
	if wf.ID == "" {
		wf.ID = uuid.NewString()
	}
	if err := Validate(wf); err != nil {
		return "", err
	}
	if err := s.store.CreateWorkflow(ctx, wf); err != nil {
		return "", err
	}
	log.GetLogger().Infof("Created workflow '%s' with ID %s (%d nodes, %d edges)", wf.Name, wf.ID, len(wf.Nodes), len(wf.Edges))
	return wf.ID, nil
}

// UpdateWorkflow replaces an existing definition. Runs already in flight
// pick up the new graph on their next job.
func (s *DefinitionService) UpdateWorkflow(ctx context.Context, wf models.Workflow) error {
	if wf.ID == "" {
		return errors.New("workflow id is required")
	}
	if err := Validate(wf); err != nil {
		return err
	}
	if _, err := s.store.GetWorkflow(ctx, wf.ID); err != nil {
		return err
	}
	if err := s.store.SaveWorkflow(ctx, wf); err != nil {
		return errors.Wrapf(err, "save workflow %s", wf.ID)
	}
	if s.cache != nil {
		if err := s.cache.Invalidate(ctx, wf.ID); err != nil {
			log.GetLogger().Errorf("Failed to invalidate cached workflow %s: %v", wf.ID, err)
		}
	}
	log.GetLogger().Infof("Updated workflow %s", wf.ID)
	return nil
}

func (s *DefinitionService) GetWorkflow(ctx context.Context, id string) (models.Workflow, error) {
	wf, err := s.store.GetWorkflow(ctx, id)
	if err != nil {
		return models.Workflow{}, errors.Wrapf(err, "failed to get workflow %s", id)
	}
	return wf, nil
}

// Validate checks a definition is well formed: a bounded name, at least one
// node, unique non-empty node ids with a type, and edges between known
// nodes. Cycles are allowed.
func Validate(wf models.Workflow) error {
	if len(wf.Name) > 100 {
		return errors.New("workflow name too long (max 100 characters)")
	}
	if len(wf.Nodes) == 0 {
		return errors.New("workflow must have at least one node")
	}
	seen := make(map[string]struct{}, len(wf.Nodes))
	for i, n := range wf.Nodes {
		if strings.TrimSpace(n.ID) == "" {
			return fmt.Errorf("node %d has an empty id", i)
		}
		if n.Type == "" {
			return fmt.Errorf("node %s has no type", n.ID)
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("duplicate node id %s", n.ID)
		}
		seen[n.ID] = struct{}{}
	}
	for _, e := range wf.Edges {
		if _, ok := seen[e.Source]; !ok {
			return fmt.Errorf("edge %s->%s: unknown source", e.Source, e.Target)
		}
		if _, ok := seen[e.Target]; !ok {
			return fmt.Errorf("edge %s->%s: unknown target", e.Source, e.Target)
		}
	}
	return nil
}
