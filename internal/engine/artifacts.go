package engine

import (
	"context"

	"github.com/rendis/pipewright/internal/actions"
	"github.com/rendis/pipewright/pkg/schema"
)

var _ actions.ArtifactStore = (*runArtifacts)(nil)

// runArtifacts stores artifacts in the blob store and records them on the
// run. Uploading a name twice replaces the earlier artifact.
type runArtifacts struct {
	rs *runState
}

func (a *runArtifacts) Upload(ctx context.Context, name string, data []byte) (schema.Artifact, error) {
	blobs := a.rs.e.cfg.Blobs
	if blobs == nil {
		return schema.Artifact{}, schema.NewError(schema.ErrCodeStore, "no blob store configured").WithRun(a.rs.ar.id)
	}
	art, err := blobs.PutArtifact(ctx, name, data)
	if err != nil {
		return schema.Artifact{}, err
	}
	_, err = a.rs.update(ctx, func(r *schema.Run) error {
		for i := range r.Artifacts {
			if r.Artifacts[i].Name == name {
				r.Artifacts[i] = art
				return nil
			}
		}
		r.Artifacts = append(r.Artifacts, art)
		return nil
	})
	if err != nil {
		return schema.Artifact{}, err
	}
	return art, nil
}

func (a *runArtifacts) Download(ctx context.Context, name string) ([]byte, error) {
	blobs := a.rs.e.cfg.Blobs
	if blobs == nil {
		return nil, schema.NewError(schema.ErrCodeStore, "no blob store configured").WithRun(a.rs.ar.id)
	}
	run, err := a.rs.e.runs.GetRun(ctx, a.rs.ar.id)
	if err != nil {
		return nil, err
	}
	for _, art := range run.Artifacts {
		if art.Name == name {
			return blobs.Get(ctx, art.ContentID)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "artifact %q not found", name).WithRun(run.ID)
}
