package workflowdef

import (
	"context"
	"errors"
	"log/slog"
	"path"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"

	"github.com/rendis/pipewright/internal/validation"
	"github.com/rendis/pipewright/pkg/schema"
)

const parseCacheSize = 512

// parsed is the cached outcome of decoding and validating one file.
type parsed struct {
	workflow *schema.Workflow // nil when invalid
	result   *schema.ValidationResult
}

// Loader reads, parses and validates the definitions of a repository.
// It satisfies trigger.WorkflowSource and the executor's definition lookup.
type Loader struct {
	repo      Repository
	validator *validation.WorkflowValidator
	logger    *slog.Logger
	cache     *lru.Cache[[32]byte, *parsed]
}

// NewLoader creates a Loader. Parsed files are cached by content hash.
func NewLoader(repo Repository, validator *validation.WorkflowValidator, logger *slog.Logger) (*Loader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cache, err := lru.New[[32]byte, *parsed](parseCacheSize)
	if err != nil {
		return nil, err
	}
	return &Loader{repo: repo, validator: validator, logger: logger, cache: cache}, nil
}

// Load returns the valid workflows of repoID in file order together with the
// diagnostics of every file. Invalid files are left out.
func (l *Loader) Load(ctx context.Context, repoID string) ([]*schema.Workflow, *schema.ValidationResult, error) {
	snap, err := l.repo.Snapshot(ctx, repoID)
	if err != nil {
		return nil, nil, err
	}

	result := &schema.ValidationResult{}
	var workflows []*schema.Workflow
	for _, f := range snap.Files {
		p := l.parse(f)
		result.Merge(p.result)
		if p.workflow == nil {
			continue
		}
		wf := *p.workflow
		wf.RepoID = repoID
		wf.DefaultBranch = snap.DefaultBranch
		wf.CommitSHA = snap.CommitSHA
		workflows = append(workflows, &wf)
	}
	return workflows, result, nil
}

// Workflows returns the valid workflows of repoID, logging invalid files.
func (l *Loader) Workflows(ctx context.Context, repoID string) ([]*schema.Workflow, error) {
	workflows, result, err := l.Load(ctx, repoID)
	if err != nil {
		return nil, err
	}
	for _, issue := range result.Errors {
		l.logger.Warn("invalid workflow definition",
			slog.String("repo_id", repoID),
			slog.String("file", issue.File),
			slog.String("error", issue.String()),
		)
	}
	return workflows, nil
}

// Workflow returns one workflow by id (repo-relative path or file name).
func (l *Loader) Workflow(ctx context.Context, repoID, id string) (*schema.Workflow, error) {
	workflows, err := l.Workflows(ctx, repoID)
	if err != nil {
		return nil, err
	}
	for _, wf := range workflows {
		if wf.ID == id {
			return wf, nil
		}
	}
	var match *schema.Workflow
	for _, wf := range workflows {
		if path.Base(wf.Path) == id {
			if match != nil {
				return nil, schema.NewErrorf(schema.ErrCodeConflict,
					"workflow name %q is ambiguous in %s; use the full path", id, repoID)
			}
			match = wf
		}
	}
	if match == nil {
		return nil, schema.NewErrorf(schema.ErrCodeDefinitionNotFound, "workflow %q not found in %s", id, repoID)
	}
	return match, nil
}

func (l *Loader) parse(f File) *parsed {
	key := blake3.Sum256(append([]byte(f.Path+"\x00"), f.Content...))
	if p, ok := l.cache.Get(key); ok {
		return p
	}
	p := l.parseUncached(f)
	l.cache.Add(key, p)
	return p
}

func (l *Loader) parseUncached(f File) *parsed {
	result := &schema.ValidationResult{}
	fail := func(err error) *parsed {
		result.AddError("", schema.ErrCodeValidation, describe(err))
		return &parsed{result: result.InFile(f.Path)}
	}

	doc, err := Decode(f.Path, f.Content)
	if err != nil {
		return fail(err)
	}

	if l.validator != nil {
		result.Merge(l.validator.ValidateStructure(doc.Value))
		if !result.Valid() {
			return &parsed{result: result.InFile(f.Path)}
		}
	}

	wf, warnings, err := doc.Workflow()
	if err != nil {
		return fail(err)
	}
	for _, w := range warnings {
		result.AddWarning("on", schema.ErrCodeValidation, w)
	}

	if l.validator != nil {
		result.Merge(l.validator.Validate(wf))
	}
	result.InFile(f.Path)
	if !result.Valid() {
		return &parsed{result: result}
	}
	return &parsed{workflow: wf, result: result}
}

// describe renders an error without its code prefix, keeping the cause.
func describe(err error) string {
	var sErr *schema.Error
	if !errors.As(err, &sErr) {
		return err.Error()
	}
	if sErr.Cause != nil {
		return sErr.Message + ": " + sErr.Cause.Error()
	}
	return sErr.Message
}
