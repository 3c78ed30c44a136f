package steps

import (
	"context"

	"github.com/rendis/autoflow/pkg/schema"
)

type fileConfig struct {
	Operation string `json:"operation" validate:"required,oneof=read write append delete list exists"`
	Path      string `json:"path" validate:"required"`
	Content   string `json:"content,omitempty"`
}

type fileStep struct {
	files FileStore
}

func (s *fileStep) Kind() schema.StepKind { return schema.StepFileOperation }

func (s *fileStep) Schema() StepSchema {
	return StepSchema{
		Description: "Read, write, append, delete, list or probe files in the sandboxed workspace",
		Required:    []string{"operation", "path"},
		Optional:    []string{"content"},
		Outputs:     []string{"path", "content", "bytesWritten", "deleted", "files", "exists"},
	}
}

func (s *fileStep) Validate(config map[string]any) error {
	var cfg fileConfig
	return decodeConfig(config, &cfg, true)
}

func (s *fileStep) Execute(ctx context.Context, in Input) (map[string]any, error) {
	var cfg fileConfig
	if err := decodeConfig(in.Config, &cfg, false); err != nil {
		return nil, err
	}
	if s.files == nil {
		return nil, notConfigured(s.Kind(), "file store")
	}

	out := map[string]any{"path": cfg.Path}
	switch cfg.Operation {
	case "read":
		data, err := s.files.Read(ctx, cfg.Path)
		if err != nil {
			return nil, stepError("read %s: %v", cfg.Path, err)
		}
		out["content"] = string(data)
	case "write", "append":
		n, err := s.files.Write(ctx, cfg.Path, []byte(cfg.Content), cfg.Operation == "append")
		if err != nil {
			return nil, stepError("%s %s: %v", cfg.Operation, cfg.Path, err)
		}
		out["bytesWritten"] = n
	case "delete":
		if err := s.files.Delete(ctx, cfg.Path); err != nil {
			return nil, stepError("delete %s: %v", cfg.Path, err)
		}
		out["deleted"] = true
	case "list":
		entries, err := s.files.List(ctx, cfg.Path)
		if err != nil {
			return nil, stepError("list %s: %v", cfg.Path, err)
		}
		files := make([]any, 0, len(entries))
		for _, e := range entries {
			files = append(files, map[string]any{
				"name":    e.Name,
				"size":    e.Size,
				"isDir":   e.IsDir,
				"modTime": e.ModTime,
			})
		}
		out["files"] = files
	case "exists":
		ok, err := s.files.Exists(ctx, cfg.Path)
		if err != nil {
			return nil, stepError("stat %s: %v", cfg.Path, err)
		}
		out["exists"] = ok
	}
	return out, nil
}
