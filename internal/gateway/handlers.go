package gateway

import (
	"context"
	"encoding/json"
	"errors"

	cmuxerrors "github.com/cmux/cmux/internal/common/errors"
	"github.com/cmux/cmux/internal/history"
	"github.com/cmux/cmux/internal/provider"
	"github.com/cmux/cmux/internal/runtime"
	"github.com/cmux/cmux/internal/session"
	"github.com/cmux/cmux/internal/tokenizer"
	"github.com/cmux/cmux/internal/tools"
	"github.com/cmux/cmux/internal/usage"
	"github.com/cmux/cmux/internal/workspace"
	v1 "github.com/cmux/cmux/pkg/api/v1"
	"github.com/cmux/cmux/pkg/ipc"
)

// RegisterHandlers binds every IPC channel to its implementation.
func RegisterHandlers(
	d *ipc.Dispatcher,
	workspaces *workspace.Manager,
	sessions *session.Manager,
	hist *history.Store,
	providers *provider.Registry,
	secrets *provider.Secrets,
) {
	registerProjectHandlers(d, workspaces)
	registerWorkspaceHandlers(d, workspaces, sessions, hist)
	registerProviderHandlers(d, providers, secrets)
}

// RegisterUsageHandler binds the context-usage breakdown channel. Kept
// separate because it needs the tool registry and tokenizer service.
func RegisterUsageHandler(
	d *ipc.Dispatcher,
	hist *history.Store,
	toolRegistry *tools.Registry,
	tokenizers *tokenizer.Service,
) {
	d.RegisterFunc(ipc.ChannelWorkspaceGetUsage, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[struct {
			WorkspaceID string `json:"workspaceId"`
			Model       string `json:"model"`
		}](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		if req.WorkspaceID == "" {
			return nil, cmuxerrors.InvalidArgument("workspaceId is required")
		}
		messages, err := hist.Get(ctx, req.WorkspaceID)
		if err != nil {
			return nil, err
		}

		defs := make(map[string]string)
		for _, def := range toolRegistry.Definitions() {
			defs[def.Name] = def.Description + string(def.InputSchema)
		}
		return usage.CalculateConsumers(messages, defs, tokenizers.ForModel(req.Model)), nil
	})
}

func registerProjectHandlers(d *ipc.Dispatcher, workspaces *workspace.Manager) {
	d.RegisterFunc(ipc.ChannelProjectsCreate, func(ctx context.Context, args []json.RawMessage) (any, error) {
		path, err := ipc.DecodeArg[string](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		if err := workspaces.AddProject(ctx, path); err != nil {
			return nil, err
		}
		return map[string]string{"path": path}, nil
	})

	d.RegisterFunc(ipc.ChannelProjectsRemove, func(ctx context.Context, args []json.RawMessage) (any, error) {
		path, err := ipc.DecodeArg[string](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		if err := workspaces.RemoveProject(ctx, path); err != nil {
			return nil, err
		}
		return map[string]string{"path": path}, nil
	})

	d.RegisterFunc(ipc.ChannelProjectsList, func(ctx context.Context, args []json.RawMessage) (any, error) {
		return workspaces.List(ctx)
	})

	d.RegisterFunc(ipc.ChannelProjectsListBranches, func(ctx context.Context, args []json.RawMessage) (any, error) {
		path, err := ipc.DecodeArg[string](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		return workspaces.ListBranches(ctx, path)
	})
}

func registerWorkspaceHandlers(
	d *ipc.Dispatcher,
	workspaces *workspace.Manager,
	sessions *session.Manager,
	hist *history.Store,
) {
	d.RegisterFunc(ipc.ChannelWorkspaceCreate, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.CreateWorkspaceRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		return workspaces.Create(ctx, req)
	})

	d.RegisterFunc(ipc.ChannelWorkspaceRemove, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.RemoveWorkspaceRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		if err := workspaces.Remove(ctx, req); err != nil {
			return nil, err
		}
		return map[string]string{"workspaceId": req.WorkspaceID}, nil
	})

	d.RegisterFunc(ipc.ChannelWorkspaceRename, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.RenameWorkspaceRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		return workspaces.Rename(ctx, req)
	})

	d.RegisterFunc(ipc.ChannelWorkspaceFork, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.ForkWorkspaceRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		return workspaces.Fork(ctx, req)
	})

	d.RegisterFunc(ipc.ChannelWorkspaceList, func(ctx context.Context, args []json.RawMessage) (any, error) {
		return workspaces.List(ctx)
	})

	d.RegisterFunc(ipc.ChannelWorkspaceGetInfo, func(ctx context.Context, args []json.RawMessage) (any, error) {
		workspaceID, err := ipc.DecodeArg[string](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		return workspaces.Get(ctx, workspaceID)
	})

	d.RegisterFunc(ipc.ChannelWorkspaceSendMessage, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.SendMessageRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		sess, err := sessions.Get(ctx, req.WorkspaceID)
		if err != nil {
			return nil, err
		}
		outcome, err := sess.SendMessage(ctx, req.Text, session.SendOptions{
			Model:         req.Model,
			ThinkingLevel: req.ThinkingLevel,
			Mode:          req.Mode,
			EditMessageID: req.EditMessageID,
		})
		if err != nil {
			return nil, err
		}
		return outcome, nil
	})

	d.RegisterFunc(ipc.ChannelWorkspaceResumeStream, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.ResumeStreamRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		sess, err := sessions.Get(ctx, req.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if err := sess.ResumeStream(ctx, session.SendOptions{
			Model:         req.Model,
			ThinkingLevel: req.ThinkingLevel,
			Mode:          req.Mode,
		}); err != nil {
			return nil, err
		}
		return map[string]string{"workspaceId": req.WorkspaceID}, nil
	})

	d.RegisterFunc(ipc.ChannelWorkspaceInterruptStream, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.InterruptStreamRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		sess, err := sessions.Get(ctx, req.WorkspaceID)
		if err != nil {
			return nil, err
		}
		if err := sess.InterruptStream(ctx); err != nil {
			return nil, err
		}
		return map[string]string{"workspaceId": req.WorkspaceID}, nil
	})

	d.RegisterFunc(ipc.ChannelWorkspaceTruncateHistory, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.TruncateHistoryRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		if err := hist.TruncateAfter(ctx, req.WorkspaceID, req.MessageID); err != nil {
			if errors.Is(err, history.ErrNotFound) {
				return nil, cmuxerrors.NotFound("message", req.MessageID)
			}
			return nil, err
		}
		return map[string]string{"workspaceId": req.WorkspaceID, "messageId": req.MessageID}, nil
	})

	d.RegisterFunc(ipc.ChannelWorkspaceExecuteBash, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.ExecuteBashRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		ref, err := workspaces.ResolveWorkspace(ctx, req.WorkspaceID)
		if err != nil {
			return nil, err
		}
		res, err := ref.Runtime.Exec(ctx, runtime.ExecRequest{
			Command:     req.Command,
			Cwd:         ref.Path,
			TimeoutSecs: req.TimeoutSecs,
		})
		if err != nil {
			return nil, err
		}
		return v1.ExecuteBashResponse{
			Stdout:     res.Stdout,
			Stderr:     res.Stderr,
			ExitCode:   res.ExitCode,
			DurationMs: res.Duration.Milliseconds(),
		}, nil
	})
}

func registerProviderHandlers(d *ipc.Dispatcher, providers *provider.Registry, secrets *provider.Secrets) {
	d.RegisterFunc(ipc.ChannelProvidersSetConfig, func(ctx context.Context, args []json.RawMessage) (any, error) {
		req, err := ipc.DecodeArg[v1.SetProviderConfigRequest](args, 0)
		if err != nil {
			return nil, cmuxerrors.InvalidArgument(err.Error())
		}
		if err := secrets.SetAPIKey(req.Provider, req.APIKey); err != nil {
			return nil, err
		}
		// A cached client may hold the old key.
		providers.Invalidate(req.Provider)
		return map[string]string{"provider": req.Provider}, nil
	})

	d.RegisterFunc(ipc.ChannelProvidersList, func(ctx context.Context, args []json.RawMessage) (any, error) {
		names := providers.Names()
		configured := secrets.Configured(names)
		type entry struct {
			Name       string `json:"name"`
			Configured bool   `json:"configured"`
		}
		out := make([]entry, 0, len(names))
		for _, name := range names {
			out = append(out, entry{Name: name, Configured: configured[name]})
		}
		return out, nil
	})
}
