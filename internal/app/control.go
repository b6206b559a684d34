package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"mcpfed/internal/domain"
	"mcpfed/internal/infra/health"
	"mcpfed/internal/infra/registry"
)

// The control channel accepts JSON-RPC 2.0 requests on stdin, one object per
// line, and writes responses to stdout. It is the daemon's administrative
// surface: registering, inspecting, toggling, and deleting gateways, and
// relaying requests to them.

type controlRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type controlResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *controlError `json:"error,omitempty"`
}

type controlError struct {
	Code    int64  `json:"code"`
	Message string `json:"message"`
}

const (
	errInvalidRequest  = -32600
	errMethodNotFound  = -32601
	errInvalidParams   = -32602
	errInternal        = -32000
	errGatewayNotFound = -32002
	errConflict        = -32003
	errUnavailable     = -32004
	errUnauthenticated = -32005
)

func (a *App) serveStdin(ctx context.Context, reg *registry.Registry, monitor *health.Monitor) error {
	dec := json.NewDecoder(os.Stdin)
	enc := json.NewEncoder(os.Stdout)

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		var req controlRequest
		errCh := make(chan error, 1)
		go func() {
			errCh <- dec.Decode(&req)
		}()

		select {
		case <-ctx.Done():
			return nil
		case err := <-errCh:
			if err != nil {
				if errors.Is(err, io.EOF) {
					return nil
				}
				return fmt.Errorf("decode control request: %w", err)
			}
		}

		resp := a.handleControl(ctx, reg, monitor, req)
		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("encode control response: %w", err)
		}
	}
}

type gatewaySpecParams struct {
	Name        string            `json:"name"`
	URL         string            `json:"url"`
	Transport   string            `json:"transport"`
	Auth        map[string]string `json:"auth,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Description string            `json:"description,omitempty"`
}

func (p gatewaySpecParams) spec() (domain.GatewaySpec, error) {
	transport := domain.TransportStreamableHTTP
	if p.Transport != "" {
		parsed, err := domain.ParseTransport(p.Transport)
		if err != nil {
			return domain.GatewaySpec{}, err
		}
		transport = parsed
	}
	return domain.GatewaySpec{
		Name:        p.Name,
		URL:         p.URL,
		Transport:   transport,
		Auth:        domain.AuthValue(p.Auth),
		Tags:        p.Tags,
		Description: p.Description,
	}, nil
}

type gatewayIDParams struct {
	ID              string `json:"id"`
	IncludeInactive bool   `json:"includeInactive,omitempty"`
}

type updateParams struct {
	ID string `json:"id"`
	gatewaySpecParams
}

type forwardParams struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

func (a *App) handleControl(ctx context.Context, reg *registry.Registry, monitor *health.Monitor, req controlRequest) controlResponse {
	if req.JSONRPC != "2.0" || req.Method == "" {
		return errorResponse(req.ID, &controlError{Code: errInvalidRequest, Message: "invalid request"})
	}

	result, err := a.dispatchControl(ctx, reg, monitor, req)
	if err != nil {
		return errorResponse(req.ID, mapControlError(err))
	}
	return controlResponse{JSONRPC: "2.0", ID: req.ID, Result: result}
}

func (a *App) dispatchControl(ctx context.Context, reg *registry.Registry, monitor *health.Monitor, req controlRequest) (any, error) {
	switch req.Method {
	case "gateway/register":
		var params gatewaySpecParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		spec, err := params.spec()
		if err != nil {
			return nil, domain.E(domain.CodeInvalidArgument, "", "", err)
		}
		gw, report, err := reg.Register(ctx, spec)
		if err != nil {
			return nil, err
		}
		return map[string]any{"gateway": gw, "tools": report}, nil

	case "gateway/update":
		var params updateParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		var transport domain.Transport
		if params.Transport != "" {
			parsed, err := domain.ParseTransport(params.Transport)
			if err != nil {
				return nil, domain.E(domain.CodeInvalidArgument, "", "", err)
			}
			transport = parsed
		}
		return reg.Update(ctx, params.ID, domain.GatewaySpec{
			Name:        params.Name,
			URL:         params.URL,
			Transport:   transport,
			Auth:        domain.AuthValue(params.Auth),
			Tags:        params.Tags,
			Description: params.Description,
		})

	case "gateway/get":
		var params gatewayIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.Get(ctx, params.ID, params.IncludeInactive)

	case "gateway/list":
		var params gatewayIDParams
		if len(req.Params) > 0 {
			if err := decodeParams(req.Params, &params); err != nil {
				return nil, err
			}
		}
		return reg.List(ctx, domain.GatewayFilter{IncludeInactive: params.IncludeInactive})

	case "gateway/activate":
		var params gatewayIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.Activate(ctx, params.ID)

	case "gateway/deactivate":
		var params gatewayIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.Deactivate(ctx, params.ID)

	case "gateway/delete":
		var params gatewayIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		if err := reg.Delete(ctx, params.ID); err != nil {
			return nil, err
		}
		monitor.Forget(params.ID)
		return map[string]any{"deleted": params.ID}, nil

	case "gateway/forward":
		var params forwardParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		var payload any
		if len(params.Params) > 0 {
			payload = params.Params
		}
		return reg.Forward(ctx, params.ID, params.Method, payload)

	case "gateway/tools":
		var params gatewayIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.Tools(ctx, params.ID)

	case "gateway/refresh":
		var params gatewayIDParams
		if err := decodeParams(req.Params, &params); err != nil {
			return nil, err
		}
		return reg.RefreshTools(ctx, params.ID)

	case "gateway/health":
		return monitor.Snapshot(), nil

	default:
		return nil, fmt.Errorf("%w: %s", errUnknownMethod, req.Method)
	}
}

var errUnknownMethod = errors.New("unknown method")

func decodeParams(raw json.RawMessage, out any) error {
	if len(raw) == 0 {
		return domain.E(domain.CodeInvalidArgument, "", "params are required", nil)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return domain.E(domain.CodeInvalidArgument, "", "", err)
	}
	return nil
}

func mapControlError(err error) *controlError {
	var remote *domain.RemoteError
	if errors.As(err, &remote) {
		return &controlError{Code: remote.Code, Message: remote.Message}
	}
	if errors.Is(err, errUnknownMethod) {
		return &controlError{Code: errMethodNotFound, Message: err.Error()}
	}

	code := errInternal
	switch domain.CodeFrom(err) {
	case domain.CodeInvalidArgument:
		code = errInvalidParams
	case domain.CodeNotFound:
		code = errGatewayNotFound
	case domain.CodeConflict:
		code = errConflict
	case domain.CodeUnavailable, domain.CodeDeadlineExceeded:
		code = errUnavailable
	case domain.CodeUnauthenticated:
		code = errUnauthenticated
	}
	return &controlError{Code: int64(code), Message: err.Error()}
}

func errorResponse(id any, err *controlError) controlResponse {
	return controlResponse{JSONRPC: "2.0", ID: id, Error: err}
}
