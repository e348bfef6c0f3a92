// Package rest talks to the rendezvous backend over its JSON REST API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Wyydra/yacall/internal/core/domain"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const DefaultTimeout = 10 * time.Second

// Client implements port.Backend.
type Client struct {
	base   string
	http   *http.Client
	logger zerolog.Logger
}

func New(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: log.With().Str("component", "backend_client").Logger(),
	}
}

// WithHTTPClient swaps the transport, e.g. for an httptest server client.
func (c *Client) WithHTTPClient(hc *http.Client) *Client {
	c.http = hc
	return c
}

func (c *Client) CreateRoom(ctx context.Context, spec domain.RoomSpec) (domain.RoomGrant, error) {
	var grant domain.RoomGrant
	err := c.do(ctx, "create_room", http.MethodPost, "/room", spec, &grant, nil)
	return grant, err
}

// DeleteRoom is best effort; callers log the error.
func (c *Client) DeleteRoom(ctx context.Context, roomName string) error {
	if roomName == "" {
		return domain.NewValidationError("MISSING_ROOM_NAME", "room name is required")
	}
	return c.do(ctx, "delete_room", http.MethodDelete, "/room/"+url.PathEscape(roomName), nil, nil, nil)
}

func (c *Client) SetCommunicationMode(ctx context.Context, queryID domain.QueryID, mode domain.CommunicationMode) error {
	body := map[string]domain.CommunicationMode{"communicationMode": mode}
	return c.do(ctx, "set_mode", http.MethodPatch, "/query/"+queryID.String(), body, nil, nil)
}

func (c *Client) CommunicationMode(ctx context.Context, queryID domain.QueryID) (domain.CommunicationMode, error) {
	var out struct {
		CommunicationMode domain.CommunicationMode `json:"communicationMode"`
	}
	err := c.do(ctx, "get_mode", http.MethodGet, "/query/"+queryID.String(), nil, &out, nil)
	return out.CommunicationMode, err
}

func (c *Client) CreateCallRequest(ctx context.Context, req domain.CallRequest) (domain.CallRequest, error) {
	var out domain.CallRequest
	err := c.do(ctx, "create_request", http.MethodPost, "/call-request", req, &out, nil)
	return out, err
}

// UpdateCallRequest returns the stored request next to the CONFLICT error when the
// backend refuses the transition.
func (c *Client) UpdateCallRequest(ctx context.Context, id domain.RequestID, status domain.RequestStatus) (domain.RequestUpdate, error) {
	body := map[string]string{"status": string(status), "requestId": id.String()}
	var out domain.RequestUpdate
	var conflict errorDTO
	err := c.do(ctx, "update_request", http.MethodPut, "/call-request/"+id.String(), body, &out, &conflict)
	if err != nil && conflict.Request != nil {
		out = domain.RequestUpdate{Request: *conflict.Request}
	}
	return out, err
}

func (c *Client) ListCallRequests(ctx context.Context, queryID domain.QueryID) ([]domain.CallRequest, error) {
	var out []domain.CallRequest
	path := "/call-request?queryId=" + strconv.FormatInt(int64(queryID), 10)
	err := c.do(ctx, "list_requests", http.MethodGet, path, nil, &out, nil)
	return out, err
}

type errorDTO struct {
	Error struct {
		Kind    domain.ErrorKind `json:"kind"`
		Code    string           `json:"code"`
		Message string           `json:"message"`
	} `json:"error"`
	Request *domain.CallRequest `json:"request,omitempty"`
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any, errOut *errorDTO) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return domain.NewValidationError("INVALID_BODY", fmt.Sprintf("encode %s body: %v", op, err))
		}
		body = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return domain.NewBackendError(op, err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.NewBackendError(op, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.NewBackendError(op, err)
	}
	c.logger.Debug().Str("op", op).Str("method", method).Str("path", path).Int("status", resp.StatusCode).Msg("Backend call")

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if out == nil || len(raw) == 0 {
			return nil
		}
		if err := json.Unmarshal(raw, out); err != nil {
			return domain.NewBackendError(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	}

	var dto errorDTO
	_ = json.Unmarshal(raw, &dto)
	if errOut != nil {
		*errOut = dto
	}
	return classify(op, resp.StatusCode, dto)
}

// classify maps a failed response onto the error taxonomy.
func classify(op string, status int, dto errorDTO) error {
	code, msg := dto.Error.Code, dto.Error.Message
	if msg == "" {
		msg = fmt.Sprintf("%s returned %d", op, status)
	}
	switch {
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		if code == "" {
			code = "BAD_REQUEST"
		}
		return domain.NewValidationError(code, msg)
	case status == http.StatusNotFound:
		return domain.ErrNotFound.WithCause(errors.New(msg))
	case status == http.StatusConflict:
		if code == domain.ErrRequestNotPending.Code {
			return domain.ErrRequestNotPending.WithCause(errors.New(msg))
		}
		if code == "" {
			code = "CONFLICT"
		}
		return domain.NewConflictError(code, msg)
	default:
		return domain.NewBackendError(op, fmt.Errorf("status %d: %s", status, msg))
	}
}
