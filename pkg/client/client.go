package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/logging"
	"github.com/diwise/locker-mgmt/internal/pkg/infrastructure/tracing"
	"github.com/diwise/locker-mgmt/pkg/types"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

type LockerManagementClient interface {
	GetLocker(ctx context.Context, lockerID string) (types.Locker, error)
	QueryLockers(ctx context.Context, statuses ...types.LockerStatus) (types.Collection[types.Locker], error)
	SetLockerStatus(ctx context.Context, lockerID string, status types.LockerStatus) (types.Locker, error)
	AssignDoor(ctx context.Context, doorID, userID string) (types.LockerDoor, types.DoorUsageSession, error)
	UnassignDoor(ctx context.Context, doorID string) (types.LockerDoor, *types.DoorUsageSession, error)
	EndSession(ctx context.Context, sessionID string) (types.DoorUsageSession, error)
	OverdueSessions(ctx context.Context) ([]types.DoorUsageSession, error)
	Close(ctx context.Context)
}

type lockerMgmtClient struct {
	url        string
	httpClient http.Client
}

var tracer = otel.Tracer("locker-mgmt-client")

// New returns a client for the locker management api at lockerMgmtURL. When
// oauthTokenURL is set, requests carry a bearer token obtained with the
// client credentials flow.
func New(ctx context.Context, lockerMgmtURL, oauthTokenURL, oauthClientID, oauthClientSecret string) (LockerManagementClient, error) {
	c := &lockerMgmtClient{
		url: strings.TrimSuffix(lockerMgmtURL, "/"),
		httpClient: http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}

	if oauthTokenURL == "" {
		return c, nil
	}

	oauthConfig := &clientcredentials.Config{
		ClientID:     oauthClientID,
		ClientSecret: oauthClientSecret,
		TokenURL:     oauthTokenURL,
	}

	base := c.httpClient
	ctx = context.WithValue(ctx, oauth2.HTTPClient, &base)

	token, err := oauthConfig.Token(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get client credentials from %s: %w", oauthTokenURL, err)
	}

	if !token.Valid() {
		return nil, fmt.Errorf("an invalid token was returned from %s", oauthTokenURL)
	}

	c.httpClient = *oauthConfig.Client(ctx)

	return c, nil
}

func (c *lockerMgmtClient) GetLocker(ctx context.Context, lockerID string) (types.Locker, error) {
	var err error
	ctx, span := tracer.Start(ctx, "get-locker")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var l types.Locker
	err = c.do(ctx, http.MethodGet, "/api/v0/lockers/"+url.PathEscape(lockerID), nil, &l)
	return l, err
}

func (c *lockerMgmtClient) QueryLockers(ctx context.Context, statuses ...types.LockerStatus) (types.Collection[types.Locker], error) {
	var err error
	ctx, span := tracer.Start(ctx, "query-lockers")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	path := "/api/v0/lockers"
	if len(statuses) > 0 {
		s := make([]string, 0, len(statuses))
		for _, status := range statuses {
			s = append(s, string(status))
		}
		path += "?status=" + url.QueryEscape(strings.Join(s, ","))
	}

	var result types.Collection[types.Locker]
	err = c.do(ctx, http.MethodGet, path, nil, &result)
	return result, err
}

func (c *lockerMgmtClient) SetLockerStatus(ctx context.Context, lockerID string, status types.LockerStatus) (types.Locker, error) {
	var err error
	ctx, span := tracer.Start(ctx, "set-locker-status")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var l types.Locker
	err = c.do(ctx, http.MethodPut, "/api/v0/lockers/"+url.PathEscape(lockerID)+"/status", map[string]any{"status": status}, &l)
	return l, err
}

type doorAssignment struct {
	Door    types.LockerDoor        `json:"door"`
	Session *types.DoorUsageSession `json:"session,omitempty"`
}

func (c *lockerMgmtClient) AssignDoor(ctx context.Context, doorID, userID string) (types.LockerDoor, types.DoorUsageSession, error) {
	var err error
	ctx, span := tracer.Start(ctx, "assign-door")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var result doorAssignment
	err = c.do(ctx, http.MethodPut, "/api/v0/doors/"+url.PathEscape(doorID)+"/user", map[string]any{"userID": userID}, &result)
	if err != nil {
		return types.LockerDoor{}, types.DoorUsageSession{}, err
	}

	if result.Session == nil {
		err = errors.New("response did not contain a session")
		return types.LockerDoor{}, types.DoorUsageSession{}, err
	}

	return result.Door, *result.Session, nil
}

func (c *lockerMgmtClient) UnassignDoor(ctx context.Context, doorID string) (types.LockerDoor, *types.DoorUsageSession, error) {
	var err error
	ctx, span := tracer.Start(ctx, "unassign-door")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var result doorAssignment
	err = c.do(ctx, http.MethodDelete, "/api/v0/doors/"+url.PathEscape(doorID)+"/user", nil, &result)
	return result.Door, result.Session, err
}

func (c *lockerMgmtClient) EndSession(ctx context.Context, sessionID string) (types.DoorUsageSession, error) {
	var err error
	ctx, span := tracer.Start(ctx, "end-session")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	var s types.DoorUsageSession
	err = c.do(ctx, http.MethodPost, "/api/v0/sessions/"+url.PathEscape(sessionID)+"/end", nil, &s)
	return s, err
}

func (c *lockerMgmtClient) OverdueSessions(ctx context.Context) ([]types.DoorUsageSession, error) {
	var err error
	ctx, span := tracer.Start(ctx, "overdue-sessions")
	defer func() { tracing.RecordAnyErrorAndEndSpan(err, span) }()

	result := []types.DoorUsageSession{}
	err = c.do(ctx, http.MethodGet, "/api/v0/sessions/overdue", nil, &result)
	return result, err
}

func (c *lockerMgmtClient) Close(ctx context.Context) {
	c.httpClient.CloseIdleConnections()
}

type errorResponse struct {
	Error   string   `json:"error"`
	IDs     []string `json:"ids"`
	Message string   `json:"message"`
}

func (c *lockerMgmtClient) do(ctx context.Context, method, path string, body any, result any) error {
	log := logging.GetLoggerFromContext(ctx)

	var reqBody io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.url+path, reqBody)
	if err != nil {
		return fmt.Errorf("failed to create http request: %w", err)
	}

	req.Header.Add("Accept", "application/json")
	if body != nil {
		req.Header.Add("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		log.Debug().Str("path", path).Int("status", resp.StatusCode).Msg("request failed")
		return errorFromResponse(resp.StatusCode, respBody)
	}

	if result == nil || len(respBody) == 0 {
		return nil
	}

	if err = json.Unmarshal(respBody, result); err != nil {
		return fmt.Errorf("failed to unmarshal response body: %w", err)
	}

	return nil
}

// errorFromResponse turns an api error body back into a kinded error, so that
// callers can use errors.Is with the sentinels in the types package.
func errorFromResponse(statusCode int, body []byte) error {
	var e errorResponse
	if err := json.Unmarshal(body, &e); err != nil || e.Error == "" {
		return fmt.Errorf("request failed with status code %d", statusCode)
	}

	kind := types.KindFromCode(e.Error)
	if kind == nil {
		return fmt.Errorf("request failed with status code %d: %s", statusCode, e.Message)
	}

	return types.NewError(kind, e.Message, e.IDs...)
}
