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
	"time"

	"github.com/qcom/phoneauth/internal/models"
	"github.com/sirupsen/logrus"
)

const serviceHeader = "x-service"

// UserDirectoryClient talks to the user service over HTTP. Every call is
// bounded by timeout. Responses are classified so that callers can tell
// transient failures (5xx, timeouts, network) from final ones (4xx).
type UserDirectoryClient struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	logger     *logrus.Logger
}

func NewUserDirectoryClient(baseURL string, timeout time.Duration, httpClient *http.Client, logger *logrus.Logger) *UserDirectoryClient {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	return &UserDirectoryClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}
}

type userEnvelope struct {
	Success bool         `json:"success"`
	Message string       `json:"message"`
	Data    *models.User `json:"data"`
}

type checkExistsResponse struct {
	Exists bool `json:"exists"`
}

type statusRequest struct {
	Phone  string `json:"phone"`
	Status string `json:"status"`
}

type passwordRequest struct {
	Phone    string `json:"phone"`
	Password string `json:"password"`
}

func (c *UserDirectoryClient) CheckExists(ctx context.Context, phone string) (bool, error) {
	var resp checkExistsResponse
	if err := c.do(ctx, http.MethodGet, "/api/users/check-exists/"+url.PathEscape(phone), nil, &resp); err != nil {
		return false, err
	}
	return resp.Exists, nil
}

func (c *UserDirectoryClient) Register(ctx context.Context, reg models.Registration) (*models.User, error) {
	var resp userEnvelope
	if err := c.do(ctx, http.MethodPost, "/api/users/register", reg, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, fmt.Errorf("%w: register returned no user: %s", models.ErrDownstreamRejected, resp.Message)
	}
	return resp.Data, nil
}

func (c *UserDirectoryClient) FindByPhone(ctx context.Context, phone string) (*models.User, error) {
	var resp userEnvelope
	if err := c.do(ctx, http.MethodGet, "/api/users/phone/"+url.PathEscape(phone), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, models.ErrUserNotFound
	}
	return resp.Data, nil
}

func (c *UserDirectoryClient) UpdateStatus(ctx context.Context, phone, status string) error {
	return c.do(ctx, http.MethodPut, "/api/users/status", statusRequest{Phone: phone, Status: status}, nil)
}

func (c *UserDirectoryClient) UpdatePassword(ctx context.Context, phone, password string) error {
	return c.do(ctx, http.MethodPut, "/api/users/password", passwordRequest{Phone: phone, Password: password}, nil)
}

func (c *UserDirectoryClient) do(ctx context.Context, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(serviceHeader, "auth-service")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	log := c.logger.WithFields(logrus.Fields{"method": method, "path": path})

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.WithError(err).Warn("User directory request failed")
		if errors.Is(err, context.DeadlineExceeded) {
			return fmt.Errorf("%w: user directory timed out after %s: %w", models.ErrDownstreamUnavailable, c.timeout, err)
		}
		return fmt.Errorf("%w: user directory: %w", models.ErrDownstreamUnavailable, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: failed to read user directory response: %w", models.ErrDownstreamUnavailable, err)
	}

	if err := classifyStatus(resp.StatusCode, respBody); err != nil {
		log.WithError(err).WithField("status", resp.StatusCode).Warn("User directory returned an error")
		return err
	}

	if out == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("%w: failed to decode user directory response: %w", models.ErrDownstreamRejected, err)
	}
	return nil
}

// StatusError is a non-2xx answer from the user directory.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("user directory returned %d: %s", e.StatusCode, e.Body)
}

func classifyStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	statusErr := &StatusError{StatusCode: code, Body: strings.TrimSpace(string(body))}
	switch {
	case code == http.StatusConflict:
		return fmt.Errorf("%w: %w", models.ErrUserConflict, statusErr)
	case code == http.StatusNotFound:
		return fmt.Errorf("%w: %w", models.ErrUserNotFound, statusErr)
	case code >= 500:
		return fmt.Errorf("%w: %w", models.ErrDownstreamUnavailable, statusErr)
	default:
		return fmt.Errorf("%w: %w", models.ErrDownstreamRejected, statusErr)
	}
}
