package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"github.com/harun/agentd/internal/config"
	"github.com/harun/agentd/pkg/gateway"
)

// adminClient talks to a running daemon through its gateway.
type adminClient struct {
	baseURL string
	http    *http.Client
}

func newAdminClient(cfg config.GatewayConfig) (*adminClient, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("gateway is disabled in the config")
	}
	host := cfg.Host
	if host == "" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return &adminClient{
		baseURL: "http://" + net.JoinHostPort(host, strconv.Itoa(cfg.Port)),
		http:    &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *adminClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon unreachable at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr gateway.ErrorPayload
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Message != "" {
			return fmt.Errorf("%s: %s", apiErr.Code, apiErr.Message)
		}
		return fmt.Errorf("unexpected status %s", resp.Status)
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *adminClient) get(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodGet, path, out)
}

func (c *adminClient) post(ctx context.Context, path string, out interface{}) error {
	return c.do(ctx, http.MethodPost, path, out)
}

func (c *adminClient) delete(ctx context.Context, path string) error {
	return c.do(ctx, http.MethodDelete, path, nil)
}

func sessionPath(identity string, suffix string) string {
	return "/sessions/" + url.PathEscape(identity) + suffix
}

// dial opens a gateway WebSocket and consumes the hello message.
func (c *adminClient) dial(ctx context.Context) (*websocket.Conn, string, error) {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, "", err
	}
	u.Scheme = "ws"
	u.Path = "/ws"

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("daemon unreachable at %s: %w", u.String(), err)
	}

	var hello struct {
		Type gateway.MessageType  `json:"type"`
		Data gateway.HelloPayload `json:"data"`
	}
	if err := conn.ReadJSON(&hello); err != nil {
		conn.Close()
		return nil, "", fmt.Errorf("failed to read hello: %w", err)
	}
	if hello.Type != gateway.MessageHello {
		conn.Close()
		return nil, "", fmt.Errorf("unexpected first message %q", hello.Type)
	}
	return conn, hello.Data.ClientID, nil
}
