package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"order_sync/internal/domain"
	"order_sync/internal/infra"
	"order_sync/pkg/ident"
)

// Exchange error code for unknown orders on query endpoints.
const codeOrderDoesNotExist = -2013

// Client is the REST client used as the authoritative snapshot source during
// resynchronization (Boundary Layer).
type Client struct {
	baseURL    string
	httpClient *http.Client
	signer     *Signer
	breaker    *infra.CircuitBreaker
	logger     *slog.Logger
}

// NewClient creates a new REST API client.
func NewClient(cfg *infra.Config) *Client {
	return &Client{
		baseURL: cfg.API.Binance.RestURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
		signer:  NewSigner(cfg.API.Binance.APIKey, cfg.API.Binance.SecretKey),
		breaker: infra.NewCircuitBreaker(infra.DefaultCircuitBreakerConfig("binance_rest")),
		logger:  slog.Default().With("module", "binance_client"),
	}
}

// QueryOrder fetches the authoritative record for a single order.
// Returns domain.ErrOrderNotFound when the exchange no longer knows the
// order; transport and server failures come back retriable.
func (c *Client) QueryOrder(ctx context.Context, symbol string, orderID ident.ID) (domain.OrderSnapshot, error) {
	if !orderID.Valid() {
		return domain.OrderSnapshot{}, domain.ErrOrderNotFound
	}

	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", strconv.FormatInt(orderID.Wire(), 10))

	body, err := c.doSigned(ctx, "/api/v3/order", params)
	if err != nil {
		return domain.OrderSnapshot{}, err
	}

	var info orderInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return domain.OrderSnapshot{}, fmt.Errorf("failed to parse order response: %w", err)
	}

	return info.toSnapshot(), nil
}

// OpenOrders fetches every order currently resting on the book for a symbol.
// Used on startup to seed resynchronization requests.
func (c *Client) OpenOrders(ctx context.Context, symbol string) ([]domain.OrderSnapshot, error) {
	params := url.Values{}
	params.Set("symbol", symbol)

	body, err := c.doSigned(ctx, "/api/v3/openOrders", params)
	if err != nil {
		return nil, err
	}

	var infos []orderInfo
	if err := json.Unmarshal(body, &infos); err != nil {
		return nil, fmt.Errorf("failed to parse open orders response: %w", err)
	}

	snaps := make([]domain.OrderSnapshot, 0, len(infos))
	for i := range infos {
		snaps = append(snaps, infos[i].toSnapshot())
	}
	return snaps, nil
}

// CreateListenKey opens a user data stream and returns its listen key.
func (c *Client) CreateListenKey(ctx context.Context) (string, error) {
	body, err := c.doKeyed(ctx, "POST", "/api/v3/userDataStream", "")
	if err != nil {
		return "", err
	}

	var resp listenKeyResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("failed to parse listen key response: %w", err)
	}
	if resp.ListenKey == "" {
		return "", fmt.Errorf("empty listen key in response")
	}
	return resp.ListenKey, nil
}

// KeepAliveListenKey extends the stream validity window.
func (c *Client) KeepAliveListenKey(ctx context.Context, key string) error {
	_, err := c.doKeyed(ctx, "PUT", "/api/v3/userDataStream", "listenKey="+url.QueryEscape(key))
	return err
}

// doSigned performs a GET against a HMAC-signed endpoint.
func (c *Client) doSigned(ctx context.Context, path string, params url.Values) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, domain.NewNetworkError(path, fmt.Errorf("circuit breaker open"))
	}

	reqURL := c.baseURL + path + "?" + c.signer.SignQuery(params)
	req, err := http.NewRequestWithContext(ctx, "GET", reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())

	return c.execute(req, path)
}

// doKeyed performs a request that needs only the API key header.
func (c *Client) doKeyed(ctx context.Context, method, path, query string) ([]byte, error) {
	if !c.breaker.Allow() {
		return nil, domain.NewNetworkError(path, fmt.Errorf("circuit breaker open"))
	}

	reqURL := c.baseURL + path
	if query != "" {
		reqURL += "?" + query
	}
	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-MBX-APIKEY", c.signer.APIKey())

	return c.execute(req, path)
}

func (c *Client) execute(req *http.Request, path string) ([]byte, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, domain.NewNetworkError(path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.breaker.RecordFailure()
		return nil, domain.NewNetworkError(path, err)
	}

	if resp.StatusCode == http.StatusOK {
		c.breaker.RecordSuccess()
		return body, nil
	}

	var apiErr apiError
	if err := json.Unmarshal(body, &apiErr); err == nil && apiErr.Code == codeOrderDoesNotExist {
		// A definitive business answer, not a transport failure.
		c.breaker.RecordSuccess()
		return nil, domain.ErrOrderNotFound
	}

	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		c.breaker.RecordFailure()
		return nil, domain.NewNetworkError(path, fmt.Errorf("status=%d body=%s", resp.StatusCode, string(body)))
	}

	c.logger.Error("API request rejected",
		slog.String("path", path),
		slog.Int("status", resp.StatusCode),
		slog.Int("code", apiErr.Code),
		slog.String("msg", apiErr.Msg))
	return nil, fmt.Errorf("api error: status=%d code=%d msg=%s", resp.StatusCode, apiErr.Code, apiErr.Msg)
}
