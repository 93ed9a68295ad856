package solana

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// ErrAccountNotFound reports that the RPC node answered but no account
// exists at the requested address.
var ErrAccountNotFound = errors.New("account not found")

// RPCError is a JSON-RPC level failure returned by the node.
type RPCError struct {
	Method  string
	Code    int
	Message string
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc %s failed: %s (code %d)", e.Method, e.Message, e.Code)
}

// Client is a minimal Solana JSON-RPC client covering the account
// reads the oracle adapters need. Calls are rate limited with a token
// bucket and guarded by a circuit breaker so a sick node degrades into
// fast per-source failures instead of piled-up timeouts.
type Client struct {
	endpoint string
	http     *http.Client
	limiter  *rate.Limiter
	breaker  *gobreaker.CircuitBreaker
	log      zerolog.Logger
	nextID   uint64
}

// NewClient creates a client for the given RPC endpoint, allowing up
// to rps requests per second with a burst of the same size.
func NewClient(endpoint string, rps float64) *Client {
	burst := int(rps)
	if burst < 1 {
		burst = 1
	}

	settings := gobreaker.Settings{
		Name:     "solana-rpc",
		Interval: 60 * time.Second,
		Timeout:  60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= 3 {
				return true
			}
			if counts.Requests < 20 {
				return false
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) > 0.05
		},
	}

	return &Client{
		endpoint: endpoint,
		http:     &http.Client{Timeout: 10 * time.Second},
		limiter:  rate.NewLimiter(rate.Limit(rps), burst),
		breaker:  gobreaker.NewCircuitBreaker(settings),
		log:      log.With().Str("module", "solana").Logger(),
	}
}

// Endpoint returns the configured RPC URL.
func (c *Client) Endpoint() string { return c.endpoint }

type rpcRequest struct {
	Jsonrpc string        `json:"jsonrpc"`
	ID      uint64        `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcErrorBody   `json:"error"`
}

type rpcErrorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type accountInfoResult struct {
	Value *struct {
		Data  []string `json:"data"`
		Owner string   `json:"owner"`
	} `json:"value"`
}

// AccountData fetches the raw bytes of an account, base64-decoded.
// A node-side failure surfaces as *RPCError; a missing account as
// ErrAccountNotFound.
func (c *Client) AccountData(ctx context.Context, address string) ([]byte, error) {
	params := []interface{}{
		address,
		map[string]string{"encoding": "base64", "commitment": "confirmed"},
	}

	var result accountInfoResult
	if err := c.call(ctx, "getAccountInfo", params, &result); err != nil {
		return nil, err
	}

	if result.Value == nil {
		return nil, fmt.Errorf("%w: %s", ErrAccountNotFound, address)
	}
	if len(result.Value.Data) == 0 {
		return nil, fmt.Errorf("account %s has no data", address)
	}

	data, err := base64.StdEncoding.DecodeString(result.Value.Data[0])
	if err != nil {
		return nil, fmt.Errorf("decode account data for %s: %w", address, err)
	}
	return data, nil
}

// Health checks node liveness via getHealth.
func (c *Client) Health(ctx context.Context) error {
	var status string
	if err := c.call(ctx, "getHealth", nil, &status); err != nil {
		return err
	}
	if status != "ok" {
		return fmt.Errorf("node reports health %q", status)
	}
	return nil
}

// call runs one JSON-RPC round trip through the limiter and breaker.
func (c *Client) call(ctx context.Context, method string, params []interface{}, out interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rpc rate limit: %w", err)
	}

	raw, err := c.breaker.Execute(func() (interface{}, error) {
		return c.post(ctx, method, params)
	})
	if err != nil {
		return err
	}

	if out != nil {
		if err := json.Unmarshal(raw.(json.RawMessage), out); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) post(ctx context.Context, method string, params []interface{}) (interface{}, error) {
	body, err := json.Marshal(rpcRequest{
		Jsonrpc: "2.0",
		ID:      atomic.AddUint64(&c.nextID, 1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal %s request: %w", method, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", method, err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("rpc %s: %w", method, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &RPCError{Method: method, Code: resp.StatusCode, Message: resp.Status}
	}

	var rpcResp rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", method, err)
	}
	if rpcResp.Error != nil {
		return nil, &RPCError{Method: method, Code: rpcResp.Error.Code, Message: rpcResp.Error.Message}
	}

	c.log.Debug().
		Str("method", method).
		Dur("duration", time.Since(start)).
		Msg("rpc call")

	return rpcResp.Result, nil
}
