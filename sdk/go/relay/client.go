// Package relay is a Go client for the ContractRelay REST API.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Transactions are answered once they are included in a block, so it is
// longer than a typical API timeout.
const DefaultHTTPTimeout = 3 * time.Minute

// Client wraps the HTTP interactions with the relay REST API.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// AccountRegistration registers a named account. PrivateKey may be empty for
// read-only accounts.
type AccountRegistration struct {
	Name       string `json:"name"`
	Address    string `json:"address"`
	PrivateKey string `json:"private_key,omitempty"`
	ChainID    int64  `json:"chain_id,omitempty"`
	Chain      string `json:"chain,omitempty"`
}

// Account describes a registered account.
type Account struct {
	Name      string   `json:"name"`
	Address   string   `json:"address"`
	Chain     string   `json:"chain,omitempty"`
	ChainID   string   `json:"chain_id,omitempty"`
	CanSign   bool     `json:"can_sign"`
	Contracts []string `json:"contracts"`
}

// ContractRegistration binds an ABI to an address inside an account.
type ContractRegistration struct {
	Account string          `json:"account,omitempty"`
	Name    string          `json:"name"`
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi"`
}

// Contract describes a contract binding.
type Contract struct {
	Name    string          `json:"name"`
	Address string          `json:"address"`
	ABI     json.RawMessage `json:"abi,omitempty"`
}

// Invocation names a contract function and its arguments. Large integers
// should be passed as strings or json.Number.
type Invocation struct {
	Account  string `json:"account,omitempty"`
	Contract string `json:"contract"`
	Function string `json:"function"`
	Args     []any  `json:"args"`
}

// TransactionResult is returned once a transaction is included in a block.
type TransactionResult struct {
	SubmissionID string          `json:"submission_id"`
	Hash         string          `json:"transaction_hash"`
	From         string          `json:"from"`
	To           string          `json:"to"`
	Nonce        uint64          `json:"nonce"`
	BlockNumber  uint64          `json:"block_number"`
	Status       uint64          `json:"status"`
	Receipt      json.RawMessage `json:"receipt"`
}

// CallResult is the decoded output of a read-only call.
type CallResult struct {
	Raw    string   `json:"raw"`
	Value  string   `json:"value"`
	Values []string `json:"values,omitempty"`
}

// StageRecord is one lifecycle transition of a submission.
type StageRecord struct {
	Stage string    `json:"stage"`
	At    time.Time `json:"at"`
}

// Submission is a journaled transaction lifecycle.
type Submission struct {
	ID            string        `json:"id"`
	Hash          string        `json:"hash"`
	Account       string        `json:"account"`
	Chain         string        `json:"chain"`
	Contract      string        `json:"contract"`
	Function      string        `json:"function"`
	From          string        `json:"from"`
	To            string        `json:"to"`
	Nonce         uint64        `json:"nonce"`
	Stage         string        `json:"stage"`
	History       []StageRecord `json:"history"`
	BlockNumber   uint64        `json:"block_number"`
	Status        uint64        `json:"status"`
	Confirmations uint64        `json:"confirmations"`
	ErrorCode     string        `json:"error_code,omitempty"`
	ErrorMessage  string        `json:"error_message,omitempty"`
	CreatedAt     int64         `json:"created_at"`
	UpdatedAt     int64         `json:"updated_at"`
}

// ChainSnapshot reports the state of one configured chain.
type ChainSnapshot struct {
	Name        string `json:"name,omitempty"`
	ChainID     string `json:"chain_id"`
	BlockNumber string `json:"block_number"`
	Notes       string `json:"notes,omitempty"`
}

// Health is the payload of the health endpoint.
type Health struct {
	Status string            `json:"status"`
	Chains []ChainSnapshot   `json:"chains"`
	Errors map[string]string `json:"errors,omitempty"`
}

// APIError represents a failed request.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("relay api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("relay api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the relay API. When httpClient is nil a
// default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// RegisterAccount adds or replaces a named account and returns its address.
func (c *Client) RegisterAccount(ctx context.Context, reg AccountRegistration) (string, error) {
	var out struct {
		Address string `json:"address"`
	}
	if err := c.post(ctx, "/api/v1/accounts", reg, &out); err != nil {
		return "", err
	}
	return out.Address, nil
}

// ListAccounts returns the registered account names.
func (c *Client) ListAccounts(ctx context.Context) ([]string, error) {
	var out struct {
		Accounts []string `json:"accounts"`
	}
	if err := c.get(ctx, "/api/v1/accounts", nil, &out); err != nil {
		return nil, err
	}
	return out.Accounts, nil
}

// GetAccount describes one account.
func (c *Client) GetAccount(ctx context.Context, name string) (Account, error) {
	var out Account
	err := c.get(ctx, "/api/v1/accounts/"+url.PathEscape(name), nil, &out)
	return out, err
}

// AddContract binds an ABI to an address in the given account, or the default
// account when reg.Account is empty.
func (c *Client) AddContract(ctx context.Context, reg ContractRegistration) (Contract, error) {
	var out Contract
	err := c.post(ctx, "/api/v1/contracts", reg, &out)
	return out, err
}

// ListContracts returns the contract names of an account.
func (c *Client) ListContracts(ctx context.Context, accountName string) ([]string, error) {
	var out struct {
		Contracts []string `json:"contracts"`
	}
	if err := c.get(ctx, "/api/v1/contracts", accountQuery(accountName), &out); err != nil {
		return nil, err
	}
	return out.Contracts, nil
}

// GetContract returns a contract binding including its ABI.
func (c *Client) GetContract(ctx context.Context, accountName, name string) (Contract, error) {
	var out Contract
	err := c.get(ctx, "/api/v1/contracts/"+url.PathEscape(name), accountQuery(accountName), &out)
	return out, err
}

// ExecuteTransaction submits a state-changing call and waits for inclusion.
func (c *Client) ExecuteTransaction(ctx context.Context, inv Invocation) (TransactionResult, error) {
	var out TransactionResult
	err := c.post(ctx, "/api/v1/transactions", inv, &out)
	return out, err
}

// ExecuteCall runs a read-only call.
func (c *Client) ExecuteCall(ctx context.Context, inv Invocation) (CallResult, error) {
	var out CallResult
	err := c.post(ctx, "/api/v1/calls", inv, &out)
	return out, err
}

// TransactionReceipt fetches the raw receipt of hash on chain, or on the
// default chain when chain is empty.
func (c *Client) TransactionReceipt(ctx context.Context, chain, hash string) (json.RawMessage, error) {
	var query url.Values
	if chain != "" {
		query = url.Values{"chain": {chain}}
	}
	var out json.RawMessage
	err := c.get(ctx, "/api/v1/transactions/"+url.PathEscape(hash), query, &out)
	return out, err
}

// ListSubmissions returns the most recently updated submissions.
func (c *Client) ListSubmissions(ctx context.Context, limit int) ([]Submission, error) {
	var query url.Values
	if limit > 0 {
		query = url.Values{"limit": {strconv.Itoa(limit)}}
	}
	var out struct {
		Submissions []Submission `json:"submissions"`
	}
	if err := c.get(ctx, "/api/v1/submissions", query, &out); err != nil {
		return nil, err
	}
	return out.Submissions, nil
}

// GetSubmission looks a submission up by id or transaction hash.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var out Submission
	err := c.get(ctx, "/api/v1/submissions/"+url.PathEscape(id), nil, &out)
	return out, err
}

// Health reports chain reachability. A degraded relay answers with an
// APIError carrying status 503; the decoded payload is still returned.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var out Health
	req, err := c.newRequest(ctx, http.MethodGet, "/healthz", nil, nil)
	if err != nil {
		return out, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return out, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return out, fmt.Errorf("decode response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return out, &APIError{StatusCode: resp.StatusCode, Message: out.Status}
	}
	return out, nil
}

func accountQuery(name string) url.Values {
	if name == "" {
		return nil
	}
	return url.Values{"account": {name}}
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	u := c.baseURL.ResolveReference(rel)
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		data, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("read error response: %w", err)
		}
		if len(data) > 0 {
			_ = json.Unmarshal(data, apiErr)
		}
		if apiErr.Message == "" {
			apiErr.Message = string(bytes.TrimSpace(data))
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
