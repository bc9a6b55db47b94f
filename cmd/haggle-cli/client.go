package main

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"haggle/cmd/internal/passphrase"
	"haggle/crypto"
	"haggle/rpc"
)

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *rpcError) Error() string {
	if len(e.Data) > 0 {
		var detail string
		if json.Unmarshal(e.Data, &detail) == nil && detail != "" {
			return fmt.Sprintf("rpc error %d: %s (%s)", e.Code, e.Message, detail)
		}
	}
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// client issues JSON-RPC calls, authenticating either with a bearer token or
// by signing each request with the caller key.
type client struct {
	endpoint string
	http     *http.Client
	token    string
	key      *crypto.PrivateKey

	now      func() time.Time
	newNonce func() string
}

var (
	httpClient = &http.Client{Timeout: 30 * time.Second}
	loadKey    = loadKeystore
)

func loadKeystore(path string) (*crypto.PrivateKey, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("no keystore: pass --key or set " + keystoreEnv)
	}
	if key, err := crypto.LoadFromKeystore(path, ""); err == nil {
		return key, nil
	}
	pass, err := passphrase.NewSource(clientPassEnv, "client").Get()
	if err != nil {
		return nil, err
	}
	return crypto.LoadFromKeystore(path, pass)
}

func newClient(opts globalOptions, needKey bool) (*client, error) {
	c := &client{
		endpoint: opts.endpoint,
		http:     httpClient,
		token:    opts.token,
		now:      time.Now,
		newNonce: uuid.NewString,
	}
	if (needKey && c.token == "") || opts.keystore != "" {
		if opts.keystore == "" {
			return nil, errors.New("this command needs credentials: pass --key or --token")
		}
		key, err := loadKey(opts.keystore)
		if err != nil {
			return nil, fmt.Errorf("load key: %w", err)
		}
		c.key = key
	}
	return c, nil
}


func (c *client) call(method string, params interface{}, authenticate bool) (json.RawMessage, error) {
	payload := map[string]interface{}{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  method,
		"params":  []interface{}{},
	}
	if params != nil {
		payload["params"] = []interface{}{params}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if authenticate {
		if err := c.authorize(req, body); err != nil {
			return nil, err
		}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("POST %s: %w", c.endpoint, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	var rpcResp struct {
		Result json.RawMessage `json:"result"`
		Error  *rpcError       `json:"error"`
	}
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response (HTTP %d): %w", resp.StatusCode, err)
	}
	if rpcResp.Error != nil {
		return nil, rpcResp.Error
	}
	return rpcResp.Result, nil
}

func (c *client) authorize(req *http.Request, body []byte) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
		return nil
	}
	if c.key == nil {
		return errors.New("no credentials loaded")
	}
	timestamp := strconv.FormatInt(c.now().Unix(), 10)
	nonce := c.newNonce()
	sig, err := crypto.SignRequest(c.key, timestamp, nonce, req.Method, rpc.CanonicalRequestPath(req), body)
	if err != nil {
		return err
	}
	req.Header.Set(rpc.HeaderTimestamp, timestamp)
	req.Header.Set(rpc.HeaderNonce, nonce)
	req.Header.Set(rpc.HeaderSignature, "0x"+hex.EncodeToString(sig))
	req.Header.Set(rpc.HeaderAddress, c.key.PubKey().Address().String())
	return nil
}
