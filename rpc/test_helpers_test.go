package rpc

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"haggle/core"
	"haggle/crypto"
	"haggle/native/negotiation"
	"haggle/storage"
)

const testJWTSecret = "rpc-test-secret"

type testEnv struct {
	node   *core.Node
	server *Server
	clock  *int64
	buyer  *crypto.PrivateKey
	seller *crypto.PrivateKey
}

func newTestKey(t testing.TB) *crypto.PrivateKey {
	t.Helper()
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func keyAddress(key *crypto.PrivateKey) [20]byte {
	return key.PubKey().Address().Raw()
}

func newTestEnv(t testing.TB) *testEnv {
	return newTestEnvWithConfig(t, ServerConfig{})
}

func newTestEnvWithConfig(t testing.TB, cfg ServerConfig) *testEnv {
	t.Helper()
	nodeKey := newTestKey(t)
	node, err := core.NewNode(storage.NewMemDB(), nodeKey)
	if err != nil {
		t.Fatalf("new node: %v", err)
	}
	t.Cleanup(node.Close)
	clock := int64(1_700_000_000)
	node.SetNowFunc(func() int64 { return clock })
	node.EnableFaucet(true)
	defaults := negotiation.Defaults{MaxRounds: 10, DecayRateBps: 500, ResponseWindow: 3_600, ProtocolFeeBps: 250}
	if _, err := node.Bootstrap(context.Background(), node.Address(), node.Address(), defaults, false); err != nil {
		t.Fatalf("bootstrap: %v", err)
	}

	env := &testEnv{node: node, clock: &clock, buyer: newTestKey(t), seller: newTestKey(t)}
	if _, err := node.Faucet(context.Background(), keyAddress(env.buyer), "USDC", 5_000_000); err != nil {
		t.Fatalf("faucet: %v", err)
	}

	if cfg.JWT.Secret == "" {
		cfg.JWT = JWTConfig{Secret: testJWTSecret, Issuer: "rpc-tests"}
	}
	if cfg.Defaults.Token == "" {
		cfg.Defaults = CreateDefaults{Token: "USDC", MinOfferBps: 200, DeadlineOffset: 86_400}
	}
	srv, err := NewServer(node, cfg)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}
	env.server = srv
	return env
}

func mintToken(t testing.TB, key *crypto.PrivateKey) string {
	t.Helper()
	claims := jwt.RegisteredClaims{
		Subject:   key.PubKey().Address().String(),
		Issuer:    "rpc-tests",
		IssuedAt:  jwt.NewNumericDate(time.Now()),
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func marshalParam(t testing.TB, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal param: %v", err)
	}
	return raw
}

func encodeRequest(t testing.TB, method string, params ...interface{}) []byte {
	t.Helper()
	req := RPCRequest{JSONRPC: jsonRPCVersion, Method: method, ID: 1}
	for _, p := range params {
		req.Params = append(req.Params, marshalParam(t, p))
	}
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return body
}

// call posts a JSON-RPC request, authenticating with a bearer token when key
// is set.
func (e *testEnv) call(t testing.TB, key *crypto.PrivateKey, method string, params ...interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body := encodeRequest(t, method, params...)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if key != nil {
		req.Header.Set("Authorization", "Bearer "+mintToken(t, key))
	}
	rec := httptest.NewRecorder()
	e.server.Handler().ServeHTTP(rec, req)
	return rec
}

func signedRequest(t testing.TB, key *crypto.PrivateKey, body []byte, ts time.Time, nonce string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	timestamp := strconv.FormatInt(ts.Unix(), 10)
	sig, err := crypto.SignRequest(key, timestamp, nonce, http.MethodPost, "/", body)
	if err != nil {
		t.Fatalf("sign request: %v", err)
	}
	req.Header.Set(HeaderTimestamp, timestamp)
	req.Header.Set(HeaderNonce, nonce)
	req.Header.Set(HeaderSignature, "0x"+hex.EncodeToString(sig))
	return req
}

func decodeRPCResponse(t testing.TB, rec *httptest.ResponseRecorder, out interface{}) *RPCError {
	t.Helper()
	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *RPCError       `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out != nil {
		if err := json.Unmarshal(resp.Result, out); err != nil {
			t.Fatalf("decode result: %v", err)
		}
	}
	return nil
}

func mustResult(t testing.TB, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	if rpcErr := decodeRPCResponse(t, rec, out); rpcErr != nil {
		t.Fatalf("unexpected rpc error (status %d): %+v", rec.Code, rpcErr)
	}
}

func expectRPCError(t testing.TB, rec *httptest.ResponseRecorder, status, code int, message string) *RPCError {
	t.Helper()
	rpcErr := decodeRPCResponse(t, rec, nil)
	if rpcErr == nil {
		t.Fatalf("expected error, got %s", rec.Body.String())
	}
	if rec.Code != status {
		t.Fatalf("expected status %d got %d", status, rec.Code)
	}
	if rpcErr.Code != code {
		t.Fatalf("expected code %d got %d", code, rpcErr.Code)
	}
	if message != "" && rpcErr.Message != message {
		t.Fatalf("expected message %q got %q", message, rpcErr.Message)
	}
	return rpcErr
}

func (e *testEnv) createNegotiation(t testing.TB, sessionID uint64) NegotiationResult {
	t.Helper()
	var created NegotiationResult
	rec := e.call(t, e.buyer, "negotiation_create", map[string]interface{}{
		"seller":       e.seller.PubKey().Address().String(),
		"sessionId":    sessionID,
		"escrowAmount": "1000000",
		"service":      "logo design",
	})
	mustResult(t, rec, &created)
	return created
}
