package rpc

import (
	"container/list"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"haggle/crypto"
)

const (
	// HeaderAddress optionally names the signer; it must match the address
	// recovered from X-Signature.
	HeaderAddress = "X-Haggle-Address"
	// HeaderTimestamp is the unix timestamp (seconds) covered by the signature.
	HeaderTimestamp = "X-Timestamp"
	// HeaderNonce provides replay protection when combined with the timestamp.
	HeaderNonce = "X-Nonce"
	// HeaderSignature carries the hex-encoded 65-byte secp256k1 signature.
	HeaderSignature = "X-Signature"

	maxAllowedTimestampSkew  = 10 * time.Minute
	defaultTimestampSkew     = 2 * time.Minute
	defaultNonceCapacity     = 4096
	persistencePruneInterval = time.Minute
	maxNonceLength           = 128
)

var (
	errMissingCredentials = errors.New("missing credentials: provide a bearer token or signed headers")
	errNonceReused        = errors.New("nonce already used")
	errNonceCapacity      = errors.New("too many signed requests in the replay window; retry later")
)

// JWTConfig configures bearer token verification. Tokens are HS256 and carry
// the caller's bech32 address as subject.
type JWTConfig struct {
	Secret   string
	Issuer   string
	Audience []string
	Leeway   time.Duration
}

// NonceRecord captures persisted nonce usage metadata.
type NonceRecord struct {
	Address    string
	Timestamp  string
	Nonce      string
	ObservedAt time.Time
}

// NoncePersistence provides durable storage for signed-request nonces.
type NoncePersistence interface {
	EnsureNonce(ctx context.Context, record NonceRecord) (bool, error)
	RecentNonces(ctx context.Context, cutoff time.Time) ([]NonceRecord, error)
	PruneNonces(ctx context.Context, cutoff time.Time) error
}

// Authenticator resolves the caller address of an RPC request from either a
// bearer token or a secp256k1 request signature.
type Authenticator struct {
	jwtSecret []byte
	issuer    string
	audience  []string
	leeway    time.Duration

	skew  time.Duration
	nowFn func() time.Time

	nonces *nonceStore

	persistence NoncePersistence
	pruneMu     sync.Mutex
	lastPruned  time.Time
}

// NewAuthenticator builds an Authenticator. A zero skew selects the default
// window; persistence may be nil for purely in-memory replay protection.
func NewAuthenticator(cfg JWTConfig, skew time.Duration, persistence NoncePersistence, nowFn func() time.Time) (*Authenticator, error) {
	if nowFn == nil {
		nowFn = time.Now
	}
	if skew <= 0 {
		skew = defaultTimestampSkew
	}
	if skew > maxAllowedTimestampSkew {
		return nil, fmt.Errorf("rpc: signature skew exceeds %s", maxAllowedTimestampSkew)
	}
	audience := make([]string, 0, len(cfg.Audience))
	for _, aud := range cfg.Audience {
		if trimmed := strings.TrimSpace(aud); trimmed != "" {
			audience = append(audience, trimmed)
		}
	}
	leeway := cfg.Leeway
	if leeway <= 0 {
		leeway = skew
	}
	return &Authenticator{
		jwtSecret:   []byte(strings.TrimSpace(cfg.Secret)),
		issuer:      strings.TrimSpace(cfg.Issuer),
		audience:    audience,
		leeway:      leeway,
		skew:        skew,
		nowFn:       nowFn,
		nonces:      newNonceStore(2*skew, defaultNonceCapacity),
		persistence: persistence,
	}, nil
}

// Authenticate returns the caller address for r. body must be the exact
// request payload.
func (a *Authenticator) Authenticate(r *http.Request, body []byte) ([20]byte, error) {
	if token := extractBearer(r.Header.Get("Authorization")); token != "" {
		return a.authenticateToken(token)
	}
	if strings.TrimSpace(r.Header.Get(HeaderSignature)) != "" {
		return a.authenticateSignature(r, body)
	}
	return [20]byte{}, errMissingCredentials
}

func (a *Authenticator) authenticateToken(tokenString string) ([20]byte, error) {
	if len(a.jwtSecret) == 0 {
		return [20]byte{}, errors.New("bearer tokens not accepted: JWT secret not configured")
	}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(a.leeway),
		jwt.WithTimeFunc(a.nowFn),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return a.jwtSecret, nil
	}, opts...)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid token: %w", err)
	}
	if !token.Valid {
		return [20]byte{}, errors.New("invalid token")
	}
	if claims.ExpiresAt == nil {
		return [20]byte{}, errors.New("token must carry an expiry")
	}
	if len(a.audience) > 0 && !audienceMatches(claims.Audience, a.audience) {
		return [20]byte{}, errors.New("token audience mismatch")
	}
	addr, err := crypto.ParseAddress(claims.Subject)
	if err != nil {
		return [20]byte{}, fmt.Errorf("token subject: %w", err)
	}
	return addr, nil
}

func audienceMatches(got jwt.ClaimStrings, allowed []string) bool {
	for _, g := range got {
		for _, want := range allowed {
			if g == want {
				return true
			}
		}
	}
	return false
}

func (a *Authenticator) authenticateSignature(r *http.Request, body []byte) ([20]byte, error) {
	timestampHeader := strings.TrimSpace(r.Header.Get(HeaderTimestamp))
	if timestampHeader == "" {
		return [20]byte{}, errors.New("missing X-Timestamp header")
	}
	ts, err := parseUnixTimestamp(timestampHeader)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid timestamp: %w", err)
	}
	now := a.nowFn().UTC()
	skew := now.Sub(ts)
	if skew < 0 {
		skew = -skew
	}
	if skew > a.skew {
		return [20]byte{}, fmt.Errorf("timestamp outside allowed skew of %s", a.skew)
	}
	nonce := strings.TrimSpace(r.Header.Get(HeaderNonce))
	if nonce == "" {
		return [20]byte{}, errors.New("missing X-Nonce header")
	}
	if len(nonce) > maxNonceLength {
		return [20]byte{}, fmt.Errorf("nonce longer than %d characters", maxNonceLength)
	}
	sigHex := strings.TrimPrefix(strings.TrimSpace(r.Header.Get(HeaderSignature)), "0x")
	sig, err := hex.DecodeString(sigHex)
	if err != nil {
		return [20]byte{}, fmt.Errorf("invalid signature encoding: %w", err)
	}
	signer, err := crypto.RecoverRequestSigner(sig, timestampHeader, nonce, r.Method, CanonicalRequestPath(r), body)
	if err != nil {
		return [20]byte{}, err
	}
	if claimed := strings.TrimSpace(r.Header.Get(HeaderAddress)); claimed != "" {
		addr, err := crypto.ParseAddress(claimed)
		if err != nil {
			return [20]byte{}, fmt.Errorf("invalid %s: %w", HeaderAddress, err)
		}
		if addr != signer {
			return [20]byte{}, fmt.Errorf("%w: signer does not match %s", crypto.ErrInvalidSignature, HeaderAddress)
		}
	}
	signerText := crypto.AddressFromRaw(signer).String()
	duplicate, err := a.registerNonce(r.Context(), signerText, timestampHeader, nonce, now)
	if err != nil {
		return [20]byte{}, err
	}
	if duplicate {
		return [20]byte{}, errNonceReused
	}
	return signer, nil
}

// HydrateNonces warms the in-memory cache with persisted nonce usage so a
// restart does not reopen the replay window.
func (a *Authenticator) HydrateNonces(ctx context.Context) error {
	if a == nil || a.persistence == nil {
		return nil
	}
	now := a.nowFn().UTC()
	records, err := a.persistence.RecentNonces(ctx, now.Add(-a.nonces.ttl))
	if err != nil {
		return err
	}
	for _, rec := range records {
		if rec.Address == "" || rec.Timestamp == "" || rec.Nonce == "" {
			continue
		}
		a.nonces.Add(nonceKey(rec.Address, rec.Timestamp, rec.Nonce), rec.ObservedAt)
	}
	return nil
}

func nonceKey(address, timestamp, nonce string) string {
	return address + "|" + timestamp + "|" + nonce
}

func (a *Authenticator) registerNonce(ctx context.Context, address, timestamp, nonce string, now time.Time) (bool, error) {
	key := nonceKey(address, timestamp, nonce)
	if a.nonces.Contains(key, now) {
		return true, nil
	}
	if a.persistence != nil {
		existed, err := a.persistence.EnsureNonce(ctx, NonceRecord{
			Address:    address,
			Timestamp:  timestamp,
			Nonce:      nonce,
			ObservedAt: now,
		})
		if err != nil {
			return false, fmt.Errorf("persist nonce: %w", err)
		}
		if existed {
			a.nonces.Add(key, now)
			return true, nil
		}
		if err := a.prunePersistent(ctx, now); err != nil {
			return false, err
		}
	}
	seen, err := a.nonces.Seen(key, now)
	if errors.Is(err, errNonceCapacity) && a.persistence != nil {
		// EnsureNonce already recorded it durably.
		return false, nil
	}
	return seen, err
}

func (a *Authenticator) prunePersistent(ctx context.Context, now time.Time) error {
	a.pruneMu.Lock()
	defer a.pruneMu.Unlock()
	if !a.lastPruned.IsZero() && now.Sub(a.lastPruned) < persistencePruneInterval {
		return nil
	}
	a.lastPruned = now
	if err := a.persistence.PruneNonces(ctx, now.Add(-a.nonces.ttl)); err != nil {
		return fmt.Errorf("prune nonces: %w", err)
	}
	return nil
}

// CanonicalRequestPath returns the path and sorted query covered by request
// signatures.
func CanonicalRequestPath(r *http.Request) string {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if r.URL.RawQuery != "" {
		parts := strings.Split(r.URL.RawQuery, "&")
		sort.Strings(parts)
		path += "?" + strings.Join(parts, "&")
	}
	return path
}

func parseUnixTimestamp(v string) (time.Time, error) {
	secs, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(secs, 0).UTC(), nil
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

// nonceStore is a bounded TTL set of recently observed nonces.
type nonceStore struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type nonceEntry struct {
	key string
	ts  time.Time
}

func newNonceStore(ttl time.Duration, capacity int) *nonceStore {
	if capacity <= 0 {
		capacity = defaultNonceCapacity
	}
	return &nonceStore{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether key was observed within the TTL and records it when
// new. Live entries are never evicted to make room: a full store refuses the
// key with errNonceCapacity.
func (n *nonceStore) Seen(key string, now time.Time) (bool, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	if _, exists := n.entries[key]; exists {
		return true, nil
	}
	if !n.insertLocked(key, now, false) {
		return false, errNonceCapacity
	}
	return false, nil
}

func (n *nonceStore) Contains(key string, now time.Time) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.evictExpired(now.Add(-n.ttl))
	_, exists := n.entries[key]
	return exists
}

// Add caches a nonce already recorded in persistent storage. Being a cache,
// it evicts the oldest entries when full.
func (n *nonceStore) Add(key string, now time.Time) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.insertLocked(key, now, true)
}

func (n *nonceStore) insertLocked(key string, now time.Time, evict bool) bool {
	if elem, exists := n.entries[key]; exists {
		elem.Value = nonceEntry{key: key, ts: now}
		n.order.MoveToBack(elem)
		return true
	}
	if n.order.Len() >= n.capacity && !evict {
		return false
	}
	for n.order.Len() >= n.capacity {
		front := n.order.Front()
		n.order.Remove(front)
		delete(n.entries, front.Value.(nonceEntry).key)
	}
	n.entries[key] = n.order.PushBack(nonceEntry{key: key, ts: now})
	return true
}

func (n *nonceStore) evictExpired(cutoff time.Time) {
	for {
		front := n.order.Front()
		if front == nil {
			return
		}
		entry := front.Value.(nonceEntry)
		if !entry.ts.Before(cutoff) {
			return
		}
		n.order.Remove(front)
		delete(n.entries, entry.key)
	}
}
