package auth

import (
	"bytes"
	"context"
	"encoding/hex"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gin-gonic/gin"
)

const (
	// HeaderTimestamp carries the unix time the request was signed at.
	HeaderTimestamp = "X-Blocki-Timestamp"
	// HeaderSignature carries "address:signature" pairs. It may repeat, and
	// a single value may hold several comma-separated pairs.
	HeaderSignature = "X-Blocki-Signature"

	// ContextKeyGate is the gin context key holding the request's Gate.
	ContextKeyGate = "authGate"
)

// DefaultMaxSkew bounds how far a signed timestamp may drift from now.
const DefaultMaxSkew = 5 * time.Minute

// ReplayGuard remembers accepted signed requests.
type ReplayGuard interface {
	// Claim records token for ttl. It reports false when token is already
	// recorded.
	Claim(ctx context.Context, token string, ttl time.Duration) (bool, error)
}

// Verifier checks request signatures.
type Verifier struct {
	maxSkew time.Duration
	now     func() time.Time
	replay  ReplayGuard
}

// NewVerifier creates a verifier accepting timestamps within maxSkew.
func NewVerifier(maxSkew time.Duration) *Verifier {
	if maxSkew <= 0 {
		maxSkew = DefaultMaxSkew
	}
	return &Verifier{maxSkew: maxSkew, now: time.Now}
}

// WithClock overrides the wall clock used for skew checks.
func (v *Verifier) WithClock(now func() time.Time) *Verifier {
	v.now = now
	return v
}

// WithReplayGuard makes every signed request single-use. A signed message
// stays acceptable for twice the skew window, so that is how long it is
// remembered.
func (v *Verifier) WithReplayGuard(g ReplayGuard) *Verifier {
	v.replay = g
	return v
}

// Middleware verifies signatures and stores the resulting Grants. Requests
// without signatures pass through with an empty grant set; a malformed,
// stale or mismatched signature rejects the request.
func (v *Verifier) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		pairs := signaturePairs(c.Request.Header.Values(HeaderSignature))
		if len(pairs) == 0 {
			c.Set(ContextKeyGate, Grants{})
			c.Next()
			return
		}

		ts, err := strconv.ParseInt(c.GetHeader(HeaderTimestamp), 10, 64)
		if err != nil {
			abort(c, "invalid_timestamp", HeaderTimestamp+" must be a unix timestamp")
			return
		}
		skew := v.now().Sub(time.Unix(ts, 0))
		if skew < 0 {
			skew = -skew
		}
		if skew > v.maxSkew {
			abort(c, "stale_signature", "signature timestamp outside the accepted window")
			return
		}

		var body []byte
		if c.Request.Body != nil {
			body, err = io.ReadAll(c.Request.Body)
			if err != nil {
				abort(c, "invalid_body", "failed to read request body")
				return
			}
			c.Request.Body = io.NopCloser(bytes.NewReader(body))
		}

		msg := RequestMessage(c.Request.Method, c.Request.URL.Path, body, ts)
		grants := Grants{}
		for _, p := range pairs {
			if !common.IsHexAddress(p.addr) {
				abort(c, "invalid_signature", "signer must be a hex address")
				return
			}
			signer := common.HexToAddress(p.addr)
			if err := VerifySignature(msg, p.sig, signer); err != nil {
				abort(c, "invalid_signature", err.Error())
				return
			}
			grants.Add(signer)
		}

		if v.replay != nil {
			token := hex.EncodeToString(HashMessage(msg))
			fresh, err := v.replay.Claim(c.Request.Context(), token, 2*v.maxSkew)
			if err != nil {
				c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{
					"error":   "replay_check_failed",
					"message": "could not record the request signature",
				})
				return
			}
			if !fresh {
				abort(c, "replayed_signature", "this signed request was already accepted; sign it again with a new timestamp")
				return
			}
		}

		c.Set(ContextKeyGate, grants)
		c.Next()
	}
}

// MockMiddleware authorizes every principal. Development mode only.
func MockMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ContextKeyGate, AllowAll)
		c.Next()
	}
}

// GateFrom returns the Gate stored by the middleware, or None.
func GateFrom(c *gin.Context) Gate {
	if v, ok := c.Get(ContextKeyGate); ok {
		if g, ok := v.(Gate); ok {
			return g
		}
	}
	return None
}

type signaturePair struct {
	addr string
	sig  string
}

func signaturePairs(values []string) []signaturePair {
	var out []signaturePair
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			addr, sig, _ := strings.Cut(part, ":")
			out = append(out, signaturePair{addr: strings.TrimSpace(addr), sig: strings.TrimSpace(sig)})
		}
	}
	return out
}

func abort(c *gin.Context, code, msg string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   code,
		"message": msg,
	})
}
