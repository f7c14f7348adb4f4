// Package hmacauth authenticates API principals. Each principal signs its
// requests with its own shared secret; the verified address is handed to the
// handlers as the caller of the sale operation.
package hmacauth

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	log "github.com/sirupsen/logrus"
)

const (
	HeaderPrincipal = "X-Principal"
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
)

var (
	ErrMissingPrincipal = errors.New("missing request principal")
	ErrUnknownPrincipal = errors.New("unknown request principal")
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
)

type principalKey struct{}

// WithPrincipal stores the authenticated caller in ctx.
func WithPrincipal(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, principalKey{}, addr)
}

// Principal returns the caller authenticated by the middleware.
func Principal(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(principalKey{}).(common.Address)
	return addr, ok
}

type Verifier struct {
	Secrets map[common.Address][]byte
	MaxSkew time.Duration
	Now     func() time.Time
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		principal, err := v.verify(r)
		if err != nil {
			log.WithError(err).WithField("path", r.URL.Path).Debug("request rejected")
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), principal)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	raw := r.Header.Get(HeaderPrincipal)
	if raw == "" {
		return common.Address{}, ErrMissingPrincipal
	}
	if !common.IsHexAddress(raw) {
		return common.Address{}, ErrUnknownPrincipal
	}
	principal := common.HexToAddress(raw)
	secret, ok := v.Secrets[principal]
	if !ok || len(secret) == 0 {
		return common.Address{}, ErrUnknownPrincipal
	}

	sig := r.Header.Get(HeaderSignature)
	if sig == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}

	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	bodyBytes, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	expected := Sign(secret, tsHeader, r.Method, r.URL.RequestURI(), bodyBytes)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(sig))) {
		return common.Address{}, ErrInvalidSignature
	}
	return principal, nil
}

// Sign computes the hex signature a principal sends for a request.
func Sign(secret []byte, timestamp, method, uri string, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write([]byte(timestamp))
	mac.Write([]byte("\n" + method + " " + uri + "\n"))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// SignRequest sets the authentication headers of r for principal.
func SignRequest(r *http.Request, principal common.Address, secret []byte, now time.Time) error {
	body, err := readBody(r)
	if err != nil {
		return err
	}
	ts := strconv.FormatInt(now.Unix(), 10)
	r.Header.Set(HeaderPrincipal, principal.Hex())
	r.Header.Set(HeaderTimestamp, ts)
	r.Header.Set(HeaderSignature, Sign(secret, ts, r.Method, r.URL.RequestURI(), body))
	return nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}
