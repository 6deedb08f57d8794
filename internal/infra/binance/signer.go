package binance

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"time"
)

// Signer handles signed-endpoint authentication. The exchange expects an
// HMAC-SHA256 hex digest over the full query string, with the API key sent
// in a header.
type Signer struct {
	apiKey    string
	secretKey string
}

// NewSigner creates a new Signer instance
func NewSigner(apiKey, secretKey string) *Signer {
	return &Signer{
		apiKey:    apiKey,
		secretKey: secretKey,
	}
}

// APIKey returns the key for the X-MBX-APIKEY header.
func (s *Signer) APIKey() string {
	return s.apiKey
}

// SignQuery appends timestamp and signature parameters to the query and
// returns the encoded string ready to be attached to the request URL.
func (s *Signer) SignQuery(params url.Values) string {
	params.Set("timestamp", fmt.Sprintf("%d", time.Now().UnixMilli()))
	encoded := params.Encode()
	return encoded + "&signature=" + computeHmacSha256(encoded, s.secretKey)
}

func computeHmacSha256(message string, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write([]byte(message))
	return hex.EncodeToString(h.Sum(nil))
}
