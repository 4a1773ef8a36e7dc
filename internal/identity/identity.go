// Package identity derives anonymous tokens from client network addresses.
//
// A token is the hex AES-128-CBC encryption of the normalized address, so
// the same address always maps to the same token and the mapping can be
// reversed by an operator holding the key. Tokens are the unit of presence
// and room membership; raw addresses never reach the store.
package identity

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
)

// Codec encrypts addresses into identity tokens and back.
type Codec struct {
	key []byte
}

// NewCodec derives the cipher key from an arbitrary secret. The key and IV
// are the first 16 bytes of the hex-encoded SHA-256 of the secret.
func NewCodec(secret string) (*Codec, error) {
	if secret == "" {
		return nil, fmt.Errorf("identity: empty secret")
	}
	sum := sha256.Sum256([]byte(secret))
	key := []byte(hex.EncodeToString(sum[:]))[:16]
	return &Codec{key: key}, nil
}

// Hash returns the identity token for an address. Deterministic: equal
// addresses always yield equal tokens.
func (c *Codec) Hash(address string) string {
	block, err := aes.NewCipher(c.key)
	if err != nil {
		// Key length is fixed at construction; this cannot fail.
		panic(err)
	}
	plain := pkcs7Pad([]byte(address), aes.BlockSize)
	out := make([]byte, len(plain))
	cipher.NewCBCEncrypter(block, c.key).CryptBlocks(out, plain)
	return hex.EncodeToString(out)
}

// Decrypt reverses Hash, recovering the original address.
func (c *Codec) Decrypt(token string) (string, error) {
	raw, err := hex.DecodeString(token)
	if err != nil {
		return "", fmt.Errorf("identity: decode token: %w", err)
	}
	if len(raw) == 0 || len(raw)%aes.BlockSize != 0 {
		return "", fmt.Errorf("identity: token length %d not a block multiple", len(raw))
	}
	block, err := aes.NewCipher(c.key)
	if err != nil {
		panic(err)
	}
	out := make([]byte, len(raw))
	cipher.NewCBCDecrypter(block, c.key).CryptBlocks(out, raw)
	plain, err := pkcs7Unpad(out, aes.BlockSize)
	if err != nil {
		return "", err
	}
	return string(plain), nil
}

// ClientAddress extracts the client's network address from a request,
// preferring the X-Real-IP header set by the fronting proxy.
func ClientAddress(r *http.Request) string {
	addr := r.Header.Get("X-Real-IP")
	if addr == "" {
		addr = r.RemoteAddr
		if host, _, found := strings.Cut(addr, "]:"); found {
			// Bracketed IPv6 host:port.
			addr = strings.TrimPrefix(host, "[")
		} else if host, _, found := strings.Cut(addr, ":"); found && strings.Count(addr, ":") == 1 {
			addr = host
		}
	}
	return NormalizeAddress(addr)
}

// NormalizeAddress maps loopback and IPv4-mapped IPv6 forms onto their
// canonical IPv4 spelling so one client never splits into two identities.
func NormalizeAddress(addr string) string {
	if addr == "::1" {
		return "127.0.0.1"
	}
	if strings.Contains(addr, ":") {
		// ::ffff:1.2.3.4 and friends: keep the trailing IPv4 part.
		if i := strings.LastIndex(addr, ":"); i >= 0 && strings.Contains(addr[i+1:], ".") {
			return addr[i+1:]
		}
	}
	return addr
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 {
		return nil, fmt.Errorf("identity: empty ciphertext")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, fmt.Errorf("identity: bad padding")
	}
	for _, p := range b[len(b)-n:] {
		if int(p) != n {
			return nil, fmt.Errorf("identity: bad padding")
		}
	}
	return b[:len(b)-n], nil
}
