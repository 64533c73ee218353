// Package sessionid mints and verifies self-describing session ids: compact
// EdDSA JWS tokens naming the session and the user that created it. Any node
// holding the verification keys can reject forged or foreign ids without a
// shared session table.
package sessionid

import (
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	jose "github.com/go-jose/go-jose/v4"
	"github.com/google/uuid"
)

// ErrInvalid indicates an id that does not parse or verify.
var ErrInvalid = errors.New("invalid session id")

// Claims is the signed payload of a session id.
type Claims struct {
	SessionID string `json:"sid"`
	UserID    string `json:"sub,omitempty"`
	IssuedAt  int64  `json:"iat"`
}

// Signer holds one active signing key and any number of verification keys,
// so keys can be rotated without invalidating live sessions.
type Signer struct {
	mu        sync.RWMutex
	activeKid string
	priv      ed25519.PrivateKey
	pubKeys   map[string]ed25519.PublicKey
}

// NewSigner returns a Signer that signs with priv under kid.
func NewSigner(kid string, priv ed25519.PrivateKey) (*Signer, error) {
	if kid == "" {
		return nil, errors.New("kid is required")
	}
	if len(priv) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("invalid ed25519 private key size %d", len(priv))
	}
	return &Signer{
		activeKid: kid,
		priv:      priv,
		pubKeys:   map[string]ed25519.PublicKey{kid: priv.Public().(ed25519.PublicKey)},
	}, nil
}

// AddVerificationKey accepts ids signed by pub under kid.
func (s *Signer) AddVerificationKey(kid string, pub ed25519.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pubKeys[kid] = pub
}

// Mint returns a new id bound to userID.
func (s *Signer) Mint(userID string) (string, error) {
	payload, err := json.Marshal(Claims{SessionID: uuid.NewString(), UserID: userID, IssuedAt: time.Now().Unix()})
	if err != nil {
		return "", err
	}
	s.mu.RLock()
	kid, priv := s.activeKid, s.priv
	s.mu.RUnlock()

	opts := (&jose.SignerOptions{}).WithHeader("kid", kid)
	signer, err := jose.NewSigner(jose.SigningKey{Algorithm: jose.EdDSA, Key: priv}, opts)
	if err != nil {
		return "", fmt.Errorf("failed to create signer: %w", err)
	}
	jws, err := signer.Sign(payload)
	if err != nil {
		return "", fmt.Errorf("failed to sign payload: %w", err)
	}
	compact, err := jws.CompactSerialize()
	if err != nil {
		return "", fmt.Errorf("failed to serialize jws: %w", err)
	}
	return compact, nil
}

// Verify checks the signature of id and returns its claims.
func (s *Signer) Verify(id string) (*Claims, error) {
	jws, err := jose.ParseSigned(id, []jose.SignatureAlgorithm{jose.EdDSA})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	if len(jws.Signatures) != 1 {
		return nil, fmt.Errorf("%w: unexpected signatures: %d", ErrInvalid, len(jws.Signatures))
	}
	kid := jws.Signatures[0].Protected.KeyID
	s.mu.RLock()
	pub, ok := s.pubKeys[kid]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: unknown kid: %s", ErrInvalid, kid)
	}
	payload, err := jws.Verify(pub)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	var c Claims
	if err := json.Unmarshal(payload, &c); err != nil || c.SessionID == "" {
		return nil, fmt.Errorf("%w: malformed claims", ErrInvalid)
	}
	return &c, nil
}
