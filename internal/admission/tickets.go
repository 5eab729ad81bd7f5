package admission

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"

	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/crdtdoc"
	"github.com/likesjx/openclaw-plugin-ansible-sub000/internal/schema"
)

// TicketTTL is the short validity window for a pre-upgrade WebSocket
// ticket.
const TicketTTL = 30 * time.Second

// ticketClaims holds the claims embedded in a ws ticket JWT, signed HS256
// with a key derived from the node's shared secret rather than an RSA pair,
// since tickets are verified by the same process that minted them (no
// distributed key distribution problem to solve).
type ticketClaims struct {
	jwt.RegisteredClaims
	InviteToken    string `json:"inv"`
	ExpectedNodeID string `json:"nid"`
}

// TicketIssuer mints and verifies pre-upgrade WebSocket tickets. One
// instance is shared by every backbone node's transport listener.
type TicketIssuer struct {
	key     []byte
	issuer  string
	tickets *crdtdoc.MapHandle
}

// NewTicketIssuer derives an HMAC key from secret via HKDF-SHA256 (rather
// than using secret directly as the key) and binds to the authTickets map
// for replay tracking.
func NewTicketIssuer(doc *crdtdoc.Doc, secret []byte, issuer string) (*TicketIssuer, error) {
	key := make([]byte, 32)
	kdf := hkdf.New(sha256.New, secret, nil, []byte("openclaw-mesh-ws-ticket"))
	if _, err := io.ReadFull(kdf, key); err != nil {
		return nil, fmt.Errorf("admission: deriving ticket key: %w", err)
	}
	return &TicketIssuer{
		key:     key,
		issuer:  issuer,
		tickets: doc.GetMap(schema.MapAuthTickets),
	}, nil
}

// Mint issues a ticket bound to inviteToken and expectedNodeID (empty
// allows any node to redeem it, matching NodeInvites.Mint's pinning rule).
func (t *TicketIssuer) Mint(inviteToken, expectedNodeID, createdBy string) (string, error) {
	now := time.Now()
	expiresAt := now.Add(TicketTTL)
	jti := uuid.NewString()

	claims := ticketClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    t.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			ID:        jti,
		},
		InviteToken:    inviteToken,
		ExpectedNodeID: expectedNodeID,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("admission: signing ticket: %w", err)
	}

	rec := schema.WsTicket{
		Ticket:         jti,
		InviteToken:    inviteToken,
		ExpectedNodeID: expectedNodeID,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		ExpiresAt:      expiresAt,
	}
	if _, err := t.tickets.Set(jti, rec); err != nil {
		return "", fmt.Errorf("admission: recording ticket: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry, then consumes the ticket (tickets are
// single-use: a second Verify call for the same JWT fails with
// ErrTicketAlreadyUsed even if the JWT itself has not expired yet).
func (t *TicketIssuer) Verify(rawTicket, presentingNodeID string) (inviteToken string, err error) {
	token, err := jwt.ParseWithClaims(rawTicket, &ticketClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("admission: unexpected signing method: %v", tok.Header["alg"])
		}
		return t.key, nil
	}, jwt.WithIssuer(t.issuer), jwt.WithExpirationRequired())
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTicketExpired
		}
		return "", ErrTicketSignatureInvalid
	}
	claims, ok := token.Claims.(*ticketClaims)
	if !ok || !token.Valid {
		return "", ErrTicketSignatureInvalid
	}

	var rec schema.WsTicket
	found, gerr := t.tickets.Get(claims.ID, &rec)
	if gerr != nil {
		return "", fmt.Errorf("admission: decoding ticket record: %w", gerr)
	}
	if !found {
		return "", ErrTicketNotFound
	}
	if rec.UsedAt != nil {
		return "", ErrTicketAlreadyUsed
	}
	if claims.ExpectedNodeID != "" && claims.ExpectedNodeID != presentingNodeID {
		return "", ErrInviteNodeMismatch
	}

	now := time.Now()
	rec.UsedAt = &now
	if _, err := t.tickets.Set(claims.ID, rec); err != nil {
		return "", fmt.Errorf("admission: recording ticket use: %w", err)
	}
	return claims.InviteToken, nil
}
