package auth

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrTokenInvalid is returned for malformed, expired, or badly signed
	// tokens.
	ErrTokenInvalid = errors.New("auth: invalid token")

	// ErrForbidden is returned when a valid principal lacks the required
	// scope.
	ErrForbidden = errors.New("auth: insufficient scope")
)

// Role classifies what a principal may do.
type Role string

const (
	// RoleAdmin may ingest for any device, subscribe to everything, and
	// use the admin API.
	RoleAdmin Role = "admin"
	// RoleDevice may ingest frames for its own device id only.
	RoleDevice Role = "device"
	// RoleViewer may subscribe to the stream within its tenant.
	RoleViewer Role = "viewer"
)

// Principal is the authenticated identity attached to a request or
// stream subscription.
type Principal struct {
	Subject string
	Role    Role

	// Tenant bounds what a non-admin viewer may subscribe to: device ids
	// must carry the "<tenant>_" prefix. Empty means unscoped (admin).
	Tenant string

	// DeviceID is set for device-scoped tokens and pins HTTP ingest to
	// that device.
	DeviceID string
}

// CustomClaims extends JWT standard claims with gateway-specific fields.
type CustomClaims struct {
	jwt.RegisteredClaims
	Role     Role   `json:"role"`
	Tenant   string `json:"tenant,omitempty"`
	DeviceID string `json:"device_id,omitempty"`
}

// Authenticator validates bearer tokens into principals.
//
// Two token forms are accepted: opaque static tokens from configuration
// (provisioned out of band for devices and service accounts) and HS256
// JWTs signed with the shared secret.
type Authenticator struct {
	secret []byte
	static map[string]Principal
}

// New builds an Authenticator.
//
// staticTokens maps raw token -> scope descriptor. Descriptor forms:
//
//	"admin"            full access
//	"tenant:<name>"    viewer scoped to a tenant
//	"device:<id>"      device-scoped ingest token
func New(jwtSecret string, staticTokens map[string]string) (*Authenticator, error) {
	a := &Authenticator{
		secret: []byte(jwtSecret),
		static: make(map[string]Principal, len(staticTokens)),
	}

	for token, descriptor := range staticTokens {
		p, err := parseDescriptor(descriptor)
		if err != nil {
			return nil, fmt.Errorf("static token %q...: %w", token[:min(4, len(token))], err)
		}
		p.Subject = "static:" + descriptor
		a.static[token] = p
	}
	return a, nil
}

// Authenticate resolves a bearer token to a principal.
func (a *Authenticator) Authenticate(token string) (Principal, error) {
	if token == "" {
		return Principal{}, fmt.Errorf("%w: empty token", ErrTokenInvalid)
	}

	if p, ok := a.static[token]; ok {
		return p, nil
	}

	if len(a.secret) == 0 {
		return Principal{}, ErrTokenInvalid
	}
	return a.parseJWT(token)
}

// parseJWT validates an HS256 token and maps its claims to a principal.
func (a *Authenticator) parseJWT(tokenString string) (Principal, error) {
	token, err := jwt.ParseWithClaims(tokenString, &CustomClaims{}, func(_ *jwt.Token) (any, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*CustomClaims)
	if !ok || !token.Valid {
		return Principal{}, ErrTokenInvalid
	}
	if claims.Subject == "" {
		return Principal{}, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	role := claims.Role
	if role == "" {
		role = RoleViewer
	}
	switch role {
	case RoleAdmin, RoleDevice, RoleViewer:
	default:
		return Principal{}, fmt.Errorf("%w: unknown role %q", ErrTokenInvalid, claims.Role)
	}

	return Principal{
		Subject:  claims.Subject,
		Role:     role,
		Tenant:   claims.Tenant,
		DeviceID: claims.DeviceID,
	}, nil
}

// CanIngestFor reports whether the principal may submit frames for the
// device.
func (p Principal) CanIngestFor(deviceID string) bool {
	switch p.Role {
	case RoleAdmin:
		return true
	case RoleDevice:
		return p.DeviceID == deviceID
	default:
		return false
	}
}

// CanSubscribeTo reports whether the principal may receive readings for
// the device. Non-admin principals are bounded to their tenant prefix.
func (p Principal) CanSubscribeTo(deviceID string) bool {
	if p.Role == RoleAdmin {
		return true
	}
	if p.Tenant == "" {
		return false
	}
	return strings.HasPrefix(deviceID, p.Tenant+"_")
}

// Fingerprint derives the registry credentials fingerprint for a
// device-scoped principal: stable per subject, never the raw token.
func (p Principal) Fingerprint() string {
	return string(p.Role) + ":" + p.Subject
}

// parseDescriptor maps a static token scope descriptor to a principal.
func parseDescriptor(descriptor string) (Principal, error) {
	switch {
	case descriptor == "admin":
		return Principal{Role: RoleAdmin}, nil
	case strings.HasPrefix(descriptor, "tenant:"):
		tenant := strings.TrimPrefix(descriptor, "tenant:")
		if tenant == "" {
			return Principal{}, errors.New("empty tenant scope")
		}
		return Principal{Role: RoleViewer, Tenant: tenant}, nil
	case strings.HasPrefix(descriptor, "device:"):
		deviceID := strings.TrimPrefix(descriptor, "device:")
		if deviceID == "" {
			return Principal{}, errors.New("empty device scope")
		}
		return Principal{Role: RoleDevice, DeviceID: deviceID}, nil
	default:
		return Principal{}, fmt.Errorf("unknown scope descriptor %q", descriptor)
	}
}
