// twofactor.go

// TOTP enrolment and the second login step.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"github.com/vln-gg/vlnauth/internal/aead"
	"github.com/vln-gg/vlnauth/internal/store"
)

const (
	challengeAudience = "2fa"
	challengeIssuer   = "vlnauth"
	totpPeriod        = 30
	totpSkewSteps     = 1
)

var totpOpts = totp.ValidateOpts{
	Period:    totpPeriod,
	Digits:    otp.DigitsSix,
	Algorithm: otp.AlgorithmSHA1,
}

// TwoFactorSetup is returned once at enrolment. Secret is shown to the user.
type TwoFactorSetup struct {
	Secret string `json:"secret"`
	URL    string `json:"otpauthUrl"`
}

// SetupTwoFactor generates a TOTP secret for the user and stores it encrypted.
// Two-factor stays off until ActivateTwoFactor proves the user's app has it.
func (s *Service) SetupTwoFactor(ctx context.Context, userID uuid.UUID) (setup *TwoFactorSetup, err error) {
	defer func() { s.observe("2fa_setup", err) }()

	user, err := s.Store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unauthorized("invalid session")
	}
	if err != nil {
		return nil, serverError("fetching user", err)
	}
	if user.TwoFactorEnabled {
		return nil, conflict("two-factor already enabled")
	}

	issuer := s.TwoFactor.Issuer
	if issuer == "" {
		issuer = "VLN"
	}
	key, err := totp.Generate(totp.GenerateOpts{Issuer: issuer, AccountName: user.Email})
	if err != nil {
		return nil, serverError("generating totp secret", err)
	}
	enc, err := encryptSecret(s.TwoFactor.EncryptionKey, key.Secret())
	if err != nil {
		return nil, serverError("encrypting totp secret", err)
	}
	if err := s.Store.SetTwoFactorSecret(ctx, user.ID, enc); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, conflict("two-factor already enabled")
		}
		return nil, serverError("storing totp secret", err)
	}

	return &TwoFactorSetup{Secret: key.Secret(), URL: key.URL()}, nil
}

// ActivateTwoFactor enables two-factor once the user proves possession with a valid code.
func (s *Service) ActivateTwoFactor(ctx context.Context, userID uuid.UUID, code string) (err error) {
	defer func() { s.observe("2fa_activate", err) }()

	if !validTOTPFormat(code) {
		return validationError("Code must be 6 digits")
	}
	user, err := s.Store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return unauthorized("invalid session")
	}
	if err != nil {
		return serverError("fetching user", err)
	}
	if user.TwoFactorEnabled {
		return conflict("two-factor already enabled")
	}
	if user.TwoFactorSecret == nil {
		return validationError("Two-factor setup has not been started")
	}

	if err := s.checkTOTP(ctx, user, code); err != nil {
		return err
	}
	if err := s.Store.EnableTwoFactor(ctx, user.ID); err != nil {
		return serverError("enabling two-factor", err)
	}

	s.recordActivity(ctx, &user.ID, ActivityTwoFactorEnabled, nil)
	return nil
}

// VerifyTwoFactor completes a login that returned a challenge.
// The challenge and the matched TOTP step are each usable once.
func (s *Service) VerifyTwoFactor(ctx context.Context, challenge, code string) (grant *SessionGrant, err error) {
	defer func() { s.observe("2fa_verify", err) }()

	if challenge == "" {
		return nil, validationError("Challenge is required")
	}
	if !validTOTPFormat(code) {
		return nil, validationError("Code must be 6 digits")
	}
	if s.Replay == nil {
		return nil, serverError("verifying two-factor", errors.New("replay guard not configured"))
	}

	now := s.now()
	claims, err := s.parseChallenge(challenge, now)
	if err != nil {
		return nil, unauthorized("invalid or expired challenge")
	}
	userID, err := uuid.FromString(claims.Subject)
	if err != nil {
		return nil, unauthorized("invalid or expired challenge")
	}

	if err := s.allow(ctx, "2fa:user:"+userID.String(), s.RateLimits.TwoFactor); err != nil {
		return nil, err
	}

	user, err := s.Store.GetUserByID(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, unauthorized("invalid or expired challenge")
	}
	if err != nil {
		return nil, serverError("fetching user", err)
	}
	if !user.TwoFactorEnabled || user.TwoFactorSecret == nil {
		return nil, unauthorized("invalid or expired challenge")
	}

	if err := s.checkTOTP(ctx, user, code); err != nil {
		return nil, err
	}

	// Burn the challenge for the rest of its lifetime
	ttl := claims.ExpiresAt.Time.Sub(now)
	if err := s.Replay.Claim(ctx, "2fa:challenge:"+claims.ID, max(ttl, time.Second)); err != nil {
		if errors.Is(err, store.ErrAlreadyClaimed) {
			return nil, unauthorized("challenge already used")
		}
		return nil, serverError("claiming challenge", err)
	}

	return s.signIn(ctx, user, ActivityLogin, map[string]any{"method": "password+totp"})
}

// checkTOTP validates code against the user's secret with ±1 step skew and
// claims the matched step so the same code can't be replayed.
func (s *Service) checkTOTP(ctx context.Context, user *store.User, code string) error {
	secret, err := decryptSecret(s.TwoFactor.EncryptionKey, *user.TwoFactorSecret)
	if err != nil {
		return serverError("decrypting totp secret", err)
	}

	step, ok := matchTOTPStep(secret, code, s.now())
	if !ok {
		return unauthorized("invalid code")
	}

	if s.Replay == nil {
		return nil
	}
	key := fmt.Sprintf("2fa:step:%s:%d", user.ID, step)
	err = s.Replay.Claim(ctx, key, time.Duration(totpPeriod*(2*totpSkewSteps+1))*time.Second)
	if errors.Is(err, store.ErrAlreadyClaimed) {
		return unauthorized("code already used")
	}
	if err != nil {
		return serverError("claiming totp step", err)
	}
	return nil
}

// matchTOTPStep returns the time step whose code equals code, checking now and ±skew.
func matchTOTPStep(secret, code string, now time.Time) (int64, bool) {
	for offset := -totpSkewSteps; offset <= totpSkewSteps; offset++ {
		t := now.Add(time.Duration(offset*totpPeriod) * time.Second)
		want, err := totp.GenerateCodeCustom(secret, t, totpOpts)
		if err != nil {
			return 0, false
		}
		if subtle.ConstantTimeCompare([]byte(want), []byte(code)) == 1 {
			return t.Unix() / totpPeriod, true
		}
	}
	return 0, false
}

func validTOTPFormat(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, c := range code {
		if c < '0' || c > '9' {
			return false
		}
	}
	return true
}

// --- Challenge tokens ---

func (s *Service) newChallenge(userID uuid.UUID, now time.Time) (string, error) {
	if len(s.TwoFactor.SigningKey) == 0 {
		return "", serverError("issuing challenge", errors.New("signing key not configured"))
	}
	jti, err := uuid.NewV4()
	if err != nil {
		return "", serverError("generating challenge id", err)
	}
	claims := jwt.RegisteredClaims{
		Issuer:    challengeIssuer,
		Subject:   userID.String(),
		Audience:  jwt.ClaimStrings{challengeAudience},
		ID:        jti.String(),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ChallengeTTL)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.TwoFactor.SigningKey)
	if err != nil {
		return "", serverError("signing challenge", err)
	}
	return signed, nil
}

func (s *Service) parseChallenge(raw string, now time.Time) (*jwt.RegisteredClaims, error) {
	if len(s.TwoFactor.SigningKey) == 0 {
		return nil, errors.New("signing key not configured")
	}
	claims := &jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.TwoFactor.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithAudience(challengeAudience),
		jwt.WithIssuer(challengeIssuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, err
	}
	if claims.ID == "" {
		return nil, errors.New("challenge missing id")
	}
	return claims, nil
}

// --- Secret encryption (AES-256-GCM via aead, hex encoded) ---

func encryptSecret(key []byte, plaintext string) (string, error) {
	sealed, err := aead.Seal(key, []byte(plaintext))
	if err != nil {
		return "", fmt.Errorf("sealing secret: %w", err)
	}
	return hex.EncodeToString(sealed), nil
}

func decryptSecret(key []byte, encoded string) (string, error) {
	data, err := hex.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decoding secret: %w", err)
	}
	plain, err := aead.Open(key, data)
	if err != nil {
		return "", fmt.Errorf("opening secret: %w", err)
	}
	return string(plain), nil
}
