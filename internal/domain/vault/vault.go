// Package vault owns the OAuth credentials of each scheduling resource: it
// stores them encrypted, refreshes them before use and drives the consent
// redirect.
package vault

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"

	"github.com/clinicsync/clinicsync/internal/platform/gcal"
)

// RefreshSkew is how close to expiry an access token is treated as stale.
const RefreshSkew = 60 * time.Second

// Provider is the OAuth client of the external calendar service.
// *gcal.OAuth satisfies it.
type Provider interface {
	AuthCodeURL(state string) string
	Exchange(ctx context.Context, code string) (*oauth2.Token, error)
	Refresh(ctx context.Context, refreshToken string) (*oauth2.Token, error)
	Client(ctx context.Context, tok *oauth2.Token) (gcal.Calendar, error)
}

type Vault struct {
	repo     Repository
	cipher   *Cipher
	provider Provider
	signer   *StateSigner
	logger   zerolog.Logger
	flight   singleflight.Group
	now      func() time.Time
}

func New(repo Repository, cipher *Cipher, provider Provider, signer *StateSigner, logger zerolog.Logger) *Vault {
	return &Vault{
		repo:     repo,
		cipher:   cipher,
		provider: provider,
		signer:   signer,
		logger:   logger.With().Str("component", "vault").Logger(),
		now:      time.Now,
	}
}

// IssueAuthorizationURL returns the consent URL carrying state verbatim.
func (v *Vault) IssueAuthorizationURL(state string) string {
	return v.provider.AuthCodeURL(state)
}

// StartAuthorization signs a state for resourceID and returns the consent URL.
func (v *Vault) StartAuthorization(resourceID uuid.UUID, returnTo string) (string, error) {
	state, err := v.signer.Build(StatePayload{ResourceID: resourceID, ReturnTo: returnTo})
	if err != nil {
		return "", err
	}
	return v.IssueAuthorizationURL(state), nil
}

// VerifyState checks a state returned by the consent redirect.
func (v *Vault) VerifyState(state string) (*StatePayload, error) {
	return v.signer.Verify(state)
}

// Connect exchanges an authorization code and stores the resulting tokens.
// A previously stored refresh token is kept when the exchange issues none.
func (v *Vault) Connect(ctx context.Context, resourceID uuid.UUID, code string) error {
	tok, err := v.provider.Exchange(ctx, code)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		if rec, err := v.repo.Get(ctx, resourceID); err == nil {
			if refresh, err = v.cipher.Decrypt(rec.RefreshTokenEnc); err != nil {
				return err
			}
		}
	}

	if err := v.store(ctx, resourceID, tok, refresh); err != nil {
		return err
	}
	v.logger.Info().Str("resource_id", resourceID.String()).Msg("calendar connected")
	return nil
}

func (v *Vault) Disconnect(ctx context.Context, resourceID uuid.UUID) error {
	err := v.repo.Delete(ctx, resourceID)
	if errors.Is(err, ErrNotFound) {
		return ErrCredentialsNotFound
	}
	if err != nil {
		return fmt.Errorf("delete credentials: %w", err)
	}
	v.logger.Info().Str("resource_id", resourceID.String()).Msg("calendar disconnected")
	return nil
}

func (v *Vault) Status(ctx context.Context, resourceID uuid.UUID) (*Status, error) {
	st := &Status{ResourceID: resourceID}
	rec, err := v.repo.Get(ctx, resourceID)
	if errors.Is(err, ErrNotFound) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	st.Connected = rec.AccessTokenEnc != "" || rec.RefreshTokenEnc != ""
	st.ExpiresAt = rec.ExpiresAt
	st.Scope = rec.Scope
	st.HasRefreshToken = rec.RefreshTokenEnc != ""
	st.UpdatedAt = &rec.UpdatedAt
	return st, nil
}

// ConnectedResources lists every resource with stored credentials.
func (v *Vault) ConnectedResources(ctx context.Context) ([]uuid.UUID, error) {
	return v.repo.ListResourceIDs(ctx)
}

// GetValidAccessToken returns a usable session for resourceID, refreshing
// and persisting the credential first when the access token is missing or
// about to expire. Concurrent refreshes of one resource share a single
// exchange.
func (v *Vault) GetValidAccessToken(ctx context.Context, resourceID uuid.UUID) (*Session, error) {
	sess, err := v.load(ctx, resourceID)
	if err != nil {
		return nil, err
	}

	if v.stale(sess) && sess.RefreshToken != "" {
		res, err, _ := v.flight.Do(resourceID.String(), func() (interface{}, error) {
			return v.refresh(ctx, sess)
		})
		if err != nil {
			return nil, err
		}
		sess = res.(*Session)
	}
	if sess.AccessToken == "" {
		return nil, fmt.Errorf("%w: no usable access token", ErrCredentialsNotFound)
	}

	cal, err := v.provider.Client(ctx, sess.token())
	if err != nil {
		return nil, err
	}
	out := *sess
	out.Calendar = cal
	return &out, nil
}

func (v *Vault) load(ctx context.Context, resourceID uuid.UUID) (*Session, error) {
	rec, err := v.repo.Get(ctx, resourceID)
	if errors.Is(err, ErrNotFound) {
		return nil, ErrCredentialsNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials: %w", err)
	}

	access, err := v.cipher.Decrypt(rec.AccessTokenEnc)
	if err != nil {
		return nil, err
	}
	refresh, err := v.cipher.Decrypt(rec.RefreshTokenEnc)
	if err != nil {
		return nil, err
	}
	sess := &Session{
		ResourceID:   resourceID,
		AccessToken:  access,
		RefreshToken: refresh,
		Scope:        rec.Scope,
	}
	if rec.ExpiresAt != nil {
		sess.Expiry = *rec.ExpiresAt
	}
	return sess, nil
}

func (v *Vault) stale(s *Session) bool {
	if s.AccessToken == "" {
		return true
	}
	return !s.Expiry.IsZero() && !s.Expiry.After(v.now().Add(RefreshSkew))
}

func (v *Vault) refresh(ctx context.Context, old *Session) (*Session, error) {
	log := v.logger.With().Str("resource_id", old.ResourceID.String()).Logger()

	tok, err := v.provider.Refresh(ctx, old.RefreshToken)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh rejected")
		return nil, fmt.Errorf("%w: %v", ErrRefreshFailed, err)
	}

	refresh := tok.RefreshToken
	if refresh == "" {
		refresh = old.RefreshToken
	}
	if err := v.store(ctx, old.ResourceID, tok, refresh); err != nil {
		return nil, err
	}
	log.Debug().Time("expires_at", tok.Expiry).Msg("access token refreshed")

	scope := gcal.Scope(tok)
	if scope == "" {
		scope = old.Scope
	}
	return &Session{
		ResourceID:   old.ResourceID,
		AccessToken:  tok.AccessToken,
		RefreshToken: refresh,
		Expiry:       tok.Expiry,
		Scope:        scope,
	}, nil
}

func (v *Vault) store(ctx context.Context, resourceID uuid.UUID, tok *oauth2.Token, refresh string) error {
	accessEnc, err := v.cipher.Encrypt(tok.AccessToken)
	if err != nil {
		return err
	}
	refreshEnc, err := v.cipher.Encrypt(refresh)
	if err != nil {
		return err
	}
	rec := &Record{
		ResourceID:      resourceID,
		AccessTokenEnc:  accessEnc,
		RefreshTokenEnc: refreshEnc,
		Scope:           gcal.Scope(tok),
	}
	if !tok.Expiry.IsZero() {
		exp := tok.Expiry
		rec.ExpiresAt = &exp
	}
	if rec.Scope == "" {
		if prev, err := v.repo.Get(ctx, resourceID); err == nil {
			rec.Scope = prev.Scope
		}
	}
	if err := v.repo.Upsert(ctx, rec); err != nil {
		return fmt.Errorf("store credentials: %w", err)
	}
	return nil
}
