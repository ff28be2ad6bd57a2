package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"portal-billing/internal/models"
	"portal-billing/internal/store"
	"portal-billing/internal/util"

	"go.uber.org/zap"
)

// CredentialProvider serves the payment provider secret key from the settings
// table through a short per-process cache.
type CredentialProvider struct {
	settings SettingsRepository
	ttl      time.Duration
	now      func() time.Time
	logger   *zap.Logger

	mu        sync.Mutex
	key       string
	expiresAt time.Time
}

// NewCredentialProvider creates a new credential provider
func NewCredentialProvider(settings SettingsRepository, ttl time.Duration) *CredentialProvider {
	return &CredentialProvider{
		settings: settings,
		ttl:      ttl,
		now:      time.Now,
		logger:   util.GetLogger(),
	}
}

// SecretKey returns the current secret key or ErrNotConfigured
func (c *CredentialProvider) SecretKey(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.key != "" && c.now().Before(c.expiresAt) {
		return c.key, nil
	}

	key, err := c.settings.GetSetting(ctx, models.SettingStripeSecretKey)
	if errors.Is(err, store.ErrNotFound) || (err == nil && strings.TrimSpace(key) == "") {
		c.key = ""
		return "", ErrNotConfigured
	}
	if err != nil {
		return "", fmt.Errorf("load stripe key: %w", err)
	}

	c.key = strings.TrimSpace(key)
	c.expiresAt = c.now().Add(c.ttl)
	return c.key, nil
}

// Invalidate drops the cached key
func (c *CredentialProvider) Invalidate() {
	c.mu.Lock()
	c.key = ""
	c.expiresAt = time.Time{}
	c.mu.Unlock()
}

// SetSecretKey stores a new secret key and drops the cached one
func (c *CredentialProvider) SetSecretKey(ctx context.Context, key, updatedBy string) error {
	ctx, span := util.StartSpan(ctx, "CredentialProvider.SetSecretKey")
	defer span.End()

	key = strings.TrimSpace(key)
	if !strings.HasPrefix(key, "sk_") && !strings.HasPrefix(key, "rk_") {
		return validationErrorf("secret key must start with sk_ or rk_")
	}

	if err := c.settings.PutSetting(ctx, models.SettingStripeSecretKey, key, updatedBy); err != nil {
		return fmt.Errorf("store stripe key: %w", err)
	}
	c.Invalidate()

	c.logger.Info("Stripe secret key updated",
		zap.String("updated_by", updatedBy),
		zap.Bool("live_mode", strings.Contains(key, "_live_")))
	return nil
}
