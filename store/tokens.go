package store

import (
	"context"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"gorm.io/gorm"

	"mailflow/config"
	"mailflow/models"
	"mailflow/utils"
)

// SenderTokenProvider builds OAuth2 token sources from the encrypted
// credentials stored on sender rows. Refreshing is delegated to the oauth2
// package's token source, which hits the provider's token endpoint
// transparently when the access token expires.
type SenderTokenProvider struct {
	db *gorm.DB
}

func NewSenderTokenProvider(db *gorm.DB) *SenderTokenProvider {
	return &SenderTokenProvider{db: db}
}

func (p *SenderTokenProvider) TokenSourceFor(ctx context.Context, senderID uint) (oauth2.TokenSource, error) {
	var sender models.Sender
	if err := p.db.WithContext(ctx).First(&sender, senderID).Error; err != nil {
		return nil, fmt.Errorf("load sender %d: %w", senderID, err)
	}

	accessToken, err := utils.Decrypt(sender.OAuthToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt access token: %w", err)
	}
	refreshToken, err := utils.Decrypt(sender.OAuthRefreshToken)
	if err != nil {
		return nil, fmt.Errorf("decrypt refresh token: %w", err)
	}
	if refreshToken == "" {
		return nil, fmt.Errorf("sender %d has no refresh token", senderID)
	}

	var cfg *oauth2.Config
	switch sender.OAuthProvider {
	case "google":
		cfg = &oauth2.Config{
			ClientID:     config.AppConfig.Google.ClientID,
			ClientSecret: config.AppConfig.Google.ClientSecret,
			Endpoint:     google.Endpoint,
		}
	default:
		return nil, fmt.Errorf("unsupported oauth provider %q", sender.OAuthProvider)
	}

	token := &oauth2.Token{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		Expiry:       sender.OAuthExpiry,
	}
	return cfg.TokenSource(ctx, token), nil
}
