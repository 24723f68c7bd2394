package xiaomi

import (
	"errors"
	"fmt"

	"github.com/palemoky/xiaomi-speaker/internal/config"
	"github.com/palemoky/xiaomi-speaker/internal/logger"
)

// FromConfig builds a MiNA client with the auth mode the config selects.
// Cookie auth merges the configured userId/passToken into the token file so
// an already cached service token keeps working.
func FromConfig(cfg *config.Config, log *logger.Logger) (*MiNA, error) {
	store := NewTokenStore(cfg.MiTokenPath, log.With("token"))

	pass := cfg.MiPass
	switch cfg.EffectiveAuth() {
	case config.AuthCookie:
		if cfg.MiUserID == "" || cfg.MiPassToken == "" {
			return nil, errors.New("cookie auth needs MI_USER_ID and MI_PASS_TOKEN")
		}
		if err := store.Merge(cfg.MiUserID, cfg.MiPassToken); err != nil {
			return nil, fmt.Errorf("saving cookie token: %w", err)
		}
		pass = ""
		log.Info("xiaomi: using cookie auth for user %s", cfg.MiUserID)
	case config.AuthPassword:
		if cfg.MiUser == "" || cfg.MiPass == "" {
			return nil, errors.New("password auth needs MI_USER and MI_PASS")
		}
		log.Info("xiaomi: using password auth for %s", cfg.MiUser)
	}

	acct := NewAccount(cfg.MiUser, pass, store, log.With("account"))
	return NewMiNA(acct, log.With("mina")), nil
}
