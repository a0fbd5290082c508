package daemon

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/matheus3301/chatd/internal/config"
	"github.com/matheus3301/chatd/internal/transport"
)

// fileIdentity serves handshake credentials from the session config.
// Refresh re-reads the config file, so a token rotated out of band is
// picked up before the next manual connect.
type fileIdentity struct {
	path   string
	logger *zap.Logger

	mu  sync.Mutex
	cfg *config.Config
}

func newFileIdentity(path string, cfg *config.Config, logger *zap.Logger) *fileIdentity {
	return &fileIdentity{path: path, cfg: cfg, logger: logger}
}

func (f *fileIdentity) Credentials(context.Context) (transport.Credentials, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return transport.Credentials{
		UserID:    f.cfg.UserID,
		AuthToken: f.cfg.AuthToken,
	}, nil
}

func (f *fileIdentity) Refresh(context.Context) error {
	cfg, err := config.Load(f.path)
	if err != nil {
		f.logger.Error("failed to reload config for token refresh", zap.Error(err))
		return err
	}
	f.mu.Lock()
	changed := cfg.AuthToken != f.cfg.AuthToken
	f.cfg = cfg
	f.mu.Unlock()

	if changed {
		f.logger.Info("auth token refreshed from config")
	} else {
		f.logger.Warn("auth rejected and config token unchanged, re-authentication required")
	}
	return nil
}
