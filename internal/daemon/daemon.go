package daemon

import (
	"fmt"

	"github.com/sunbk201/idmask/internal/config"
)

// Setup applies process-level settings. It runs after the listeners are
// bound so a low port can be taken before privileges are dropped.
func Setup(cfg *config.Config) error {
	if cfg.Group == "" {
		return nil
	}
	if err := SetGroup(cfg.Group); err != nil {
		return fmt.Errorf("SetGroup: %w", err)
	}
	return nil
}
