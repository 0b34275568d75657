package ops

import (
	"context"
	"os"
	"time"

	"github.com/yanun0323/logs"

	"main/internal/policy"
)

// WatchLimits polls the config file and commits changed limits to the
// policy store. Only the limits section is hot-reloadable; registry
// changes need a restart because in-flight orders pin their scales.
func WatchLimits(ctx context.Context, path string, store *policy.Store, every time.Duration) {
	if every <= 0 {
		every = 30 * time.Second
	}

	var lastMod time.Time
	if info, err := os.Stat(path); err == nil {
		lastMod = info.ModTime()
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		if !info.ModTime().After(lastMod) {
			continue
		}
		lastMod = info.ModTime()

		loaded, err := LoadFile(path)
		if err != nil {
			logs.Errorf("reload %s, err: %+v", path, err)
			continue
		}
		if loaded.Limits == store.Snapshot().Limits {
			continue
		}
		store.UpdateLimits(loaded.Limits, "config_reload")
		logs.Infof("reloaded limits from %s", path)
	}
}
