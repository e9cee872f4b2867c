package browser

import (
	"time"

	"github.com/taskpilot/taskpilot/internal/config"
)

func configForTest() config.BrowserConfig {
	return config.BrowserConfig{
		Headless:          true,
		NavigationTimeout: 5 * time.Second,
		ActionTimeout:     2 * time.Second,
	}
}
