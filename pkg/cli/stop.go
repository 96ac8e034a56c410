package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gobbyhq/gobby/pkg/config"
	"github.com/gobbyhq/gobby/pkg/console"
)

// RunStop asks the daemon to stop an autonomous session at its next safe
// checkpoint.
func RunStop(ctx context.Context, projectDir, sessionID, reason string) error {
	cfg, err := config.Load(projectDir)
	if err != nil {
		return err
	}

	body, _ := json.Marshal(map[string]string{"reason": reason})
	url := fmt.Sprintf("http://%s/sessions/%s/stop", cfg.Daemon.HookAddr, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 5 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s: %w", cfg.Daemon.HookAddr, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusAccepted {
		return fmt.Errorf("stop rejected: %s", res.Status)
	}

	fmt.Println(console.FormatSuccessMessage("Stop signal issued for session " + sessionID))
	fmt.Println(console.FormatInfoMessage("The session ends at its next tool call or prompt"))
	return nil
}
