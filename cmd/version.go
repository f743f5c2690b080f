package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/spf13/cobra"
)

// ErrReleaseCheckFailed is returned when the latest release cannot be determined
var ErrReleaseCheckFailed = errors.New("release check failed")

const (
	releasesURL         = "https://api.github.com/repos/airframesio/table-exporter/releases/latest"
	releaseCheckTimeout = 5 * time.Second
	releaseCheckTTL     = 24 * time.Hour
)

var versionCheck bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version, optionally checking for a newer release",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		fmt.Println(titleStyle.Render("table-exporter " + Version))
		if !versionCheck {
			return nil
		}
		ctx, cancel := context.WithTimeout(context.Background(), 3*releaseCheckTimeout)
		defer cancel()
		result, err := newReleaseChecker().Check(ctx, Version)
		if err != nil {
			return err
		}
		if result.UpdateAvailable {
			fmt.Println(infoStyle.Render(result.Message()))
		} else {
			fmt.Println("up to date")
		}
		return nil
	},
}

func init() {
	versionCmd.Flags().BoolVar(&versionCheck, "check", false, "check GitHub for a newer release")
}

// releaseCheck is the outcome of a release lookup, cached between runs.
type releaseCheck struct {
	CurrentVersion  string    `json:"current_version"`
	LatestVersion   string    `json:"latest_version"`
	ReleaseURL      string    `json:"release_url"`
	UpdateAvailable bool      `json:"update_available"`
	CheckedAt       time.Time `json:"checked_at"`
}

func (r releaseCheck) Message() string {
	return fmt.Sprintf("Update available: v%s → v%s (%s)", r.CurrentVersion, r.LatestVersion, r.ReleaseURL)
}

type releaseChecker struct {
	url       string
	client    *http.Client
	cachePath string
	ttl       time.Duration
	now       func() time.Time
}

func newReleaseChecker() *releaseChecker {
	return &releaseChecker{
		url:       releasesURL,
		client:    &http.Client{Timeout: releaseCheckTimeout},
		cachePath: filepath.Join(stateDir(), "release_check.json"),
		ttl:       releaseCheckTTL,
		now:       time.Now,
	}
}

// Check compares current with the latest published release. Development builds are never
// checked.
func (c *releaseChecker) Check(ctx context.Context, current string) (releaseCheck, error) {
	current = strings.TrimPrefix(current, "v")
	if current == "" || current == "dev" {
		return releaseCheck{CurrentVersion: current}, nil
	}

	if cached, ok := c.cached(current); ok {
		return cached, nil
	}

	tag, url, err := c.fetchLatest(ctx, current)
	if err != nil {
		return releaseCheck{CurrentVersion: current}, err
	}
	result := releaseCheck{
		CurrentVersion: current,
		LatestVersion:  strings.TrimPrefix(tag, "v"),
		ReleaseURL:     url,
		CheckedAt:      c.now(),
	}
	result.UpdateAvailable = compareVersions(result.LatestVersion, current) > 0
	c.store(result)
	return result, nil
}

func (c *releaseChecker) fetchLatest(ctx context.Context, current string) (string, string, error) {
	var release struct {
		TagName string `json:"tag_name"`
		HTMLURL string `json:"html_url"`
	}

	fetch := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		// GitHub rejects requests without a User-Agent
		req.Header.Set("User-Agent", "table-exporter/"+current)
		req.Header.Set("Accept", "application/vnd.github+json")

		resp, err := c.client.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 500:
			return fmt.Errorf("%w: status %d", ErrReleaseCheckFailed, resp.StatusCode)
		case resp.StatusCode != http.StatusOK:
			return backoff.Permanent(fmt.Errorf("%w: status %d", ErrReleaseCheckFailed, resp.StatusCode))
		}
		if err := json.NewDecoder(resp.Body).Decode(&release); err != nil {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrReleaseCheckFailed, err))
		}
		return nil
	}

	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 2), ctx)
	if err := backoff.Retry(fetch, policy); err != nil {
		return "", "", err
	}
	if release.TagName == "" {
		return "", "", fmt.Errorf("%w: release has no tag", ErrReleaseCheckFailed)
	}
	return release.TagName, release.HTMLURL, nil
}

// cached returns a fresh cached result for the same current version.
func (c *releaseChecker) cached(current string) (releaseCheck, bool) {
	data, err := os.ReadFile(c.cachePath)
	if err != nil {
		return releaseCheck{}, false
	}
	var r releaseCheck
	if err := json.Unmarshal(data, &r); err != nil {
		return releaseCheck{}, false
	}
	if r.CurrentVersion != current || c.now().Sub(r.CheckedAt) >= c.ttl {
		return releaseCheck{}, false
	}
	return r, true
}

func (c *releaseChecker) store(r releaseCheck) {
	data, err := json.Marshal(r)
	if err != nil {
		return
	}
	if err := os.MkdirAll(filepath.Dir(c.cachePath), 0o755); err != nil {
		return
	}
	_ = os.WriteFile(c.cachePath, data, 0o600)
}

// notifyUpdate logs an update hint if the release check finishes within wait. It never blocks
// longer than that.
func notifyUpdate(wait time.Duration) {
	done := make(chan releaseCheck, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), releaseCheckTimeout)
		defer cancel()
		result, err := newReleaseChecker().Check(ctx, Version)
		if err != nil {
			logger.Debug("release check failed", "error", err)
		}
		done <- result
	}()

	select {
	case result := <-done:
		if result.UpdateAvailable {
			logger.Info("💡 " + result.Message())
		}
	case <-time.After(wait):
	}
}

// compareVersions compares dotted versions numerically and ignores pre-release suffixes.
// It returns 1 when a is newer, -1 when b is newer and 0 otherwise.
func compareVersions(a, b string) int {
	pa, pb := versionParts(a), versionParts(b)
	for i := range pa {
		switch {
		case pa[i] > pb[i]:
			return 1
		case pa[i] < pb[i]:
			return -1
		}
	}
	return 0
}

func versionParts(v string) [3]int {
	var parts [3]int
	v = strings.TrimPrefix(v, "v")
	if i := strings.IndexAny(v, "-+"); i >= 0 {
		v = v[:i]
	}
	for i, s := range strings.SplitN(v, ".", 3) {
		n, err := strconv.Atoi(s)
		if err != nil {
			break
		}
		parts[i] = n
	}
	return parts
}
