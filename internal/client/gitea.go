package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/forgemirror/forgemirror/internal/config"
	"github.com/forgemirror/forgemirror/internal/service"
)

// Gitea drives the mirror target through Gitea's REST API. Mirroring is
// at-least-once: migrating a repository that already exists is treated as
// success.
type Gitea struct {
	baseURL string
	token   string
	client  *http.Client
}

var _ service.RepoOperator = (*Gitea)(nil)

func NewGitea(cfg *config.GiteaConfig) *Gitea {
	return &Gitea{
		baseURL: strings.TrimRight(cfg.URL, "/"),
		token:   cfg.Token,
		client:  &http.Client{Timeout: 5 * time.Minute},
	}
}

type migrateRequest struct {
	CloneAddr string `json:"clone_addr"`
	RepoName  string `json:"repo_name"`
	Mirror    bool   `json:"mirror"`
}

func (g *Gitea) Mirror(ctx context.Context, repo service.Repository) error {
	body, err := json.Marshal(migrateRequest{
		CloneAddr: fmt.Sprintf("https://github.com/%s.git", repo.FullName),
		RepoName:  repoName(repo.FullName),
		Mirror:    true,
	})
	if err != nil {
		return err
	}

	resp, err := g.do(ctx, http.MethodPost, "/api/v1/repos/migrate", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// 409 means the mirror already exists, which is fine on re-processing
	if resp.StatusCode == http.StatusConflict {
		return nil
	}
	return checkStatus(resp, repo.FullName)
}

func (g *Gitea) Sync(ctx context.Context, repo service.Repository) error {
	resp, err := g.do(ctx, http.MethodPost, fmt.Sprintf("/api/v1/repos/%s/mirror-sync", repo.FullName), nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return checkStatus(resp, repo.FullName)
}

func (g *Gitea) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, g.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if g.token != "" {
		req.Header.Set("Authorization", "token "+g.token)
	}
	return g.client.Do(req)
}

func checkStatus(resp *http.Response, fullName string) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return fmt.Errorf("gitea returned %d for %s: %s", resp.StatusCode, fullName, strings.TrimSpace(string(msg)))
}

func repoName(fullName string) string {
	if idx := strings.LastIndex(fullName, "/"); idx >= 0 {
		return fullName[idx+1:]
	}
	return fullName
}
