package ticket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"supportbot/internal/domain"
)

// JiraConfig configures issue creation through the Jira REST API v2.
type JiraConfig struct {
	BaseURL    string
	ProjectKey string
	IssueType  string
	Labels     []string
	// AuthHeader is the value sent after "Basic " (base64 user:token).
	AuthHeader string
	Client     *http.Client
	Logger     *slog.Logger
}

// JiraSink creates one Jira issue per ticket.
type JiraSink struct {
	cfg JiraConfig
}

func NewJiraSink(cfg JiraConfig) *JiraSink {
	if cfg.IssueType == "" {
		cfg.IssueType = "Incidencia"
	}
	if cfg.Labels == nil {
		cfg.Labels = []string{"Ticketing"}
	}
	if cfg.Client == nil {
		cfg.Client = &http.Client{Timeout: 30 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	return &JiraSink{cfg: cfg}
}

type jiraKey struct {
	Key  string `json:"key,omitempty"`
	Name string `json:"name,omitempty"`
}

type jiraIssue struct {
	Fields struct {
		Project     jiraKey  `json:"project"`
		Summary     string   `json:"summary"`
		Description string   `json:"description"`
		IssueType   jiraKey  `json:"issuetype"`
		Labels      []string `json:"labels,omitempty"`
	} `json:"fields"`
}

func (j *JiraSink) SubmitTicket(ctx context.Context, t domain.Ticket) error {
	var issue jiraIssue
	issue.Fields.Project = jiraKey{Key: j.cfg.ProjectKey}
	issue.Fields.Summary = t.Title
	issue.Fields.Description = fmt.Sprintf("%s\n\nUsuario: %s\nTicket: %s", t.Summary, t.UserKey, t.ID)
	issue.Fields.IssueType = jiraKey{Name: j.cfg.IssueType}
	issue.Fields.Labels = j.cfg.Labels

	body, err := json.Marshal(issue)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.cfg.BaseURL+"/rest/api/2/issue", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if j.cfg.AuthHeader != "" {
		req.Header.Set("Authorization", "Basic "+j.cfg.AuthHeader)
	}

	resp, err := j.cfg.Client.Do(req)
	if err != nil {
		return fmt.Errorf("jira request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("jira returned %d: %s", resp.StatusCode, string(msg))
	}
	var created jiraKey
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		return fmt.Errorf("jira response: %w", err)
	}
	j.cfg.Logger.Info("jira issue created", "key", created.Key, "ticket", t.ID)
	return nil
}
