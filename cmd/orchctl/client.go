package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type client struct {
	server  string
	session string
	http    *http.Client
}

func newClient(server, session string) *client {
	return &client{
		server:  strings.TrimRight(server, "/"),
		session: session,
		http:    &http.Client{Timeout: 10 * time.Minute},
	}
}

// readDocument loads a request body from a JSON or YAML file.
func readDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var doc map[string]interface{}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &doc)
	default:
		err = json.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return doc, nil
}

// withSession sets context.session_id unless the document already has one.
func (c *client) withSession(doc map[string]interface{}) map[string]interface{} {
	if c.session == "" {
		return doc
	}
	ec, _ := doc["context"].(map[string]interface{})
	if ec == nil {
		ec = map[string]interface{}{}
	}
	if _, ok := ec["session_id"]; !ok {
		ec["session_id"] = c.session
	}
	doc["context"] = ec
	return doc
}

func (c *client) do(method, path string, body, out interface{}) error {
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, c.server+path, r)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server error (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	return nil
}

func (c *client) listAgents() error {
	var agents []struct {
		ID           string   `json:"id"`
		Name         string   `json:"name"`
		Role         string   `json:"role"`
		Tier         string   `json:"tier"`
		Capabilities []string `json:"capabilities"`
	}
	if err := c.do(http.MethodGet, "/api/agents", nil, &agents); err != nil {
		return err
	}
	if len(agents) == 0 {
		fmt.Println("No agents registered yet.")
		return nil
	}
	for _, a := range agents {
		fmt.Printf("  %-14s %-12s %-11s %s\n", a.ID, a.Role, a.Tier, strings.Join(a.Capabilities, ","))
	}
	return nil
}

func (c *client) listTeams() error {
	var teams []struct {
		ID      string `json:"id"`
		Pattern string `json:"pattern"`
		Members []struct {
			AgentID string `json:"agent_id"`
		} `json:"members"`
	}
	if err := c.do(http.MethodGet, "/api/teams", nil, &teams); err != nil {
		return err
	}
	for _, t := range teams {
		ids := make([]string, len(t.Members))
		for i, m := range t.Members {
			ids[i] = m.AgentID
		}
		fmt.Printf("  %-16s %-14s %s\n", t.ID, t.Pattern, strings.Join(ids, ", "))
	}
	return nil
}

func (c *client) listSkills() error {
	var skills []struct {
		ID          string `json:"id"`
		Category    string `json:"category"`
		Description string `json:"description"`
	}
	if err := c.do(http.MethodGet, "/api/skills", nil, &skills); err != nil {
		return err
	}
	for _, s := range skills {
		fmt.Printf("  @%-18s [%s] %s\n", s.ID, s.Category, s.Description)
	}
	return nil
}

func (c *client) showMetrics() error {
	var m map[string]interface{}
	if err := c.do(http.MethodGet, "/api/metrics", nil, &m); err != nil {
		return err
	}
	return printJSON(m)
}

func (c *client) showLogs() error {
	var logs []struct {
		Level     string    `json:"level"`
		Message   string    `json:"message"`
		Timestamp time.Time `json:"timestamp"`
	}
	if err := c.do(http.MethodGet, "/api/logs", nil, &logs); err != nil {
		return err
	}
	for _, l := range logs {
		fmt.Printf("%s %-5s %s\n", l.Timestamp.Format(time.TimeOnly), l.Level, l.Message)
	}
	return nil
}

func (c *client) listExecutions(workflowID string) error {
	var rows []map[string]interface{}
	path := "/api/executions"
	if workflowID != "" {
		path += "?workflow_id=" + workflowID
	}
	if err := c.do(http.MethodGet, path, nil, &rows); err != nil {
		return err
	}
	for _, r := range rows {
		fmt.Printf("  %v  %-12v %-10v %v\n", r["id"], r["workflow_id"], r["status"], r["started_at"])
	}
	return nil
}

type taskResult struct {
	TaskID  string      `json:"task_id"`
	AgentID string      `json:"agent_id"`
	Status  string      `json:"status"`
	Output  interface{} `json:"output"`
	Errors  []struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"errors"`
}

func (c *client) executeTask(doc map[string]interface{}) error {
	var res taskResult
	if err := c.do(http.MethodPost, "/api/tasks", c.withSession(doc), &res); err != nil {
		return err
	}
	printResult(&res)
	return nil
}

func (c *client) executeSkill(id, input string) error {
	var res taskResult
	body := c.withSession(map[string]interface{}{"input": input})
	if err := c.do(http.MethodPost, "/api/skills/"+id+"/execute", body, &res); err != nil {
		return err
	}
	printResult(&res)
	return nil
}

func (c *client) executeTeam(id string, doc map[string]interface{}) error {
	var res map[string]interface{}
	if err := c.do(http.MethodPost, "/api/teams/"+id+"/execute", c.withSession(doc), &res); err != nil {
		return err
	}
	return printJSON(res)
}

func (c *client) executeWorkflow(doc map[string]interface{}) error {
	if _, ok := doc["workflow"]; !ok {
		doc = map[string]interface{}{"workflow": doc}
	}
	var res map[string]interface{}
	if err := c.do(http.MethodPost, "/api/workflows/execute", c.withSession(doc), &res); err != nil {
		return err
	}
	return printJSON(res)
}

func printResult(res *taskResult) {
	if res.AgentID != "" {
		fmt.Printf("\033[36m[%s]\033[0m ", res.AgentID)
	}
	if res.Status != "success" {
		fmt.Printf("\033[33m(%s)\033[0m ", res.Status)
	}
	switch out := res.Output.(type) {
	case string:
		fmt.Println(out)
	case nil:
		fmt.Println()
	default:
		b, _ := json.MarshalIndent(out, "", "  ")
		fmt.Println(string(b))
	}
	for _, e := range res.Errors {
		printError("%s: %s", e.Code, e.Message)
	}
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
