package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func TestReadDocumentYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "wf.yaml")
	os.WriteFile(yml, []byte("id: wf-1\nsteps:\n  - id: a\n    type: task\n"), 0o644)
	js := filepath.Join(dir, "task.json")
	os.WriteFile(js, []byte(`{"task": {"name": "ping"}}`), 0o644)

	doc, err := readDocument(yml)
	if err != nil {
		t.Fatal(err)
	}
	steps, ok := doc["steps"].([]interface{})
	if doc["id"] != "wf-1" || !ok || len(steps) != 1 {
		t.Errorf("yaml doc = %v", doc)
	}
	// YAML maps must survive JSON encoding for the request body.
	if _, err := json.Marshal(doc); err != nil {
		t.Errorf("marshal yaml doc: %v", err)
	}

	doc, err = readDocument(js)
	if err != nil {
		t.Fatal(err)
	}
	if doc["task"].(map[string]interface{})["name"] != "ping" {
		t.Errorf("json doc = %v", doc)
	}

	if _, err := readDocument(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExecuteWorkflowWrapsBareDefinition(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/workflows/execute" {
			http.NotFound(w, r)
			return
		}
		json.NewDecoder(r.Body).Decode(&got)
		w.Write([]byte(`{"success": true}`))
	}))
	defer srv.Close()

	c := newClient(srv.URL+"/", "s-42")
	if err := c.executeWorkflow(map[string]interface{}{"id": "wf-1"}); err != nil {
		t.Fatal(err)
	}
	wf, _ := got["workflow"].(map[string]interface{})
	if wf["id"] != "wf-1" {
		t.Errorf("body = %v", got)
	}
	ec, _ := got["context"].(map[string]interface{})
	if ec["session_id"] != "s-42" {
		t.Errorf("context = %v", got["context"])
	}
}

func TestClientReportsServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"team not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	err := newClient(srv.URL, "").executeTeam("ghost", map[string]interface{}{"tasks": []interface{}{}})
	if err == nil {
		t.Fatal("expected error")
	}
}

func TestFirstWords(t *testing.T) {
	if got := firstWords("write a short note about the quarterly numbers", 3); got != "write a short" {
		t.Errorf("got %q", got)
	}
}
