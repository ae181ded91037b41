package cli

import (
	"bytes"
	"encoding/json"
	"io/ioutil"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/experimaestro/xpm/bus"
	"github.com/experimaestro/xpm/common/endpoints"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/connector/fake"
	"github.com/experimaestro/xpm/scheduler"
	"github.com/experimaestro/xpm/store/sqlstore"
)

const jobYAML = `
type: command-line
locator: /jobs/train
job:
  commands:
    - [python, train.py]
  priority: 3
  launcher: {}
dependencies:
  - locator: /data/mnist
    kind: read
tags:
  model: cnn
`

func daemon(t *testing.T) string {
	st, err := sqlstore.Open(sqlstore.MemoryPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	stat := stats.NilStatsReceiver()
	sched, err := scheduler.New(nil, st, bus.New(stat), connector.NewRegistry(fake.New(connector.DefaultID)), stat)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(endpoints.NewTwitterServer("", stat, sched).Handler())
	t.Cleanup(server.Close)
	return server.URL
}

func run(t *testing.T, addr string, args ...string) (map[string]interface{}, error) {
	out := &bytes.Buffer{}
	c := NewSimpleCLIClient(out).(*simpleCLIClient)
	c.rootCmd.SetArgs(append([]string{"--addr", addr, "--log_level", "error"}, args...))
	if err := c.Exec(); err != nil {
		return nil, err
	}
	reply := map[string]interface{}{}
	if err := json.Unmarshal(out.Bytes(), &reply); err != nil {
		t.Fatalf("invalid output %q: %v", out.String(), err)
	}
	return reply, nil
}

func writeFile(t *testing.T, dir, name, content string) string {
	p := filepath.Join(dir, name)
	if err := ioutil.WriteFile(p, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestReadDefinition(t *testing.T) {
	dir := t.TempDir()
	data, err := ReadDefinition(writeFile(t, dir, "train.yaml", jobYAML))
	if err != nil {
		t.Fatal(err)
	}
	def := scheduler.Definition{}
	if err := json.Unmarshal(data, &def); err != nil {
		t.Fatal(err)
	}
	if def.Locator != "/jobs/train" || def.Job == nil || def.Job.Priority != 3 || len(def.Dependencies) != 1 || def.Tags["model"] != "cnn" {
		t.Errorf("unexpected definition %+v", def)
	}

	if _, err := ReadDefinition(writeFile(t, dir, "bad.json", "{")); err == nil {
		t.Error("invalid JSON accepted")
	}
	if _, err := ReadDefinition(filepath.Join(dir, "missing.json")); !os.IsNotExist(err) {
		t.Errorf("expected a missing file error, got %v", err)
	}
}

func TestCommands(t *testing.T) {
	addr := daemon(t)
	dir := t.TempDir()

	if _, err := run(t, addr, "submit", writeFile(t, dir, "train.yaml", jobYAML)); err == nil || !strings.Contains(err.Error(), "404") {
		t.Fatalf("expected the unknown dependency to be reported, got %v", err)
	}
	data := writeFile(t, dir, "mnist.json", `{"type": "data", "locator": "/data/mnist"}`)
	if _, err := run(t, addr, "submit", data); err != nil {
		t.Fatal(err)
	}
	reply, err := run(t, addr, "submit", filepath.Join(dir, "train.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if reply["status"] != "READY" {
		t.Errorf("unexpected reply %v", reply)
	}
	id := reply["id"].(float64)

	status, err := run(t, addr, "status", "/jobs/train")
	if err != nil {
		t.Fatal(err)
	}
	if status["id"] != id {
		t.Errorf("status by locator returned %v", status)
	}

	if reply, err := run(t, addr, "kill", "R1"); err != nil || reply["changed"] != false {
		t.Errorf("killing data returned %v %v", reply, err)
	}
	if reply, err := run(t, addr, "cleanup-locks", "--simulate"); err != nil || reply["count"] != float64(0) {
		t.Errorf("cleanup returned %v %v", reply, err)
	}
	if _, err := run(t, addr, "delete", "R1"); err == nil || !strings.Contains(err.Error(), "409") {
		t.Errorf("expected a conflict, got %v", err)
	}
	if reply, err := run(t, addr, "delete", "--recursive", "R1"); err != nil || reply["changed"] != true {
		t.Errorf("recursive delete returned %v %v", reply, err)
	}
}
