package endpoints

import (
	"context"
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/experimaestro/xpm/bus"
	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/connector"
	"github.com/experimaestro/xpm/connector/fake"
	"github.com/experimaestro/xpm/resource"
	"github.com/experimaestro/xpm/scheduler"
	"github.com/experimaestro/xpm/store/sqlstore"
)

func setup(t *testing.T) (*httptest.Server, *scheduler.Scheduler) {
	st, err := sqlstore.Open(sqlstore.MemoryPath, nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })
	stat := stats.DefaultStatsReceiver()
	sched, err := scheduler.New(nil, st, bus.New(stat), connector.NewRegistry(fake.New(connector.DefaultID)), stat)
	if err != nil {
		t.Fatal(err)
	}
	server := httptest.NewServer(NewTwitterServer("", stat, sched).Handler())
	t.Cleanup(server.Close)
	return server, sched
}

func post(t *testing.T, url, body string, reply interface{}) int {
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK && reply != nil {
		if err := json.Unmarshal(data, reply); err != nil {
			t.Fatalf("invalid reply %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func get(t *testing.T, url string, reply interface{}) int {
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := ioutil.ReadAll(resp.Body)
	if resp.StatusCode == http.StatusOK && reply != nil {
		if err := json.Unmarshal(data, reply); err != nil {
			t.Fatalf("invalid reply %q: %v", data, err)
		}
	}
	return resp.StatusCode
}

func TestHealthAndMetrics(t *testing.T) {
	server, _ := setup(t)
	resp, err := http.Get(server.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	body, _ := ioutil.ReadAll(resp.Body)
	resp.Body.Close()
	if string(body) != "ok" {
		t.Errorf("unexpected health %q", body)
	}

	var metrics map[string]interface{}
	if code := get(t, server.URL+"/admin/metrics.json", &metrics); code != http.StatusOK {
		t.Fatalf("metrics returned %d", code)
	}
}

func TestSubmitAndStatus(t *testing.T) {
	server, sched := setup(t)

	var data scheduler.StatusInfo
	if code := post(t, server.URL+"/resources", `{"type": "data", "locator": "/data/a"}`, &data); code != http.StatusOK {
		t.Fatalf("submit returned %d", code)
	}
	if data.State != resource.DONE {
		t.Errorf("data should default to DONE, got %s", data.State)
	}

	job := `{"type": "command-line", "locator": "/jobs/b",
		"job": {"commands": [["echo", "hi"]], "launcher": {}},
		"dependencies": [{"locator": "/data/a", "kind": "read"}],
		"tags": {"lr": "0.1"}}`
	var info scheduler.StatusInfo
	if code := post(t, server.URL+"/resources", job, &info); code != http.StatusOK {
		t.Fatalf("submit returned %d", code)
	}
	if info.State != resource.READY || info.Tags["lr"] != "0.1" || len(info.Dependencies) != 1 {
		t.Errorf("unexpected status %+v", info)
	}

	var byLocator scheduler.StatusInfo
	if code := get(t, server.URL+"/resources/jobs/b", &byLocator); code != http.StatusOK || byLocator.ID != info.ID {
		t.Errorf("lookup by locator returned %d %+v", code, byLocator)
	}
	var byID scheduler.StatusInfo
	if code := get(t, server.URL+"/resources/"+info.ID.String(), &byID); code != http.StatusOK || byID.Locator != "/jobs/b" {
		t.Errorf("lookup by id returned %d %+v", code, byID)
	}
	if code := get(t, server.URL+"/resources/nope", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}

	if code := post(t, server.URL+"/resources", `{"type": "command-line", "locator": "/jobs/c"}`, nil); code == http.StatusOK {
		t.Error("a job without a job section was accepted")
	}
	self := `{"type": "command-line", "locator": "/jobs/d", "job": {"commands": [["true"]], "launcher": {}},
		"dependencies": [{"locator": "/jobs/d", "kind": "read"}]}`
	if code := post(t, server.URL+"/resources", self, nil); code != http.StatusBadRequest {
		t.Errorf("expected 400 for a self dependency, got %d", code)
	}

	// The job holds the data resource.
	if code := post(t, server.URL+"/resources/"+data.ID.String()+"/delete", "", nil); code != http.StatusConflict {
		t.Errorf("expected 409, got %d", code)
	}
	var done Done
	if code := post(t, server.URL+"/resources/"+data.ID.String()+"/delete?recursive=true", "", &done); code != http.StatusOK || !done.Changed {
		t.Errorf("recursive delete returned %d", code)
	}
	if _, err := sched.Resource(info.ID); err == nil {
		t.Error("dependent not deleted")
	}
}

func TestNotifyAndAdmin(t *testing.T) {
	server, sched := setup(t)
	r, err := sched.SubmitDefinition(context.Background(), &scheduler.Definition{Type: "data", Locator: "/data/a"})
	if err != nil {
		t.Fatal(err)
	}
	var done Done
	if code := post(t, server.URL+"/notify/"+r.ID().String(), "", &done); code != http.StatusOK || done.Changed {
		t.Errorf("notify returned %d %+v", code, done)
	}
	if code := post(t, server.URL+"/notify/12345", "", nil); code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", code)
	}
	var count Count
	if code := post(t, server.URL+"/admin/cleanup-locks?simulate=true", "", &count); code != http.StatusOK || count.Count != 0 {
		t.Errorf("cleanup returned %d %+v", code, count)
	}
	if code := post(t, server.URL+"/resources/"+r.ID().String()+"/kill", "", &done); code != http.StatusOK || done.Changed {
		t.Errorf("killing data returned %d %+v", code, done)
	}
	if code := post(t, server.URL+"/resources/"+r.ID().String()+"/restart", "", nil); code != http.StatusBadRequest {
		t.Errorf("restarting data should be unsupported, got %d", code)
	}
}

func TestExperiments(t *testing.T) {
	server, _ := setup(t)
	var exp struct {
		ID int64 `json:"id"`
	}
	if code := post(t, server.URL+"/experiments?name=mnist", "", &exp); code != http.StatusOK || exp.ID == 0 {
		t.Fatalf("experiment creation returned %d %+v", code, exp)
	}
	job := `{"type": "command-line", "locator": "/jobs/a", "job": {"commands": [["true"]], "launcher": {}},
		"experiment": ` + jsonInt(exp.ID) + `, "identifier": "a"}`
	if code := post(t, server.URL+"/resources", job, nil); code != http.StatusOK {
		t.Fatalf("submit returned %d", code)
	}
	var count Count
	if code := post(t, server.URL+"/experiments/"+jsonInt(exp.ID)+"/hold", "", &count); code != http.StatusOK || count.Count != 1 {
		t.Errorf("hold returned %d %+v", code, count)
	}
	if code := post(t, server.URL+"/experiments/"+jsonInt(exp.ID)+"/restart", "", &count); code != http.StatusOK || count.Count != 1 {
		t.Errorf("restart returned %d %+v", code, count)
	}
	if code := post(t, server.URL+"/experiments?name=", "", nil); code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", code)
	}
}

func jsonInt(n int64) string {
	b, _ := json.Marshal(n)
	return string(b)
}

func TestGRPCHealth(t *testing.T) {
	cfg := &GRPCConfig{GRPCAddr: "localhost:0", ListenerMaxConns: 4, RateLimitPerSec: 100, BurstLimitPerSec: 10}
	ln, err := cfg.NewListener()
	if err != nil {
		t.Fatal(err)
	}
	server, hs := cfg.NewGRPCServer()
	hs.SetServingStatus(SchedulerService, healthpb.HealthCheckResponse_SERVING)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go ServeGRPC(ctx, server, ln)

	conn, err := grpc.NewClient(ln.Addr().String(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: SchedulerService})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Status != healthpb.HealthCheckResponse_SERVING {
		t.Errorf("unexpected health %s", resp.Status)
	}
}

func TestParseID(t *testing.T) {
	for in, want := range map[string]resource.ID{"12": 12, "R7": 7} {
		if got, err := ParseID(in); err != nil || got != want {
			t.Errorf("ParseID(%q) = %d, %v", in, got, err)
		}
	}
	for _, in := range []string{"", "R", "-1", "0", "jobs"} {
		if _, err := ParseID(in); err == nil {
			t.Errorf("ParseID(%q) should fail", in)
		}
	}
}
