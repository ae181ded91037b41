package bus

import (
	"encoding/json"
	"io/ioutil"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/resource"
)

func TestDeliveryOrderAndFailures(t *testing.T) {
	b := New(nil)
	var got []string
	b.AddListener(ListenerFunc(func(msg resource.Message) error {
		got = append(got, "first")
		return errors.New("broken listener")
	}))
	b.AddListener(ListenerFunc(func(msg resource.Message) error {
		panic("worse listener")
	}))
	h := b.AddListener(ListenerFunc(func(msg resource.Message) error {
		got = append(got, "third")
		return nil
	}))

	b.Notify(resource.ResourceChanged{ID: 1, Old: resource.WAITING, New: resource.READY})
	if len(got) != 2 || got[0] != "first" || got[1] != "third" {
		t.Errorf("unexpected deliveries %v", got)
	}

	b.RemoveListener(h)
	got = nil
	b.Notify(resource.ResourceRemoved{ID: 1})
	if len(got) != 1 {
		t.Errorf("removed listener still notified: %v", got)
	}
}

func TestWebhook(t *testing.T) {
	var mu sync.Mutex
	var bodies []Envelope
	received := make(chan struct{}, 10)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		data, _ := ioutil.ReadAll(r.Body)
		env := struct {
			Type string `json:"type"`
		}{}
		json.Unmarshal(data, &env)
		mu.Lock()
		bodies = append(bodies, Envelope{Type: env.Type})
		mu.Unlock()
		received <- struct{}{}
	}))
	defer server.Close()

	w := NewWebhookListener([]string{server.URL}, MakePesterClient(1, time.Second), 4, stats.NilStatsReceiver())
	if err := w.Notify(resource.ResourceAdded{ID: 3, Locator: "/jobs/a"}); err != nil {
		t.Fatal(err)
	}
	select {
	case <-received:
	case <-time.After(5 * time.Second):
		t.Fatal("webhook not called")
	}
	w.Close()

	if err := w.Notify(resource.ResourceAdded{ID: 4, Locator: "/jobs/b"}); errors.Cause(err) != ErrWebhookClosed {
		t.Errorf("expected the closed listener to refuse messages, got %v", err)
	}
	w.Close()

	mu.Lock()
	defer mu.Unlock()
	if len(bodies) != 1 || bodies[0].Type != "resource-added" {
		t.Errorf("unexpected webhook bodies %v", bodies)
	}
}
