package bus

import (
	"bytes"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/sethgrid/pester"
	log "github.com/sirupsen/logrus"

	"github.com/experimaestro/xpm/common/stats"
	"github.com/experimaestro/xpm/resource"
)

const (
	DefaultWebhookQueueSize = 1024
	DefaultWebhookTries     = 5
	DefaultWebhookTimeout   = 10 * time.Second
)

// MakePesterClient returns a retrying client with exponential backoff.
func MakePesterClient(tries int, timeout time.Duration) *pester.Client {
	client := pester.New()
	client.Backoff = pester.ExponentialBackoff
	client.MaxRetries = tries
	client.Timeout = timeout
	client.LogHook = func(e pester.ErrEntry) {
		log.Errorf("Retrying after failed attempt: %+v", e)
	}
	return client
}

// Envelope is the JSON body posted for each message.
type Envelope struct {
	Type    string           `json:"type"`
	Time    time.Time        `json:"time"`
	Message resource.Message `json:"message"`
}

// WebhookListener forwards messages to HTTP endpoints. Messages are queued
// and posted by a single goroutine so that the bus never waits on the
// network; when the queue is full the message is dropped.
type WebhookListener struct {
	urls   []string
	client *pester.Client
	queue  chan Envelope
	done   chan struct{}
	stat   stats.StatsReceiver

	mu     sync.RWMutex
	closed bool
}

// ErrWebhookClosed is returned by Notify once the listener is closed.
var ErrWebhookClosed = errors.New("webhook listener closed")

func NewWebhookListener(urls []string, client *pester.Client, queueSize int, stat stats.StatsReceiver) *WebhookListener {
	if client == nil {
		client = MakePesterClient(DefaultWebhookTries, DefaultWebhookTimeout)
	}
	if queueSize <= 0 {
		queueSize = DefaultWebhookQueueSize
	}
	if stat == nil {
		stat = stats.NilStatsReceiver()
	}
	w := &WebhookListener{
		urls:   urls,
		client: client,
		queue:  make(chan Envelope, queueSize),
		done:   make(chan struct{}),
		stat:   stat.Scope("bus"),
	}
	go w.loop()
	return w
}

func (w *WebhookListener) Notify(msg resource.Message) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		w.stat.Counter(stats.BusWebhookDroppedCounter).Inc(1)
		return errors.Wrapf(ErrWebhookClosed, "dropping %s for %s", msg.Type(), msg.Subject())
	}
	select {
	case w.queue <- Envelope{Type: msg.Type(), Time: time.Now(), Message: msg}:
		return nil
	default:
		w.stat.Counter(stats.BusWebhookDroppedCounter).Inc(1)
		return errors.Errorf("webhook queue full, dropping %s for %s", msg.Type(), msg.Subject())
	}
}

// Close stops accepting messages and waits for the queue to drain.
func (w *WebhookListener) Close() {
	w.mu.Lock()
	if !w.closed {
		w.closed = true
		close(w.queue)
	}
	w.mu.Unlock()
	<-w.done
}

func (w *WebhookListener) loop() {
	defer close(w.done)
	for env := range w.queue {
		body, err := json.Marshal(env)
		if err != nil {
			log.WithFields(log.Fields{"err": err, "message": env.Type}).Error("Cannot encode webhook message")
			continue
		}
		for _, url := range w.urls {
			if err := w.post(url, body); err != nil {
				w.stat.Counter(stats.BusWebhookFailureCounter).Inc(1)
				log.WithFields(log.Fields{"url": url, "err": err, "message": env.Type}).Error("Webhook delivery failed")
			}
		}
	}
}

func (w *WebhookListener) post(url string, body []byte) error {
	resp, err := w.client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errors.Errorf("webhook %s answered %s", url, resp.Status)
	}
	return nil
}
