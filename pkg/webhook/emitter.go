// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"bytes"
	"context"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
	"github.com/walker77/paygate-mcp-sub009/pkg/networking"
)

// Emitter defaults.
const (
	DefaultMaxRetries     = 5
	DefaultTimeout        = 10 * time.Second
	DefaultQueueSize      = 1024
	DefaultDeadLetterSize = 100
	// DefaultRatePerSecond bounds outbound deliveries per destination.
	DefaultRatePerSecond = 10
)

// Delivery is one event in flight to one destination.
type Delivery struct {
	// UID identifies the delivery for receiver-side idempotency.
	UID      string `json:"uid"`
	Event    *Event `json:"event"`
	Attempts int    `json:"attempts"`
	// LastError describes the most recent failure, for dead-letter triage.
	LastError string `json:"last_error,omitempty"`

	body []byte
	bo   *backoff.ExponentialBackOff
}

// Stats counts an emitter's delivery outcomes.
type Stats struct {
	Enqueued     uint64 `json:"enqueued"`
	Delivered    uint64 `json:"delivered"`
	Retried      uint64 `json:"retried"`
	Rejected     uint64 `json:"rejected"` // non-retriable 4xx
	DeadLettered uint64 `json:"dead_lettered"`
	Dropped      uint64 `json:"dropped"` // queue overflow
}

// emitterConfig is shared by every emitter a router creates.
type emitterConfig struct {
	maxRetries     int
	timeout        time.Duration
	queueSize      int
	deadLetterSize int
	ratePerSecond  float64
	allowPrivate   bool
}

// Emitter owns all deliveries to a single destination URL: an ordered queue,
// a retry schedule, a dead-letter ring, and per-URL outbound rate limiting.
// One worker goroutine drains the queue, so deliveries that never retry
// preserve enqueue order.
type Emitter struct {
	url     string
	secret  string
	cfg     emitterConfig
	client  *http.Client
	limiter *rate.Limiter

	queue  chan *Delivery
	stopCh chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	deadLetter []*Delivery
	stats      Stats
}

func newEmitter(destURL, secret string, cfg emitterConfig) *Emitter {
	e := &Emitter{
		url:    destURL,
		secret: secret,
		cfg:    cfg,
		client: networking.NewHTTPClientBuilder().
			WithTimeout(cfg.timeout).
			WithPrivateIPs(cfg.allowPrivate).
			Build(),
		limiter: rate.NewLimiter(rate.Limit(cfg.ratePerSecond), int(cfg.ratePerSecond)+1),
		queue:   make(chan *Delivery, cfg.queueSize),
		stopCh:  make(chan struct{}),
	}
	e.wg.Add(1)
	go e.worker()
	return e
}

// enqueue adds a delivery; a full queue drops the event rather than blocking
// the request path.
func (e *Emitter) enqueue(d *Delivery) {
	select {
	case e.queue <- d:
		e.mu.Lock()
		e.stats.Enqueued++
		e.mu.Unlock()
	default:
		e.mu.Lock()
		e.stats.Dropped++
		e.mu.Unlock()
		logger.Warnf("Webhook queue full for %s, dropping event %s", logger.SanitizeField(e.url), d.UID)
	}
}

func (e *Emitter) worker() {
	defer e.wg.Done()
	for {
		select {
		case d := <-e.queue:
			e.attempt(d)
		case <-e.stopCh:
			return
		}
	}
}

func (e *Emitter) attempt(d *Delivery) {
	// Per-URL outbound rate limit: defer rather than burn an attempt. The
	// reservation is returned so the requeued attempt pays only one token.
	res := e.limiter.Reserve()
	if delay := res.Delay(); delay > 0 {
		res.Cancel()
		e.requeueAfter(d, delay)
		return
	}

	err := e.deliverOnce(d)
	if err == nil {
		e.mu.Lock()
		e.stats.Delivered++
		e.mu.Unlock()
		return
	}

	if !isRetriable(err) {
		d.LastError = err.Error()
		e.mu.Lock()
		e.stats.Rejected++
		e.mu.Unlock()
		logger.Warnf("Webhook to %s rejected (not retriable): %v", logger.SanitizeField(e.url), err)
		return
	}

	d.Attempts++
	d.LastError = err.Error()
	if d.Attempts > e.cfg.maxRetries {
		e.addDeadLetter(d)
		return
	}

	e.mu.Lock()
	e.stats.Retried++
	e.mu.Unlock()

	if d.bo == nil {
		d.bo = backoff.NewExponentialBackOff()
		d.bo.InitialInterval = 500 * time.Millisecond
		d.bo.MaxInterval = time.Minute
	}
	e.requeueAfter(d, d.bo.NextBackOff())
}

// requeueAfter schedules a delivery back onto the queue. A retried delivery
// may land after later events; that reordering is accepted.
func (e *Emitter) requeueAfter(d *Delivery, delay time.Duration) {
	timer := time.AfterFunc(delay, func() {
		select {
		case e.queue <- d:
		case <-e.stopCh:
		default:
			e.mu.Lock()
			e.stats.Dropped++
			e.mu.Unlock()
		}
	})
	// Let the timer fire on its own; on Stop the requeue lands on a closed
	// select arm and is discarded.
	_ = timer
}

func (e *Emitter) deliverOnce(d *Delivery) error {
	// Re-validate the destination on every attempt: DNS may have been
	// re-pointed at an internal address since the rule was created. The
	// protected dialer inside the client enforces this at connect time.
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.url, bytes.NewReader(d.body))
	if err != nil {
		return &deliveryError{retriable: false, err: err}
	}

	now := time.Now().Unix()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set(TimestampHeader, strconv.FormatInt(now, 10))
	req.Header.Set("X-Paygate-Delivery", d.UID)
	if e.secret != "" {
		req.Header.Set(SignatureHeader, SignPayload([]byte(e.secret), now, d.body))
	}

	resp, err := e.client.Do(req)
	if err != nil {
		// Timeouts and connection errors are retriable.
		return &deliveryError{retriable: true, err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500:
		return &deliveryError{retriable: true, err: &url.Error{Op: "POST", URL: e.url, Err: statusError(resp.StatusCode)}}
	default:
		// 4xx means the receiver rejected the payload; retrying won't help.
		return &deliveryError{retriable: false, err: &url.Error{Op: "POST", URL: e.url, Err: statusError(resp.StatusCode)}}
	}
}

func (e *Emitter) addDeadLetter(d *Delivery) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stats.DeadLettered++
	e.deadLetter = append(e.deadLetter, d)
	if len(e.deadLetter) > e.cfg.deadLetterSize {
		e.deadLetter = e.deadLetter[len(e.deadLetter)-e.cfg.deadLetterSize:]
	}
	logger.Warnf("Webhook to %s dead-lettered after %d attempts: %s",
		logger.SanitizeField(e.url), d.Attempts, d.LastError)
}

// DeadLetters returns a copy of the dead-letter ring.
func (e *Emitter) DeadLetters() []*Delivery {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]*Delivery(nil), e.deadLetter...)
}

// Stats returns a snapshot of the emitter's counters.
func (e *Emitter) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stats
}

func (e *Emitter) stop() {
	close(e.stopCh)
	e.wg.Wait()
}

func newDelivery(event *Event, body []byte) *Delivery {
	return &Delivery{
		UID:   uuid.NewString(),
		Event: event,
		body:  body,
	}
}

// deliveryError tags an error with retriability.
type deliveryError struct {
	retriable bool
	err       error
}

func (e *deliveryError) Error() string { return e.err.Error() }
func (e *deliveryError) Unwrap() error { return e.err }

func isRetriable(err error) bool {
	de, ok := err.(*deliveryError)
	return ok && de.retriable
}

type statusError int

func (s statusError) Error() string {
	return "unexpected status " + strconv.Itoa(int(s))
}
