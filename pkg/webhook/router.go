// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package webhook

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/walker77/paygate-mcp-sub009/pkg/logger"
)

// MaxFilterRules caps the number of filter rules.
const MaxFilterRules = 200

// Options configures a Router.
type Options struct {
	// DefaultURL, when set, receives every event regardless of filters.
	DefaultURL string
	// DefaultSecret signs deliveries to the default URL.
	DefaultSecret string

	MaxRetries     int
	Timeout        time.Duration
	QueueSize      int
	DeadLetterSize int
	RatePerSecond  float64
	// AllowPrivateIPs disables the SSRF guard; meant for tests and
	// deliberately internal deployments.
	AllowPrivateIPs bool
}

// Router owns every emitter. Rules carry only destination URLs; an emitter is
// created on first reference from a rule (or the default URL) and destroyed
// when no rule references its URL any longer.
type Router struct {
	mu       sync.Mutex
	rules    map[string]*FilterRule
	emitters map[string]*Emitter
	def      *Emitter
	cfg      emitterConfig

	secrets map[string]string // url -> secret, from the rule that created it
}

// NewRouter creates a webhook router.
func NewRouter(opts Options) *Router {
	cfg := emitterConfig{
		maxRetries:     opts.MaxRetries,
		timeout:        opts.Timeout,
		queueSize:      opts.QueueSize,
		deadLetterSize: opts.DeadLetterSize,
		ratePerSecond:  opts.RatePerSecond,
		allowPrivate:   opts.AllowPrivateIPs,
	}
	if cfg.maxRetries <= 0 {
		cfg.maxRetries = DefaultMaxRetries
	}
	if cfg.timeout <= 0 {
		cfg.timeout = DefaultTimeout
	}
	if cfg.queueSize <= 0 {
		cfg.queueSize = DefaultQueueSize
	}
	if cfg.deadLetterSize <= 0 {
		cfg.deadLetterSize = DefaultDeadLetterSize
	}
	if cfg.ratePerSecond <= 0 {
		cfg.ratePerSecond = DefaultRatePerSecond
	}

	r := &Router{
		rules:    make(map[string]*FilterRule),
		emitters: make(map[string]*Emitter),
		cfg:      cfg,
		secrets:  make(map[string]string),
	}
	if opts.DefaultURL != "" {
		r.def = newEmitter(opts.DefaultURL, opts.DefaultSecret, cfg)
	}
	return r
}

// Emit routes an event: every active rule that matches enqueues it on the
// emitter for its URL, and the default emitter receives it unconditionally.
// An event matching several rules with the same URL is enqueued once.
func (r *Router) Emit(event *Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	body, err := json.Marshal(event)
	if err != nil {
		logger.Errorf("Failed to marshal webhook event: %v", err)
		return
	}

	r.mu.Lock()
	targets := make(map[string]*Emitter)
	for _, rule := range r.rules {
		if rule.Matches(event) {
			if em, ok := r.emitters[rule.URL]; ok {
				targets[rule.URL] = em
			}
		}
	}
	def := r.def
	r.mu.Unlock()

	for _, em := range targets {
		em.enqueue(newDelivery(event, body))
	}
	if def != nil {
		def.enqueue(newDelivery(event, body))
	}
}

// SetRule installs or updates a filter rule, creating an emitter for its URL
// if none exists. A rule without an ID gets one assigned.
func (r *Router) SetRule(rule *FilterRule) (*FilterRule, error) {
	if rule.URL == "" {
		return nil, fmt.Errorf("filter rule requires a URL")
	}
	if _, err := url.ParseRequestURI(rule.URL); err != nil {
		return nil, fmt.Errorf("filter rule URL is invalid: %w", err)
	}
	if len(rule.EventTypes) == 0 {
		return nil, fmt.Errorf("filter rule requires at least one event type")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if rule.ID == "" {
		if len(r.rules) >= MaxFilterRules {
			return nil, fmt.Errorf("filter rule limit reached")
		}
		rule.ID = uuid.NewString()
	}

	var oldURL string
	if existing, ok := r.rules[rule.ID]; ok {
		oldURL = existing.URL
	}
	r.rules[rule.ID] = rule

	if _, ok := r.emitters[rule.URL]; !ok {
		r.emitters[rule.URL] = newEmitter(rule.URL, rule.Secret, r.cfg)
		r.secrets[rule.URL] = rule.Secret
	}
	if oldURL != "" && oldURL != rule.URL {
		r.gcEmitterLocked(oldURL)
	}
	return rule, nil
}

// DeleteRule removes a rule and destroys its emitter if the URL is no longer
// referenced.
func (r *Router) DeleteRule(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rule, ok := r.rules[id]
	if !ok {
		return fmt.Errorf("filter rule %s not found", id)
	}
	delete(r.rules, id)
	r.gcEmitterLocked(rule.URL)
	return nil
}

// gcEmitterLocked destroys the emitter for url when no rule references it.
func (r *Router) gcEmitterLocked(url string) {
	for _, rule := range r.rules {
		if rule.URL == url {
			return
		}
	}
	if em, ok := r.emitters[url]; ok {
		delete(r.emitters, url)
		delete(r.secrets, url)
		go em.stop()
	}
}

// Rules returns a copy of the installed rules.
func (r *Router) Rules() []*FilterRule {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*FilterRule, 0, len(r.rules))
	for _, rule := range r.rules {
		c := *rule
		out = append(out, &c)
	}
	return out
}

// StatsByURL returns per-destination delivery stats, including the default
// emitter under its URL.
func (r *Router) StatsByURL() map[string]Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]Stats, len(r.emitters)+1)
	for u, em := range r.emitters {
		out[u] = em.Stats()
	}
	if r.def != nil {
		out[r.def.url] = r.def.Stats()
	}
	return out
}

// DeadLetters returns the dead-letter ring for a destination URL.
func (r *Router) DeadLetters(url string) []*Delivery {
	r.mu.Lock()
	em, ok := r.emitters[url]
	if !ok && r.def != nil && r.def.url == url {
		em = r.def
		ok = true
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return em.DeadLetters()
}

// Close stops every emitter.
func (r *Router) Close() {
	r.mu.Lock()
	emitters := make([]*Emitter, 0, len(r.emitters)+1)
	for _, em := range r.emitters {
		emitters = append(emitters, em)
	}
	if r.def != nil {
		emitters = append(emitters, r.def)
	}
	r.emitters = make(map[string]*Emitter)
	r.mu.Unlock()

	for _, em := range emitters {
		em.stop()
	}
}
