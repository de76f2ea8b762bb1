/* Copyright 2023 The Matrix.org Foundation C.I.C.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

package appservice

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-set/v3"
	"github.com/matrix-org/util"
	"github.com/sirupsen/logrus"
)

// SchedulerConfig tunes the delivery workers.
type SchedulerConfig struct {
	// Backoff paces retries to unhealthy services. The zero value means
	// DefaultBackoffPolicy.
	Backoff BackoffPolicy
	// MaxPayloadsPerTransaction caps how many payloads of each kind a single
	// transaction may carry. Zero drains everything queued at build time.
	MaxPayloadsPerTransaction int
	// Clock defaults to SystemClock. Tests substitute a fake to step through
	// backoff without waiting.
	Clock Clock
}

// A Scheduler owns one delivery worker per application service. Each worker
// turns that service's queued payloads into numbered transactions and pushes
// them strictly in order, with exponential backoff while the service is
// rejecting them. Workers never interfere with each other: one service being
// down does not delay any other.
type Scheduler struct {
	client *Client
	store  TransactionIDStore
	cfg    SchedulerConfig

	ctx    context.Context
	cancel context.CancelFunc

	mutex   sync.Mutex
	workers map[string]*worker
	stopped bool
}

var _ Submitter = (*Scheduler)(nil)

// NewScheduler makes a Scheduler that delivers through the given client and
// persists acknowledged transaction IDs in the given store. A nil store keeps
// counters in memory only.
func NewScheduler(client *Client, store TransactionIDStore, cfg SchedulerConfig) *Scheduler {
	if client == nil {
		client = NewClient()
	}
	if store == nil {
		store = NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = SystemClock()
	}
	if cfg.Backoff == (BackoffPolicy{}) {
		cfg.Backoff = DefaultBackoffPolicy()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		client:  client,
		store:   store,
		cfg:     cfg,
		ctx:     ctx,
		cancel:  cancel,
		workers: make(map[string]*worker),
	}
}

// SubmitEvents queues room events for delivery to a service. It never
// blocks: payloads land on an unbounded queue that the service's worker
// drains, so a slow or down service cannot stall the caller.
func (s *Scheduler) SubmitEvents(service *ApplicationService, events ...ClientEvent) {
	if len(events) == 0 {
		return
	}
	if w := s.workerFor(service); w != nil {
		queuedPayloads.WithLabelValues(service.ID, kindEvent).Add(float64(len(events)))
		w.queue.addEvents(events...)
	}
}

// SubmitEphemeral queues EDUs for delivery to a service. The caller is
// responsible for only submitting to services that opted into ephemeral
// delivery.
func (s *Scheduler) SubmitEphemeral(service *ApplicationService, events ...EphemeralEvent) {
	if len(events) == 0 {
		return
	}
	if w := s.workerFor(service); w != nil {
		queuedPayloads.WithLabelValues(service.ID, kindEphemeral).Add(float64(len(events)))
		w.queue.addEphemeral(events...)
	}
}

// SubmitToDevice queues send-to-device messages for delivery to a service.
func (s *Scheduler) SubmitToDevice(service *ApplicationService, events ...ToDeviceEvent) {
	if len(events) == 0 {
		return
	}
	if w := s.workerFor(service); w != nil {
		queuedPayloads.WithLabelValues(service.ID, kindToDevice).Add(float64(len(events)))
		w.queue.addToDevice(events...)
	}
}

// SetServices reconciles the worker set with the currently registered
// services, for callers that reload registrations at runtime. Services seen
// for the first time get a worker; workers whose service is gone are
// cancelled, dropping whatever they still had queued. A transaction already
// in flight for a removed service is left to finish and its outcome
// discarded.
func (s *Scheduler) SetServices(services []*ApplicationService) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return
	}
	current := set.New[string](len(services))
	for _, service := range services {
		if service == nil {
			continue
		}
		current.Insert(service.ID)
		if _, ok := s.workers[service.ID]; !ok {
			s.workers[service.ID] = s.newWorker(service)
		}
	}
	for id, w := range s.workers {
		if current.Contains(id) {
			continue
		}
		w.cancel()
		delete(s.workers, id)
		dropWorkerMetrics(id)
	}
}

// Stop cancels every worker and waits for them to exit. Queued payloads are
// dropped. An in-flight transaction is abandoned; because only acknowledged
// IDs are persisted it will be rebuilt and resent after a restart.
func (s *Scheduler) Stop() {
	s.mutex.Lock()
	if s.stopped {
		s.mutex.Unlock()
		return
	}
	s.stopped = true
	workers := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.mutex.Unlock()

	s.cancel()
	for _, w := range workers {
		<-w.done
	}
}

func (s *Scheduler) workerFor(service *ApplicationService) *worker {
	if service == nil {
		return nil
	}
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if s.stopped {
		return nil
	}
	w, ok := s.workers[service.ID]
	if !ok {
		w = s.newWorker(service)
		s.workers[service.ID] = w
	}
	return w
}

// newWorker must be called with s.mutex held.
func (s *Scheduler) newWorker(service *ApplicationService) *worker {
	ctx, cancel := context.WithCancel(s.ctx)
	w := &worker{
		service:   service,
		queue:     newServiceQueue(),
		client:    s.client,
		store:     s.store,
		clock:     s.cfg.Clock,
		backoff:   s.cfg.Backoff,
		maxPerTxn: s.cfg.MaxPayloadsPerTransaction,
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
	go w.run()
	return w
}

func dropWorkerMetrics(serviceID string) {
	for _, kind := range []string{kindEvent, kindEphemeral, kindToDevice} {
		queuedPayloads.DeleteLabelValues(serviceID, kind)
	}
	workerStates.DeleteLabelValues(serviceID)
	backoffSeconds.DeleteLabelValues(serviceID)
}

type workerState int32

const (
	stateIdle workerState = iota
	stateSending
	stateBackoff
)

func (s workerState) String() string {
	switch s {
	case stateSending:
		return "sending"
	case stateBackoff:
		return "backoff"
	default:
		return "idle"
	}
}

// A worker drives delivery for a single application service. All fields
// below ctx are owned by the worker goroutine; other goroutines only touch
// the queue, the cancel func and the atomic state.
type worker struct {
	service   *ApplicationService
	queue     *serviceQueue
	client    *Client
	store     TransactionIDStore
	clock     Clock
	backoff   BackoffPolicy
	maxPerTxn int

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	state  atomic.Int32

	// counter is the last assigned transaction ID, seeded from the store so
	// IDs stay monotonic across restarts.
	counter int64
	// failures counts consecutive rejections of the pending transaction.
	failures int
	// pending is the built but not yet acknowledged transaction. While it is
	// set no further transaction is built, which is what keeps deliveries
	// ordered.
	pending *Transaction
}

func (w *worker) run() {
	defer close(w.done)
	logger := util.GetLogger(w.ctx).WithField("appservice", w.service.ID)
	if !w.seedCounter(logger) {
		return
	}
	for {
		if w.pending == nil {
			if !w.waitForWork() {
				return
			}
			w.buildTransaction()
			if w.pending == nil {
				continue
			}
		}
		if !w.deliver(logger) {
			return
		}
	}
}

func (w *worker) setState(state workerState) {
	w.state.Store(int32(state))
	workerStates.WithLabelValues(w.service.ID).Set(float64(state))
}

// seedCounter loads the last acknowledged transaction ID, retrying with
// backoff until the store answers. Counting from zero after a failed read
// could re-issue IDs the service has already processed, so the worker
// delivers nothing until the seed is known. Returns false on cancellation.
func (w *worker) seedCounter(logger *logrus.Entry) bool {
	for attempt := 1; ; attempt++ {
		last, err := w.store.LastTransactionID(w.ctx, w.service.ID)
		if err == nil {
			w.counter = last
			return true
		}
		if w.ctx.Err() != nil {
			return false
		}
		delay := w.backoff.Delay(attempt)
		logger.WithError(err).WithField("backoff", delay.String()).Warn("Failed to load last transaction ID, retrying")
		select {
		case <-w.clock.After(delay):
		case <-w.ctx.Done():
			return false
		}
	}
}

// waitForWork parks the worker until something is queued or the worker is
// cancelled. Returns false on cancellation.
func (w *worker) waitForWork() bool {
	for w.queue.empty() {
		w.setState(stateIdle)
		select {
		case <-w.queue.wake:
		case <-w.ctx.Done():
			return false
		}
	}
	return true
}

// buildTransaction drains the queues into a new pending transaction with the
// next ID. Payloads queued after the drain snapshot wait for the following
// transaction, preserving order.
func (w *worker) buildTransaction() {
	events := drainQueue(w.queue.events, w.maxPerTxn)
	ephemeral := drainQueue(w.queue.ephemeral, w.maxPerTxn)
	toDevice := drainQueue(w.queue.toDevice, w.maxPerTxn)
	if len(events) == 0 && len(ephemeral) == 0 && len(toDevice) == 0 {
		return
	}
	queuedPayloads.WithLabelValues(w.service.ID, kindEvent).Sub(float64(len(events)))
	queuedPayloads.WithLabelValues(w.service.ID, kindEphemeral).Sub(float64(len(ephemeral)))
	queuedPayloads.WithLabelValues(w.service.ID, kindToDevice).Sub(float64(len(toDevice)))
	w.counter++
	w.pending = &Transaction{
		Service:   w.service,
		TxnID:     w.counter,
		Events:    events,
		Ephemeral: ephemeral,
		ToDevice:  toDevice,
	}
}

// deliver attempts the pending transaction once. On acknowledgement it
// clears the pending slot; on rejection it sleeps out the backoff delay with
// the transaction still pending, so the retry reuses the same ID. Returns
// false when the worker should exit.
func (w *worker) deliver(logger *logrus.Entry) bool {
	w.setState(stateSending)
	start := w.clock.Now()
	err := w.client.PushTransaction(w.ctx, w.pending)
	transactionSendSeconds.WithLabelValues(w.service.ID).Observe(w.clock.Now().Sub(start).Seconds())
	if w.ctx.Err() != nil {
		// Cancelled mid-flight: the outcome no longer matters.
		return false
	}
	if err == nil {
		transactionsSent.WithLabelValues(w.service.ID, outcomeSuccess).Inc()
		backoffSeconds.WithLabelValues(w.service.ID).Set(0)
		if w.failures > 0 {
			logger.WithField("txn_id", w.pending.TxnID).Info("Application service recovered")
		}
		w.failures = 0
		if err := w.store.SetLastTransactionID(w.ctx, w.service.ID, w.pending.TxnID); err != nil {
			logger.WithError(err).Warn("Failed to persist acknowledged transaction ID")
		}
		w.pending = nil
		return true
	}

	transactionsSent.WithLabelValues(w.service.ID, outcomeFailure).Inc()
	w.failures++
	delay := w.backoff.Delay(w.failures)
	backoffSeconds.WithLabelValues(w.service.ID).Set(delay.Seconds())
	logger.WithError(err).WithFields(logrus.Fields{
		"txn_id":               w.pending.TxnID,
		"consecutive_failures": w.failures,
		"backoff":              delay.String(),
	}).Warn("Transaction rejected, backing off")
	w.setState(stateBackoff)
	select {
	case <-w.clock.After(delay):
		return true
	case <-w.ctx.Done():
		return false
	}
}
