package service

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"integrahub/internal/model"
	"integrahub/internal/repository"
)

// memStore is an in-memory repository.Store. Transaction does not roll back.
type memStore struct {
	mu          sync.Mutex
	nextID      uint64
	events      map[string]*model.IntegrationEvent
	endpoints   map[uint64]*model.WebhookEndpoint
	deliveries  map[uint64]*model.WebhookDelivery
	attempts    []model.DeliveryAttempt
	retries     map[uint64]*model.RetryQueueEntry // by delivery id
	deadLetters map[uint64]*model.DeadLetterEntry
	clients     []model.APIClient
	failCreate  error
	failList    error // ListActive
	failTx      error // Transaction, nothing is written
}

func newMemStore() *memStore {
	return &memStore{
		events:      make(map[string]*model.IntegrationEvent),
		endpoints:   make(map[uint64]*model.WebhookEndpoint),
		deliveries:  make(map[uint64]*model.WebhookDelivery),
		retries:     make(map[uint64]*model.RetryQueueEntry),
		deadLetters: make(map[uint64]*model.DeadLetterEntry),
	}
}

func (s *memStore) id() uint64 {
	s.nextID++
	return s.nextID
}

func (s *memStore) Events() repository.EventInterface           { return memEvents{s} }
func (s *memStore) Endpoints() repository.EndpointInterface     { return memEndpoints{s} }
func (s *memStore) Deliveries() repository.DeliveryInterface    { return memDeliveries{s} }
func (s *memStore) Attempts() repository.AttemptInterface       { return memAttempts{s} }
func (s *memStore) Retries() repository.RetryQueueInterface     { return memRetries{s} }
func (s *memStore) DeadLetters() repository.DeadLetterInterface { return memDeadLetters{s} }
func (s *memStore) Clients() repository.ClientInterface         { return memClients{s} }
func (s *memStore) PingContext(context.Context) error           { return nil }
func (s *memStore) Transaction(ctx context.Context, fn func(tx repository.Store) error) error {
	s.mu.Lock()
	err := s.failTx
	s.mu.Unlock()
	if err != nil {
		return err
	}
	return fn(s)
}

func (s *memStore) fail(list, tx error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failList = list
	s.failTx = tx
}

// helpers used by tests

func (s *memStore) addEndpoint(ep model.WebhookEndpoint) *model.WebhookEndpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	ep.ID = s.id()
	if ep.Status == "" {
		ep.Status = model.EndpointActive
	}
	s.endpoints[ep.ID] = &ep
	return &ep
}

func (s *memStore) addEvent(e model.IntegrationEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.Status == "" {
		e.Status = model.EventPending
	}
	s.events[e.ID] = &e
}

func (s *memStore) event(id string) model.IntegrationEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return *s.events[id]
}

func (s *memStore) deliveriesOf(eventID string) []model.WebhookDelivery {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.WebhookDelivery
	for _, d := range s.deliveries {
		if d.EventID == eventID {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *memStore) retryFor(deliveryID uint64) *model.RetryQueueEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.retries[deliveryID]; ok {
		c := *r
		return &c
	}
	return nil
}

func (s *memStore) deadLettersFor(deliveryID uint64) []model.DeadLetterEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.DeadLetterEntry
	for _, e := range s.deadLetters {
		if e.DeliveryID == deliveryID {
			out = append(out, *e)
		}
	}
	return out
}

type memEvents struct{ s *memStore }

func (r memEvents) Create(_ context.Context, e *model.IntegrationEvent) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if r.s.failCreate != nil {
		return r.s.failCreate
	}
	c := *e
	r.s.events[e.ID] = &c
	return nil
}

func (r memEvents) FindByID(_ context.Context, id string) (*model.IntegrationEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (r memEvents) Claim(_ context.Context, id string) (bool, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.events[id]
	if !ok || e.Status != model.EventPending {
		return false, nil
	}
	e.Status = model.EventProcessing
	return true, nil
}

func (r memEvents) UpdateStatus(_ context.Context, id string, status model.EventStatus) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if e, ok := r.s.events[id]; ok {
		e.Status = status
		e.UpdatedAt = time.Now()
	}
	return nil
}

func (r memEvents) List(_ context.Context, f repository.EventFilter) ([]model.IntegrationEvent, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.IntegrationEvent
	for _, e := range r.s.events {
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if f.EventType != "" && e.EventType != f.EventType {
			continue
		}
		if f.Source != "" && e.SourceSystem != f.Source {
			continue
		}
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := int64(len(out))
	if f.Offset >= len(out) {
		return []model.IntegrationEvent{}, total, nil
	}
	out = out[f.Offset:]
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, total, nil
}

func (r memEvents) FetchStalePending(_ context.Context, before time.Time, limit int) ([]model.IntegrationEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.IntegrationEvent
	for _, e := range r.s.events {
		if e.Status == model.EventPending && e.CreatedAt.Before(before) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memEvents) FetchStuckProcessing(_ context.Context, before time.Time, limit int) ([]model.IntegrationEvent, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.IntegrationEvent
	for _, e := range r.s.events {
		if e.Status != model.EventProcessing || !e.UpdatedAt.Before(before) {
			continue
		}
		pending := false
		for _, d := range r.s.deliveries {
			if d.EventID == e.ID && d.Status == model.DeliveryPending {
				pending = true
			}
		}
		if !pending {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memEvents) CountByStatus(_ context.Context, status model.EventStatus) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.events {
		if e.Status == status {
			n++
		}
	}
	return n, nil
}

func (r memEvents) CountByStatusSince(_ context.Context, status model.EventStatus, since time.Time) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var n int64
	for _, e := range r.s.events {
		if e.Status == status && !e.UpdatedAt.Before(since) {
			n++
		}
	}
	return n, nil
}

type memEndpoints struct{ s *memStore }

func (r memEndpoints) Create(_ context.Context, ep *model.WebhookEndpoint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ep.ID = r.s.id()
	c := *ep
	r.s.endpoints[ep.ID] = &c
	return nil
}

func (r memEndpoints) FindByID(_ context.Context, id uint64) (*model.WebhookEndpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	ep, ok := r.s.endpoints[id]
	if !ok {
		return nil, nil
	}
	c := *ep
	return &c, nil
}

func (r memEndpoints) List(_ context.Context, system string) ([]model.WebhookEndpoint, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.WebhookEndpoint{}
	for _, ep := range r.s.endpoints {
		if system == "" || ep.SystemName == system {
			out = append(out, *ep)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r memEndpoints) ListActive(ctx context.Context) ([]model.WebhookEndpoint, error) {
	r.s.mu.Lock()
	err := r.s.failList
	r.s.mu.Unlock()
	if err != nil {
		return nil, err
	}
	all, _ := r.List(ctx, "")
	var out []model.WebhookEndpoint
	for _, ep := range all {
		if ep.Status == model.EndpointActive {
			out = append(out, ep)
		}
	}
	return out, nil
}

func (r memEndpoints) Save(_ context.Context, ep *model.WebhookEndpoint) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *ep
	r.s.endpoints[ep.ID] = &c
	return nil
}

func (r memEndpoints) Delete(_ context.Context, id uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.endpoints, id)
	return nil
}

type memDeliveries struct{ s *memStore }

func (r memDeliveries) FindOrCreate(_ context.Context, eventID string, endpointID uint64) (*model.WebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, d := range r.s.deliveries {
		if d.EventID == eventID && d.EndpointID == endpointID {
			c := *d
			return &c, nil
		}
	}
	d := &model.WebhookDelivery{ID: r.s.id(), EventID: eventID, EndpointID: endpointID, Status: model.DeliveryPending}
	r.s.deliveries[d.ID] = d
	c := *d
	return &c, nil
}

func (r memDeliveries) FindByID(_ context.Context, id uint64) (*model.WebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	d, ok := r.s.deliveries[id]
	if !ok {
		return nil, nil
	}
	c := *d
	return &c, nil
}

func (r memDeliveries) ListByEvent(_ context.Context, eventID string) ([]model.WebhookDelivery, error) {
	return r.s.deliveriesOf(eventID), nil
}

func (r memDeliveries) Save(_ context.Context, d *model.WebhookDelivery) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	c := *d
	r.s.deliveries[d.ID] = &c
	return nil
}

func (r memDeliveries) FetchUnscheduled(_ context.Context, before time.Time, limit int) ([]model.WebhookDelivery, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.WebhookDelivery
	for _, d := range r.s.deliveries {
		if _, queued := r.s.retries[d.ID]; queued {
			continue
		}
		if d.Status == model.DeliveryPending && d.UpdatedAt.Before(before) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type memAttempts struct{ s *memStore }

func (r memAttempts) Create(_ context.Context, a *model.DeliveryAttempt) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	a.ID = int64(r.s.id())
	r.s.attempts = append(r.s.attempts, *a)
	return nil
}

func (r memAttempts) ListByDelivery(_ context.Context, deliveryID uint64) ([]model.DeliveryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.DeliveryAttempt
	for _, a := range r.s.attempts {
		if a.DeliveryID == deliveryID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (r memAttempts) ListByEvent(_ context.Context, eventID string) ([]model.DeliveryAttempt, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.DeliveryAttempt
	for _, a := range r.s.attempts {
		if a.EventID == eventID {
			out = append(out, a)
		}
	}
	return out, nil
}

type memRetries struct{ s *memStore }

func (r memRetries) Upsert(_ context.Context, e *model.RetryQueueEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if existing, ok := r.s.retries[e.DeliveryID]; ok {
		existing.NextRetryAt = e.NextRetryAt
		existing.Attempts = e.Attempts
		return nil
	}
	c := *e
	c.ID = r.s.id()
	r.s.retries[e.DeliveryID] = &c
	return nil
}

func (r memRetries) FindByDelivery(_ context.Context, deliveryID uint64) (*model.RetryQueueEntry, error) {
	return r.s.retryFor(deliveryID), nil
}

func (r memRetries) DeleteByDelivery(_ context.Context, deliveryID uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.retries, deliveryID)
	return nil
}

func (r memRetries) FetchReady(_ context.Context, now time.Time, limit int) ([]model.RetryQueueEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []model.RetryQueueEntry
	for _, e := range r.s.retries {
		if !e.NextRetryAt.After(now) {
			out = append(out, *e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRetryAt.Before(out[j].NextRetryAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r memRetries) Count(_ context.Context) (int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return int64(len(r.s.retries)), nil
}

func (r memRetries) CountReady(ctx context.Context, now time.Time) (int64, error) {
	ready, _ := r.FetchReady(ctx, now, 1<<30)
	return int64(len(ready)), nil
}

type memDeadLetters struct{ s *memStore }

func (r memDeadLetters) Create(_ context.Context, e *model.DeadLetterEntry) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, existing := range r.s.deadLetters {
		if existing.DeliveryID == e.DeliveryID {
			return errors.New("duplicate dead letter for delivery")
		}
	}
	e.ID = r.s.id()
	c := *e
	r.s.deadLetters[e.ID] = &c
	return nil
}

func (r memDeadLetters) FindByID(_ context.Context, id uint64) (*model.DeadLetterEntry, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	e, ok := r.s.deadLetters[id]
	if !ok {
		return nil, nil
	}
	c := *e
	return &c, nil
}

func (r memDeadLetters) List(_ context.Context, offset, limit int) ([]model.DeadLetterEntry, int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []model.DeadLetterEntry{}
	for _, e := range r.s.deadLetters {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	total := int64(len(out))
	if offset >= len(out) {
		return []model.DeadLetterEntry{}, total, nil
	}
	out = out[offset:]
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r memDeadLetters) Delete(_ context.Context, id uint64) error {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	delete(r.s.deadLetters, id)
	return nil
}

func (r memDeadLetters) Stats(_ context.Context, since time.Time) (*repository.DeadLetterStats, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	st := &repository.DeadLetterStats{ByReason: map[string]int64{}}
	for _, e := range r.s.deadLetters {
		st.Total++
		st.ByReason[e.ReasonCode]++
		if !e.CreatedAt.Before(since) {
			st.Recent++
		}
		if st.Oldest == nil || e.CreatedAt.Before(*st.Oldest) {
			t := e.CreatedAt
			st.Oldest = &t
		}
	}
	return st, nil
}

type memClients struct{ s *memStore }

func (r memClients) FindByAPIKey(_ context.Context, key string) (*model.APIClient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.clients {
		if c.APIKey == key && c.Status == model.ClientEnabled {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}

func (r memClients) FindByName(_ context.Context, name string) (*model.APIClient, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	for _, c := range r.s.clients {
		if c.Name == name && c.Status == model.ClientEnabled {
			cc := c
			return &cc, nil
		}
	}
	return nil, nil
}
