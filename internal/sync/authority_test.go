package sync

import (
	"encoding/json"
	"math"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/nduati/dukapos/backend/internal/db"
	"github.com/nduati/dukapos/backend/internal/models"
	"github.com/nduati/dukapos/backend/internal/store"
	"github.com/nduati/dukapos/backend/internal/sync/queue"
)

// fakeAuthority is an in-memory remote authority: idempotent push by entity
// id, cursor-windowed pull, and server-side aggregate recomputation for
// audit requests.
type fakeAuthority struct {
	mu         sync.Mutex
	entities   map[models.EntityType]map[string]*fakeEntity
	clock      time.Time
	rejections map[string]string // entity id -> rejection message
	failPush   bool
	failPull   bool
	pushCalls  int
	pullCalls  int
	delay      time.Duration

	server *httptest.Server
}

type fakeEntity struct {
	payload   json.RawMessage
	updatedAt time.Time
	deleted   bool
}

func newFakeAuthority(t *testing.T) *fakeAuthority {
	t.Helper()
	a := &fakeAuthority{
		entities:   make(map[models.EntityType]map[string]*fakeEntity),
		clock:      time.Date(2026, 8, 24, 8, 0, 0, 0, time.UTC),
		rejections: make(map[string]string),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v1/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.HandleFunc("/api/v1/sync/push", a.handlePush)
	mux.HandleFunc("/api/v1/sync/pull", a.handlePull)
	mux.HandleFunc("/api/v1/sync/audit", a.handleAudit)
	a.server = httptest.NewServer(mux)
	t.Cleanup(a.server.Close)
	return a
}

func (a *fakeAuthority) URL() string { return a.server.URL }

func (a *fakeAuthority) tick() time.Time {
	a.clock = a.clock.Add(time.Second)
	return a.clock
}

// seed places an entity at the authority without going through push.
func (a *fakeAuthority) seed(t models.EntityType, id, payload string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.entities[t] == nil {
		a.entities[t] = make(map[string]*fakeEntity)
	}
	a.entities[t][id] = &fakeEntity{payload: json.RawMessage(payload), updatedAt: a.tick()}
}

func (a *fakeAuthority) get(t models.EntityType, id string) (json.RawMessage, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	e, ok := a.entities[t][id]
	if !ok || e.deleted {
		return nil, false
	}
	return e.payload, true
}

func (a *fakeAuthority) handlePush(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	delay := a.delay
	a.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.pushCalls++
	if a.failPush {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp := PushResponse{
		Applied: make(map[models.EntityType][]string),
		Errors:  make(map[models.EntityType][]PushItemError),
	}
	for entityType, batch := range req.Batches {
		seen := make(map[string]bool)
		for _, item := range batch {
			if msg, rejected := a.rejections[item.EntityID]; rejected {
				resp.Errors[entityType] = append(resp.Errors[entityType], PushItemError{
					EntityID: item.EntityID,
					Message:  msg,
				})
				continue
			}
			a.apply(entityType, item)
			if !seen[item.EntityID] {
				seen[item.EntityID] = true
				resp.Applied[entityType] = append(resp.Applied[entityType], item.EntityID)
			}
		}
	}
	json.NewEncoder(w).Encode(resp)
}

// apply is idempotent by entity id: re-applying a create overwrites the
// same row, a delete of a missing row is a no-op.
func (a *fakeAuthority) apply(t models.EntityType, item PushItem) {
	if a.entities[t] == nil {
		a.entities[t] = make(map[string]*fakeEntity)
	}
	switch item.Action {
	case models.ActionDelete:
		a.entities[t][item.EntityID] = &fakeEntity{deleted: true, updatedAt: a.tick()}
	default:
		a.entities[t][item.EntityID] = &fakeEntity{payload: item.Payload, updatedAt: a.tick()}
	}
}

func (a *fakeAuthority) handlePull(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.pullCalls++
	if a.failPull {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	var since time.Time
	if cursor := r.URL.Query().Get("cursor"); cursor != "" {
		parsed, err := time.Parse(time.RFC3339Nano, cursor)
		if err != nil {
			http.Error(w, "bad cursor", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	resp := PullResponse{
		ServerTime: a.clock.Format(time.RFC3339Nano),
		Changes:    make(map[models.EntityType][]PullChange),
	}
	for entityType, byID := range a.entities {
		for id, e := range byID {
			if !e.updatedAt.After(since) {
				continue
			}
			resp.Changes[entityType] = append(resp.Changes[entityType], PullChange{
				EntityID:  id,
				Payload:   e.payload,
				Deleted:   e.deleted,
				UpdatedAt: e.updatedAt.Unix(),
			})
		}
	}
	json.NewEncoder(w).Encode(resp)
}

// handleAudit recomputes the audited aggregates from the authority's own
// state and diffs them against the submitted values.
func (a *fakeAuthority) handleAudit(w http.ResponseWriter, r *http.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var req AuditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	remote := map[models.EntityType]map[string]float64{
		models.EntityProduct:       a.remoteProductStock(),
		models.EntitySale:          a.remoteSaleTotals(),
		models.EntityStockMovement: a.remoteField(models.EntityStockMovement, "quantityChange"),
		models.EntityExpense:       a.remoteField(models.EntityExpense, "amount"),
	}

	resp := AuditResponse{
		Status:  models.AuditStatusHealthy,
		Results: make(map[models.EntityType]models.AuditTypeResult),
	}
	for entityType, values := range remote {
		result := models.AuditTypeResult{}
		submitted := make(map[string]float64)
		for _, agg := range req.Aggregates[entityType] {
			submitted[agg.EntityID] = agg.Value
			remoteValue, exists := values[agg.EntityID]
			switch {
			case !exists:
				result.Mismatches = append(result.Mismatches, models.AuditMismatch{
					EntityID: agg.EntityID, Kind: models.MismatchMissingRemote,
				})
			case math.Abs(remoteValue-agg.Value) > 1e-9:
				result.Mismatches = append(result.Mismatches, models.AuditMismatch{
					EntityID: agg.EntityID, Kind: models.MismatchValueDrift,
				})
			default:
				result.Matched++
			}
		}
		for id := range values {
			if _, ok := submitted[id]; !ok {
				result.Mismatches = append(result.Mismatches, models.AuditMismatch{
					EntityID: id, Kind: models.MismatchMissingLocally,
				})
			}
		}
		resp.Results[entityType] = result
		resp.TotalMismatches += len(result.Mismatches)
	}
	if resp.TotalMismatches > 0 {
		resp.Status = "drift"
	}
	json.NewEncoder(w).Encode(resp)
}

func (a *fakeAuthority) remoteProductStock() map[string]float64 {
	stock := make(map[string]float64)
	for id, e := range a.entities[models.EntityProduct] {
		if !e.deleted {
			stock[id] = 0
		}
	}
	for _, e := range a.entities[models.EntityProductBatch] {
		if e.deleted {
			continue
		}
		var p struct {
			ProductID string  `json:"productId"`
			Quantity  float64 `json:"quantity"`
		}
		json.Unmarshal(e.payload, &p)
		if _, ok := stock[p.ProductID]; ok {
			stock[p.ProductID] += p.Quantity
		}
	}
	return stock
}

func (a *fakeAuthority) remoteSaleTotals() map[string]float64 {
	totals := make(map[string]float64)
	for id, e := range a.entities[models.EntitySale] {
		if !e.deleted {
			totals[id] = 0
		}
	}
	for _, e := range a.entities[models.EntitySaleItem] {
		if e.deleted {
			continue
		}
		var p struct {
			SaleID    string  `json:"saleId"`
			Quantity  float64 `json:"quantity"`
			UnitPrice float64 `json:"unitPrice"`
		}
		json.Unmarshal(e.payload, &p)
		if _, ok := totals[p.SaleID]; ok {
			totals[p.SaleID] += p.Quantity * p.UnitPrice
		}
	}
	return totals
}

func (a *fakeAuthority) remoteField(t models.EntityType, field string) map[string]float64 {
	values := make(map[string]float64)
	for id, e := range a.entities[t] {
		if e.deleted {
			continue
		}
		var p map[string]float64
		json.Unmarshal(e.payload, &p)
		values[id] = p[field]
	}
	return values
}

// testEngine bundles the full local stack over a fake authority.
type testEngine struct {
	authority *fakeAuthority
	repo      *db.Repository
	queue     *queue.Queue
	store     *store.Store
	client    *RemoteClient
	orch      *Orchestrator
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	authority := newFakeAuthority(t)
	return newTestEngineWithURL(t, authority, authority.URL())
}

func newTestEngineWithURL(t *testing.T, authority *fakeAuthority, url string) *testEngine {
	t.Helper()
	database, err := db.Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	require.NoError(t, db.NewMigrator(database.DB, db.Migrations()).Up())

	repo := db.NewRepository(database.DB)
	t.Cleanup(func() { repo.Close() })
	q := queue.New(repo, queue.DefaultOptions())
	s := store.New(repo, q)
	client := NewRemoteClient(url, "device-test", "test-token", 5*time.Second)

	return &testEngine{
		authority: authority,
		repo:      repo,
		queue:     q,
		store:     s,
		client:    client,
		orch:      NewOrchestrator(q, s, repo, client, 100),
	}
}
