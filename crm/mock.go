package crm

import (
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"

	retail "github.com/hazzzzzy/mvp-retail-ai"
)

// Coupon statuses in the mock service.
const (
	StatusDraft     = "draft"
	StatusPublished = "published"
)

// MockCoupon is a coupon held by MockServer.
type MockCoupon struct {
	ID        int64        `json:"id"`
	Name      string       `json:"name"`
	Offer     retail.Offer `json:"offer"`
	StartAt   time.Time    `json:"start_at"`
	EndAt     time.Time    `json:"end_at"`
	Status    string       `json:"status"`
	Published int          `json:"publish_count"`
}

// MockServer is an in-memory coupon service for local runs and tests.
type MockServer struct {
	mu      sync.Mutex
	nextID  int64
	coupons map[int64]*MockCoupon
	now     func() time.Time
}

// NewMockServer creates an empty MockServer.
func NewMockServer() *MockServer {
	return &MockServer{coupons: map[int64]*MockCoupon{}, now: time.Now}
}

// Routes registers the coupon endpoints on r.
func (m *MockServer) Routes(r *mux.Router) {
	r.HandleFunc("/coupons", m.create).Methods(http.MethodPost)
	r.HandleFunc("/coupons/{id:[0-9]+}/publish", m.publish).Methods(http.MethodPost)
	r.HandleFunc("/coupons/{id:[0-9]+}", m.get).Methods(http.MethodGet)
}

// Handler serves the coupon endpoints at the root.
func (m *MockServer) Handler() http.Handler {
	r := mux.NewRouter()
	m.Routes(r)
	return r
}

// Coupon returns a copy of a stored coupon.
func (m *MockServer) Coupon(id int64) (MockCoupon, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.coupons[id]
	if !ok {
		return MockCoupon{}, false
	}
	return *c, true
}

// Len returns the number of coupons created.
func (m *MockServer) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.coupons)
}

func (m *MockServer) create(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Name == "" {
		respondError(w, http.StatusUnprocessableEntity, "name is required")
		return
	}
	if req.DurationDays <= 0 {
		req.DurationDays = 7
	}
	if req.Offer.Type == "" {
		req.Offer.Type = "full_reduction"
	}

	m.mu.Lock()
	m.nextID++
	now := m.now().UTC()
	c := &MockCoupon{
		ID:      m.nextID,
		Name:    req.Name,
		Offer:   req.Offer,
		StartAt: now,
		EndAt:   now.AddDate(0, 0, req.DurationDays),
		Status:  StatusDraft,
	}
	m.coupons[c.ID] = c
	m.mu.Unlock()

	respondJSON(w, http.StatusOK, retail.Coupon{ID: c.ID})
}

func (m *MockServer) publish(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}

	m.mu.Lock()
	c, ok := m.coupons[id]
	if ok {
		c.Status = StatusPublished
		c.Published++
	}
	m.mu.Unlock()
	if !ok {
		respondError(w, http.StatusNotFound, "coupon not found")
		return
	}
	respondJSON(w, http.StatusOK, retail.PublishResult{Status: StatusPublished, CouponID: id})
}

func (m *MockServer) get(w http.ResponseWriter, r *http.Request) {
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	c, ok := m.Coupon(id)
	if !ok {
		respondError(w, http.StatusNotFound, "coupon not found")
		return
	}
	respondJSON(w, http.StatusOK, c)
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, detail string) {
	respondJSON(w, status, map[string]string{"detail": detail})
}
