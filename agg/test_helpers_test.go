package agg

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// testContext returns a context cancelled automatically at test end.
func testContext(t *testing.T) (context.Context, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx, cancel
}

// repUpdate is one captured POST /reputation/update body.
type repUpdate struct {
	ParticipantID string  `json:"participantId"`
	Score         float64 `json:"score"`
	Reason        string  `json:"reason"`
	RoundID       string  `json:"roundId"`
}

// finalRecord is one captured POST /models/final body.
type finalRecord struct {
	RoundID     string           `json:"roundId"`
	ModelURI    string           `json:"modelURI"`
	WeightHash  string           `json:"weightHash"`
	QualityData FinalQualityData `json:"qualityData"`
}

// fakeLedger is an in-memory ledger gateway capturing every write.
type fakeLedger struct {
	mu            sync.Mutex
	srv           *httptest.Server
	contributions map[string]*AccuracyMetrics // participantID -> metadata
	repUpdates    []repUpdate
	qualityEvents []QualityEvent
	finals        []finalRecord
	failRepPosts  bool
}

func newFakeLedger(t *testing.T) *fakeLedger {
	t.Helper()
	fl := &fakeLedger{contributions: make(map[string]*AccuracyMetrics)}

	mux := http.NewServeMux()
	handleMethod(mux, "POST", "/reputation/update", func(w http.ResponseWriter, r *http.Request) {
		var upd repUpdate
		if err := json.NewDecoder(r.Body).Decode(&upd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fl.mu.Lock()
		fail := fl.failRepPosts
		if !fail {
			fl.repUpdates = append(fl.repUpdates, upd)
		}
		fl.mu.Unlock()
		if fail {
			http.Error(w, "ledger unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	handleMethod(mux, "GET", "/models/contribution", func(w http.ResponseWriter, r *http.Request) {
		participantID := r.URL.Query().Get("participantId")
		fl.mu.Lock()
		metrics, ok := fl.contributions[participantID]
		fl.mu.Unlock()
		if !ok {
			http.Error(w, "no contribution", http.StatusNotFound)
			return
		}
		writeTestJSON(w, Contribution{AccuracyMetrics: metrics})
	})
	handleMethod(mux, "POST", "/events/quality", func(w http.ResponseWriter, r *http.Request) {
		var ev QualityEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fl.mu.Lock()
		fl.qualityEvents = append(fl.qualityEvents, ev)
		fl.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})
	handleMethod(mux, "POST", "/models/final", func(w http.ResponseWriter, r *http.Request) {
		var rec finalRecord
		if err := json.NewDecoder(r.Body).Decode(&rec); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fl.mu.Lock()
		fl.finals = append(fl.finals, rec)
		fl.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	fl.srv = httptest.NewServer(mux)
	t.Cleanup(fl.srv.Close)
	return fl
}

func (fl *fakeLedger) setContribution(participantID string, m AccuracyMetrics) {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	fl.contributions[participantID] = &m
}

func (fl *fakeLedger) finalCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.finals)
}

func (fl *fakeLedger) lastFinal() finalRecord {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return fl.finals[len(fl.finals)-1]
}

func (fl *fakeLedger) reputationUpdates() []repUpdate {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return append([]repUpdate(nil), fl.repUpdates...)
}

func (fl *fakeLedger) qualityEventCount() int {
	fl.mu.Lock()
	defer fl.mu.Unlock()
	return len(fl.qualityEvents)
}

// fakeBlob is an in-memory blob handler plus backing store. Downloads and
// uploads go through pre-signed URLs pointing back at the same server.
type fakeBlob struct {
	mu      sync.Mutex
	srv     *httptest.Server
	files   map[string][]byte // "<round>/<participant>" -> weight file bytes
	uploads map[string][]byte // round -> uploaded aggregated bytes
}

func newFakeBlob(t *testing.T) *fakeBlob {
	t.Helper()
	fb := &fakeBlob{files: make(map[string][]byte), uploads: make(map[string][]byte)}

	mux := http.NewServeMux()
	handleMethod(mux, "POST", "/download", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RoundID string `json:"roundId"`
			BankID  string `json:"bankId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		key := req.RoundID + "/" + req.BankID
		fb.mu.Lock()
		_, ok := fb.files[key]
		fb.mu.Unlock()
		if !ok {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		writeTestJSON(w, map[string]string{"downloadUrl": fb.srv.URL + "/files/" + key})
	})
	handleMethod(mux, "GET", "/files/", func(w http.ResponseWriter, r *http.Request) {
		key := strings.TrimPrefix(r.URL.Path, "/files/")
		fb.mu.Lock()
		data, ok := fb.files[key]
		fb.mu.Unlock()
		if !ok {
			http.Error(w, "object not found", http.StatusNotFound)
			return
		}
		w.Write(data)
	})
	handleMethod(mux, "POST", "/upload", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RoundID string `json:"roundId"`
			BankID  string `json:"bankId"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		writeTestJSON(w, map[string]string{
			"uploadUrl":  fb.srv.URL + "/put/" + req.RoundID,
			"objectPath": "models/" + req.RoundID + "/aggregated_model.h5",
		})
	})
	handleMethod(mux, "PUT", "/put/", func(w http.ResponseWriter, r *http.Request) {
		round := strings.TrimPrefix(r.URL.Path, "/put/")
		data, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		fb.mu.Lock()
		fb.uploads[round] = data
		fb.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	})

	fb.srv = httptest.NewServer(mux)
	t.Cleanup(fb.srv.Close)
	return fb
}

// putWeights stores a participant's weight file in the fake store.
func (fb *fakeBlob) putWeights(t *testing.T, roundID, participantID string, ws WeightSet) {
	t.Helper()
	data, err := json.Marshal(struct {
		Layers []Tensor `json:"layers"`
	}{Layers: ws})
	if err != nil {
		t.Fatalf("marshal weights: %v", err)
	}
	fb.mu.Lock()
	fb.files[roundID+"/"+participantID] = data
	fb.mu.Unlock()
}

func (fb *fakeBlob) uploadedBytes(roundID string) []byte {
	fb.mu.Lock()
	defer fb.mu.Unlock()
	return fb.uploads[roundID]
}

// handleMethod registers h on mux for pattern, restricted to the given HTTP
// method. Go 1.21's ServeMux has no method patterns, so the check is explicit.
func handleMethod(mux *http.ServeMux, method, pattern string, h http.HandlerFunc) {
	mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		h(w, r)
	})
}

func writeTestJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

// denseWeights builds a weight set matching the agreed dense architecture
// with every value set to fill.
func denseWeights(inputDim int, fill float64) WeightSet {
	shapes := [][]int{
		{inputDim, 64}, {64},
		{64, 32}, {32},
		{32, 1}, {1},
	}
	ws := make(WeightSet, 0, len(shapes))
	for _, shape := range shapes {
		size := 1
		for _, d := range shape {
			size *= d
		}
		data := make([]float64, size)
		for i := range data {
			data[i] = fill
		}
		ws = append(ws, Tensor{Shape: shape, Data: data})
	}
	return ws
}

// testRig wires a coordinator over fake collaborators.
type testRig struct {
	cfg    Config
	state  *State
	ledger *fakeLedger
	blob   *fakeBlob
	coord  *Coordinator
}

func newTestRig(t *testing.T, mutate func(*Config)) *testRig {
	t.Helper()
	cfg := DefaultConfig()
	cfg.ModelDir = t.TempDir()
	cfg.RoundTimeout = 250 * time.Millisecond
	cfg.CleanupGrace = time.Hour // keep rounds inspectable
	if mutate != nil {
		mutate(&cfg)
	}

	fl := newFakeLedger(t)
	fb := newFakeBlob(t)

	state := NewState(cfg)
	ledger := NewLedgerClient(fl.srv.URL)
	blob := NewBlobClient(fb.srv.URL, cfg.ModelDir)
	eval := NewEvaluator(cfg, state, ledger)
	aggr := NewAggregator(cfg, state)
	coord := NewCoordinator(cfg, state, ledger, blob, eval, aggr)

	return &testRig{cfg: cfg, state: state, ledger: fl, blob: fb, coord: coord}
}
