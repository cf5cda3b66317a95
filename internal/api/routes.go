package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/spotsig/spotsig/internal/cache"
	"github.com/spotsig/spotsig/internal/gate"
	"github.com/spotsig/spotsig/internal/runstore"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	RunManager  *RunManager
	Cache       *cache.Manager
	CORSOrigins []string

	// Defaults are the server-configured run parameters; a submission may
	// override a subset of them.
	Defaults runstore.RunParams
}

// NewRouter creates the daemon's HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	r.Route("/api/runs", func(r chi.Router) {
		r.Post("/", runSubmitHandler(cfg))
		r.Get("/", runListHandler(cfg.RunManager))
		r.Get("/{run_id}", runStatusHandler(cfg.RunManager))
		r.Delete("/{run_id}", runCancelHandler(cfg.RunManager))
		r.Delete("/{run_id}/results", runDeleteHandler(cfg.RunManager))

		r.Get("/{run_id}/errors", sectionErrorsHandler(cfg))
		r.Get("/{run_id}/de", deResultsHandler(cfg))
		r.Get("/{run_id}/consensus", consensusHandler(cfg))
		r.Get("/{run_id}/enrichment", enrichmentHandler(cfg))
		r.Get("/{run_id}/matrix", matrixHandler(cfg))
	})

	return r
}

// runSubmitRequest is the submission body. Every field is optional; unset
// fields fall back to the server-configured defaults.
type runSubmitRequest struct {
	Seed              *int64   `json:"seed,omitempty"`
	LabelPolicy       *string  `json:"label_policy,omitempty"`
	K                 *int     `json:"k,omitempty"`
	Dims              *int     `json:"dims,omitempty"`
	MarkerGene        *string  `json:"marker_gene,omitempty"`
	MarkerCutoff      *float64 `json:"marker_cutoff,omitempty"`
	MinDetectFraction *float64 `json:"min_detect_fraction,omitempty"`
	Alpha             *float64 `json:"alpha,omitempty"`
	MinSections       *int     `json:"min_sections,omitempty"`
	MinOverlap        *int     `json:"min_overlap,omitempty"`
	MaxSamples        *int     `json:"max_samples,omitempty"`
	Sections          []string `json:"sections,omitempty"`
}

func (req *runSubmitRequest) apply(p runstore.RunParams) (runstore.RunParams, string) {
	if req.Seed != nil {
		p.Seed = *req.Seed
	}
	if req.LabelPolicy != nil {
		p.LabelPolicy = *req.LabelPolicy
	}
	if req.K != nil {
		p.K = *req.K
	}
	if req.Dims != nil {
		p.Dims = *req.Dims
	}
	if req.MarkerGene != nil {
		p.MarkerGene = *req.MarkerGene
	}
	if req.MarkerCutoff != nil {
		p.MarkerCutoff = *req.MarkerCutoff
	}
	if req.MinDetectFraction != nil {
		p.MinDetectFraction = *req.MinDetectFraction
	}
	if req.Alpha != nil {
		p.Alpha = *req.Alpha
	}
	if req.MinSections != nil {
		p.MinSections = *req.MinSections
	}
	if req.MaxSamples != nil {
		p.MaxSamples = *req.MaxSamples
	}
	if req.MinOverlap != nil {
		p.MinOverlap = *req.MinOverlap
	}
	if len(req.Sections) > 0 {
		configured := make(map[string]bool, len(p.Sections))
		for _, id := range p.Sections {
			configured[id] = true
		}
		for _, id := range req.Sections {
			if !configured[id] {
				return p, "unknown section: " + id
			}
		}
		p.Sections = req.Sections
	}

	// The same fatal checks the batch runner applies at startup.
	switch {
	case p.Seed == 0:
		return p, "seed is required and must be non-zero"
	case !gate.Policy(p.LabelPolicy).Valid():
		return p, "label_policy must be partition or marker"
	case gate.Policy(p.LabelPolicy) == gate.PolicyMarker && p.MarkerGene == "":
		return p, "marker_gene is required under the marker policy"
	case p.MinDetectFraction < 0 || p.MinDetectFraction > 1:
		return p, "min_detect_fraction must be in [0,1]"
	case p.Alpha <= 0 || p.Alpha >= 1:
		return p, "alpha must be in (0,1)"
	case p.MinSections < 1:
		return p, "min_sections must be at least 1"
	case p.MinOverlap < 1:
		return p, "min_overlap must be at least 1"
	}
	return p, ""
}

func runSubmitHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req runSubmitRequest
		if r.Body != nil && r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
				return
			}
		}

		params, problem := req.apply(cfg.Defaults)
		if problem != "" {
			http.Error(w, problem, http.StatusBadRequest)
			return
		}

		run, err := cfg.RunManager.Submit(params)
		if err != nil {
			http.Error(w, "failed to submit run: "+err.Error(), http.StatusInternalServerError)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]interface{}{
			"run_id": run.ID,
			"status": run.Status,
		})
	}
}

func runListHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runs, err := rm.Store().ListRuns()
		if err != nil {
			http.Error(w, "failed to list runs: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"runs": runs})
	}
}

func runStatusHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := rm.Get(chi.URLParam(r, "run_id"))
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(run)
	}
}

func runCancelHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		if !rm.Cancel(runID) {
			http.Error(w, "run not found or not cancellable", http.StatusConflict)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"run_id": runID,
			"status": runstore.RunStatusCancelled,
		})
	}
}

func runDeleteHandler(rm *RunManager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		runID := chi.URLParam(r, "run_id")
		run := rm.Get(runID)
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		if run.Status == runstore.RunStatusQueued || run.Status == runstore.RunStatusRunning {
			http.Error(w, "run is still active; cancel it first", http.StatusConflict)
			return
		}
		if err := rm.Delete(runID); err != nil {
			http.Error(w, "failed to delete run: "+err.Error(), http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// completedRun resolves the run and rejects result queries until it has
// finished successfully.
func completedRun(rm *RunManager, w http.ResponseWriter, r *http.Request) *runstore.Run {
	run := rm.Get(chi.URLParam(r, "run_id"))
	if run == nil {
		http.Error(w, "run not found", http.StatusNotFound)
		return nil
	}
	if run.Status != runstore.RunStatusCompleted {
		http.Error(w, "run not completed (status: "+string(run.Status)+")", http.StatusConflict)
		return nil
	}
	return run
}

// writeCachedJSON serves a result payload through one of the two caches.
// Completed runs are immutable, so entries never need invalidation before
// run deletion. Large payloads (DE pages, the matrix) go to the byte cache,
// small ones to the LRU query cache.
func writeCachedJSON(cfg RouterConfig, w http.ResponseWriter, key string, small bool, build func() (interface{}, error)) {
	w.Header().Set("Content-Type", "application/json")
	if cfg.Cache != nil {
		var data []byte
		var ok bool
		if small {
			data, ok = cfg.Cache.GetQuery(key)
		} else {
			data, ok = cfg.Cache.GetResult(key)
		}
		if ok {
			w.Write(data)
			return
		}
	}
	payload, err := build()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	data, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if cfg.Cache != nil {
		if small {
			cfg.Cache.SetQuery(key, data)
		} else {
			cfg.Cache.SetResult(key, data)
		}
	}
	w.Write(data)
}

func sectionErrorsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := cfg.RunManager.Get(chi.URLParam(r, "run_id"))
		if run == nil {
			http.Error(w, "run not found", http.StatusNotFound)
			return
		}
		errs, err := cfg.RunManager.Store().ListSectionErrors(run.ID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{"errors": errs})
	}
}

func deResultsHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(cfg.RunManager, w, r)
		if run == nil {
			return
		}
		sectionID := r.URL.Query().Get("section")
		if sectionID == "" {
			http.Error(w, "section is required", http.StatusBadRequest)
			return
		}
		contrast := r.URL.Query().Get("contrast")
		offset := queryInt(r, "offset", 0)
		limit := queryInt(r, "limit", 100)
		if limit > 1000 {
			limit = 1000
		}

		key := cache.ResultKey(run.ID, "de", sectionID, contrast,
			strconv.Itoa(offset), strconv.Itoa(limit))
		writeCachedJSON(cfg, w, key, false, func() (interface{}, error) {
			rows, total, err := cfg.RunManager.Store().QueryDEResults(run.ID, sectionID, contrast, offset, limit)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"section": sectionID,
				"total":   total,
				"offset":  offset,
				"results": rows,
			}, nil
		})
	}
}

func consensusHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(cfg.RunManager, w, r)
		if run == nil {
			return
		}
		contrast := r.URL.Query().Get("contrast")
		sigOnly := queryBool(r, "signature_only")

		key := cache.ResultKey(run.ID, "consensus", contrast, strconv.FormatBool(sigOnly))
		writeCachedJSON(cfg, w, key, true, func() (interface{}, error) {
			rows, err := cfg.RunManager.Store().QueryConsensus(run.ID, contrast, sigOnly)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{"genes": rows}, nil
		})
	}
}

func enrichmentHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(cfg.RunManager, w, r)
		if run == nil {
			return
		}
		comparison := r.URL.Query().Get("comparison")

		key := cache.ResultKey(run.ID, "enrichment", comparison)
		writeCachedJSON(cfg, w, key, true, func() (interface{}, error) {
			rows, err := cfg.RunManager.Store().QueryEnrichment(run.ID, comparison)
			if err != nil {
				return nil, err
			}
			skips, err := cfg.RunManager.Store().ListSkips(run.ID, comparison)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"results": rows,
				"skips":   skips,
			}, nil
		})
	}
}

func matrixHandler(cfg RouterConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		run := completedRun(cfg.RunManager, w, r)
		if run == nil {
			return
		}
		key := cache.ResultKey(run.ID, "matrix")
		writeCachedJSON(cfg, w, key, false, func() (interface{}, error) {
			cells, rowOrder, err := cfg.RunManager.Store().QueryMatrix(run.ID)
			if err != nil {
				return nil, err
			}
			return map[string]interface{}{
				"cells":     cells,
				"row_order": rowOrder,
			}, nil
		})
	}
}

func queryInt(r *http.Request, name string, def int) int {
	s := r.URL.Query().Get(name)
	if s == "" {
		return def
	}
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 {
		return def
	}
	return v
}

func queryBool(r *http.Request, name string) bool {
	s := strings.ToLower(r.URL.Query().Get(name))
	return s == "1" || s == "true" || s == "yes"
}
