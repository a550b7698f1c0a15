package httpapi

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/oarkflow/filters"
	"github.com/oarkflow/json"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/oarkflow/searchd/catalog"
	"github.com/oarkflow/searchd/cluster"
	"github.com/oarkflow/searchd/engine"
	"github.com/oarkflow/searchd/ingest"
	"github.com/oarkflow/searchd/metrics"
	"github.com/oarkflow/searchd/search"
)

// Server exposes the catalog, ingest pipeline and query router over HTTP.
type Server struct {
	cat      *catalog.Catalog
	pipeline *ingest.Pipeline
	router   *search.Router
	tracker  *cluster.Tracker
	met      *metrics.Metrics
	logger   logrus.FieldLogger
	mux      *http.ServeMux
}

// Option configures a Server.
type Option func(*Server)

// WithTracker wires cluster membership into the health endpoint.
func WithTracker(t *cluster.Tracker) Option {
	return func(s *Server) { s.tracker = t }
}

// WithMetrics exposes the collectors on /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) { s.met = m }
}

// NewServer wires the handlers onto a fresh mux.
func NewServer(cat *catalog.Catalog, pipeline *ingest.Pipeline, router *search.Router, logger logrus.FieldLogger, opts ...Option) *Server {
	s := &Server{
		cat:      cat,
		pipeline: pipeline,
		router:   router,
		logger:   logger,
		mux:      http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.mux.HandleFunc("/indexes", s.handleIndexes)
	s.mux.HandleFunc("/indexes/{index}", s.handleIndex)
	s.mux.HandleFunc("/indexes/{index}/bulk", s.handleBulk)
	s.mux.HandleFunc("/indexes/{index}/search", s.handleSearch)
	s.mux.HandleFunc("/health", s.handleHealth)
	if s.met != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(s.met.Registry, promhttp.HandlerOpts{}))
	}
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"indexes": s.cat.LocalNames()})
}

type newIndexRequest struct {
	DocIDField string `json:"doc_id_field,omitempty"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("index"))
	if name == "" {
		http.Error(w, "index name required in path", http.StatusBadRequest)
		return
	}
	switch r.Method {
	case http.MethodPut:
		var req newIndexRequest
		body, err := io.ReadAll(r.Body)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading body: %v", err), http.StatusBadRequest)
			return
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				http.Error(w, fmt.Sprintf("Error unmarshalling request: %v", err), http.StatusBadRequest)
				return
			}
		}
		var opts []engine.Option
		if req.DocIDField != "" {
			opts = append(opts, engine.WithDocIDField(req.DocIDField))
		}
		if _, err := s.cat.CreateLocal(name, opts...); err != nil {
			s.writeError(w, name, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"index": name, "created": true})
	case http.MethodDelete:
		if err := s.cat.DropLocal(name); err != nil {
			s.writeError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"index": name, "dropped": true})
	case http.MethodGet:
		entry := s.cat.Resolve(name)
		switch entry.Kind {
		case catalog.EntryLocal:
			writeJSON(w, http.StatusOK, map[string]any{"index": name, "location": "local"})
		case catalog.EntryRemote:
			owners := make([]string, 0, len(entry.Owners))
			for _, n := range entry.Owners {
				owners = append(owners, n.String())
			}
			writeJSON(w, http.StatusOK, map[string]any{"index": name, "location": "remote", "owners": owners})
		default:
			s.writeError(w, name, errors.Wrap(catalog.ErrNotFound, name))
		}
	default:
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
	}
}

type bulkOp struct {
	Action string               `json:"action"`
	Doc    engine.GenericRecord `json:"doc,omitempty"`
	DocID  int64                `json:"doc_id,omitempty"`
}

func (s *Server) handleBulk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.PathValue("index"))
	if name == "" {
		http.Error(w, "index name required in path", http.StatusBadRequest)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error reading body: %v", err), http.StatusBadRequest)
		return
	}
	var raw []bulkOp
	if err := json.Unmarshal(body, &raw); err != nil {
		http.Error(w, fmt.Sprintf("Error unmarshalling operations: %v", err), http.StatusBadRequest)
		return
	}
	if len(raw) == 0 {
		http.Error(w, "at least one operation required", http.StatusBadRequest)
		return
	}
	ops := make([]ingest.Operation, 0, len(raw))
	for i, op := range raw {
		switch strings.ToLower(op.Action) {
		case "add", "index":
			if op.Doc == nil {
				http.Error(w, fmt.Sprintf("operation %d: add requires a doc", i), http.StatusBadRequest)
				return
			}
			ops = append(ops, ingest.Add(op.Doc))
		case "delete":
			ops = append(ops, ingest.Delete(op.DocID))
		default:
			http.Error(w, fmt.Sprintf("operation %d: unknown action %q", i, op.Action), http.StatusBadRequest)
			return
		}
	}
	res, err := s.pipeline.Submit(r.Context(), name, ops)
	if err != nil {
		var partial *ingest.PartialApplyError
		if errors.As(err, &partial) {
			owners := make([]string, 0, len(partial.Failed))
			for _, n := range partial.FailedOwners() {
				owners = append(owners, n.String())
			}
			writeJSON(w, http.StatusAccepted, map[string]any{
				"result":        partial.Result,
				"failed_owners": owners,
			})
			return
		}
		s.writeError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"result": res})
}

// Fields of the search request body that are not free-form filters.
var builtInFields = []string{"q", "k", "m", "search_type", "fuzzy", "fuzzy_threshold", "filters", "condition", "sort_field", "sort_order"}

func prepareQuery(r *http.Request) (engine.Request, int, error) {
	var query engine.Request
	k := 0
	extraMap := make(map[string]any)
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return query, k, err
	}
	r.Body = io.NopCloser(bytes.NewReader(bodyBytes))
	if len(bodyBytes) > 0 {
		if err := json.Unmarshal(bodyBytes, &query); err != nil {
			return query, k, fmt.Errorf("error unmarshalling query: %v", err)
		}
		if err := json.Unmarshal(bodyBytes, &extraMap); err != nil {
			return query, k, fmt.Errorf("error unmarshalling extra: %v", err)
		}
		if v, ok := extraMap["k"]; ok {
			if f, ok := v.(float64); ok {
				k = int(f)
			}
		}
	}
	if q := strings.TrimSpace(r.URL.Query().Get("q")); q != "" {
		query.Query = q
	}
	if raw := strings.TrimSpace(r.URL.Query().Get("k")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return query, k, fmt.Errorf("invalid k: %v", err)
		}
		k = n
	}
	var extra []engine.Filter
	for key, v := range extraMap {
		if v == nil || slices.Contains(builtInFields, key) {
			continue
		}
		operator := filters.Equal
		if reflect.TypeOf(v).Kind() == reflect.Slice {
			operator = filters.In
		}
		extra = append(extra, engine.Filter{Field: key, Operator: operator, Value: v})
	}
	if len(extra) == 0 {
		extraFilters, err := filters.ParseQuery(r.URL.RawQuery, builtInFields...)
		if err != nil {
			return query, k, err
		}
		for _, v := range extraFilters {
			extra = append(extra, engine.Filter{
				Field:    v.Field,
				Operator: v.Operator,
				Value:    v.Value,
				Reverse:  v.Reverse,
				Lookup:   v.Lookup,
			})
		}
	}
	if extra != nil && query.Filters == nil {
		query.Filters = extra
	}
	return query, k, nil
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost && r.Method != http.MethodGet {
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}
	name := strings.TrimSpace(r.PathValue("index"))
	if name == "" {
		http.Error(w, "index name required in path", http.StatusBadRequest)
		return
	}
	req, k, err := prepareQuery(r)
	if err != nil {
		http.Error(w, fmt.Sprintf("Error preparing query: %v", err), http.StatusBadRequest)
		return
	}
	res, err := s.router.Search(r.Context(), name, req, k)
	if err != nil {
		s.writeError(w, name, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type memberHealth struct {
	Node  string `json:"node"`
	State string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Unsupported method", http.StatusMethodNotAllowed)
		return
	}
	resp := map[string]any{"status": "ok", "indexes": len(s.cat.LocalNames())}
	if s.tracker != nil {
		members := s.tracker.Members()
		listing := make([]memberHealth, 0, len(members))
		for _, m := range members {
			listing = append(listing, memberHealth{Node: m.Info.ID.String(), State: m.State.String()})
		}
		resp["self_state"] = s.tracker.SelfState().String()
		resp["members"] = listing
		if score, ok := s.tracker.HealthScore(); ok {
			resp["gossip_health"] = score
		}
		if s.tracker.Degraded() {
			resp["status"] = "degraded"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeError maps the error taxonomy onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, index string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrAlreadyExists):
		status = http.StatusConflict
	case errors.Is(err, catalog.ErrDropTimeout):
		status = http.StatusServiceUnavailable
	case errors.Is(err, catalog.ErrCorruptIndex):
		status = http.StatusInternalServerError
	case errors.Is(err, ingest.ErrOverloaded):
		status = http.StatusTooManyRequests
	case errors.Is(err, ingest.ErrCommitFailed):
		status = http.StatusInternalServerError
	case errors.Is(err, ingest.ErrPipelineClosed), errors.Is(err, catalog.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, search.ErrAllTargetsUnreachable):
		status = http.StatusBadGateway
	}
	s.logger.WithError(err).WithField("index", index).WithField("status", status).Warn("request failed")
	writeJSON(w, status, map[string]any{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	w.Write(b)
}

// ListenAndServe runs the API until the server is shut down.
func (s *Server) ListenAndServe(addr string) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		s.logger.WithField("addr", addr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("http server stopped")
		}
	}()
	return srv
}
