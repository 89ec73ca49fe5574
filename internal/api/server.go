package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/f5devcentral/llm-inference-lb/internal/registry"
	"github.com/f5devcentral/llm-inference-lb/internal/scoring"
	"github.com/f5devcentral/llm-inference-lb/internal/selector"
	"github.com/f5devcentral/llm-inference-lb/pkg/logger"
	"github.com/f5devcentral/llm-inference-lb/pkg/metrics"
	"github.com/f5devcentral/llm-inference-lb/pkg/telemetry"
)

// ModeProvider returns the currently active scoring mode; the health
// endpoint reports its name.
type ModeProvider func() scoring.ModeConfig

// Server serves the selection HTTP surface over the shared registry.
type Server struct {
	reg        *registry.Registry
	activeMode ModeProvider
	http       *http.Server
}

// NewServer builds a Server listening on addr. activeMode may be nil, in
// which case the health response omits the "mode" field.
func NewServer(addr string, reg *registry.Registry, activeMode ModeProvider) *Server {
	s := &Server{reg: reg, activeMode: activeMode}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /scheduler/select", s.handleSelect)
	mux.HandleFunc("GET /pools/status", s.handlePoolsStatus)
	mux.HandleFunc("GET /pools/{name}/{partition}/status", s.handlePoolStatus)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /pools/{name}/{partition}/simulate", s.handleSimulate)
	mux.HandleFunc("POST /pools/{name}/{partition}/analyze", s.handleAnalyze)
	mux.Handle("GET /metrics", metrics.Handler())

	s.http = &http.Server{
		Addr:         addr,
		Handler:      requestIDMiddleware(h2c.NewHandler(mux, &http2.Server{})),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe starts the server; it blocks until Shutdown is called.
func (s *Server) ListenAndServe() error {
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully stops the server, waiting bounded-time for
// in-flight requests to finish.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type requestIDKey struct{}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-Id")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-Id", id)
		ctx := context.WithValue(r.Context(), requestIDKey{}, id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type selectRequest struct {
	PoolName  string   `json:"pool_name"`
	Partition string   `json:"partition"`
	Members   []string `json:"members"`
}

func (s *Server) handleSelect(w http.ResponseWriter, r *http.Request) {
	ctx, span := telemetry.StartSpan(r.Context(), "selection_request")
	defer span.End()

	var req selectRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "malformed request body", http.StatusBadRequest)
		return
	}
	if req.PoolName == "" {
		http.Error(w, "pool_name is required", http.StatusBadRequest)
		return
	}

	metrics.Get().Tracker.Start(req.PoolName)
	defer metrics.Get().Tracker.End(req.PoolName)

	pool := s.reg.Get(registry.Key{Name: req.PoolName, Partition: req.Partition})
	if pool == nil {
		id, _ := ctx.Value(requestIDKey{}).(string)
		logger.WithRequestID(id).Warn("select requested for unknown pool", "pool", req.PoolName, "partition", req.Partition)
		metrics.Get().RecordSelection(req.PoolName, req.Partition, "none")
		writePlainText(w, http.StatusOK, selector.NoneLiteral)
		return
	}

	result := Select(pool, req.Members)
	metrics.Get().RecordSelection(req.PoolName, req.Partition, selectionOutcome(result))
	writePlainText(w, http.StatusOK, result)
}

// selectionOutcome maps a selection result onto a small metrics label set.
func selectionOutcome(result string) string {
	switch result {
	case selector.NoneLiteral:
		return "none"
	case selector.FallbackLiteral:
		return "fallback"
	default:
		return "selected"
	}
}

// MemberStatus is one member's entry in a PoolStatus response.
type MemberStatus struct {
	IP      string         `json:"ip"`
	Port    int            `json:"port"`
	Score   float64        `json:"score"`
	Percent float64        `json:"percent"`
	Metrics metricsPayload `json:"metrics"`
}

type metricsPayload struct {
	WaitingQueue *float64 `json:"waiting_queue,omitempty"`
	CacheUsage   *float64 `json:"cache_usage,omitempty"`
	RunningReq   *float64 `json:"running_req,omitempty"`
}

// PoolStatus is the JSON status snapshot of one pool.
type PoolStatus struct {
	Name        string         `json:"name"`
	Partition   string         `json:"partition"`
	EngineType  string         `json:"engine_type"`
	MemberCount int            `json:"member_count"`
	Members     []MemberStatus `json:"members"`
}

func poolStatus(pool *registry.Pool) PoolStatus {
	members := pool.Members()
	total := 0.0
	for _, m := range members {
		total += m.Score()
	}

	status := PoolStatus{
		Name:        pool.Key.Name,
		Partition:   pool.Key.Partition,
		EngineType:  pool.EngineType().String(),
		MemberCount: len(members),
		Members:     make([]MemberStatus, len(members)),
	}
	for i, m := range members {
		metrics := m.Metrics()
		score := m.Score()
		percent := 0.0
		if total > 0 {
			percent = math.Round(100*score/total*100) / 100
		}
		status.Members[i] = MemberStatus{
			IP:      m.IP,
			Port:    m.Port,
			Score:   score,
			Percent: percent,
			Metrics: metricsPayloadFrom(metrics),
		}
	}
	return status
}

func metricsPayloadFrom(m registry.Metrics) metricsPayload {
	var p metricsPayload
	if m.HasWaitingQueue {
		v := m.WaitingQueue
		p.WaitingQueue = &v
	}
	if m.HasCacheUsage {
		v := m.CacheUsage
		p.CacheUsage = &v
	}
	if m.HasRunningReq {
		v := m.RunningReq
		p.RunningReq = &v
	}
	return p
}

func (s *Server) handlePoolsStatus(w http.ResponseWriter, r *http.Request) {
	pools := s.reg.List()
	statuses := make([]PoolStatus, len(pools))
	for i, p := range pools {
		statuses[i] = poolStatus(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"pools": statuses})
}

func (s *Server) handlePoolStatus(w http.ResponseWriter, r *http.Request) {
	key := registry.Key{Name: r.PathValue("name"), Partition: r.PathValue("partition")}
	pool := s.reg.Get(key)
	if pool == nil {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, poolStatus(pool))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	body := map[string]any{
		"status": "healthy",
		"pools":  len(s.reg.List()),
	}
	if s.activeMode != nil {
		body["mode"] = s.activeMode().Name
	}
	writeJSON(w, http.StatusOK, body)
}

// handleSimulate runs N independent C3 draws against a pool's current
// scores and reports the observed selection frequencies.
func (s *Server) handleSimulate(w http.ResponseWriter, r *http.Request) {
	key := registry.Key{Name: r.PathValue("name"), Partition: r.PathValue("partition")}
	pool := s.reg.Get(key)
	if pool == nil {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}
	iterations, err := parseIterations(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	candidates := toCandidates(pool.Members())
	counts := make(map[string]int, len(candidates))
	for i := 0; i < iterations; i++ {
		winner, ok := selector.Select(candidates)
		if !ok {
			continue
		}
		counts[winner.Key]++
	}

	frequencies := make(map[string]float64, len(counts))
	for key, count := range counts {
		frequencies[key] = float64(count) / float64(iterations)
	}
	writeJSON(w, http.StatusOK, map[string]any{"iterations": iterations, "frequencies": frequencies})
}

// handleAnalyze compares the theoretical score share against the
// empirical frequency observed over N simulated draws, then grades the
// selector's fidelity against that theoretical distribution.
func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	key := registry.Key{Name: r.PathValue("name"), Partition: r.PathValue("partition")}
	pool := s.reg.Get(key)
	if pool == nil {
		http.Error(w, "pool not found", http.StatusNotFound)
		return
	}
	iterations, err := parseIterations(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	candidates := toCandidates(pool.Members())
	var total float64
	for _, c := range candidates {
		if c.Score > 0 {
			total += c.Score
		}
	}

	counts := make(map[string]int, len(candidates))
	var totalSelections int
	for i := 0; i < iterations; i++ {
		winner, ok := selector.Select(candidates)
		if !ok {
			continue
		}
		counts[winner.Key]++
		totalSelections++
	}

	type report struct {
		Theoretical float64 `json:"theoretical"`
		Empirical   float64 `json:"empirical"`
		Delta       float64 `json:"delta"`
	}
	results := make(map[string]report, len(candidates))
	deviations := make(map[string]memberDeviation, len(candidates))
	absoluteDeviations := make([]float64, 0, len(candidates))
	for _, c := range candidates {
		theoretical := 0.0
		if total > 0 && c.Score > 0 {
			theoretical = c.Score / total
		}
		empirical := float64(counts[c.Key]) / float64(iterations)
		results[c.Key] = report{Theoretical: theoretical, Empirical: empirical, Delta: math.Abs(theoretical - empirical)}

		theoreticalPercent := theoretical * 100
		actualPercent := empirical * 100
		absoluteDeviation := math.Abs(actualPercent - theoreticalPercent)
		relativeDeviationPercent := 0.0
		if theoreticalPercent > 0 {
			relativeDeviationPercent = absoluteDeviation / theoreticalPercent * 100
		}
		absoluteDeviations = append(absoluteDeviations, absoluteDeviation)
		deviations[c.Key] = memberDeviation{
			TheoreticalPercent:       round4(theoreticalPercent),
			ActualPercent:            round4(actualPercent),
			AbsoluteDeviation:        round4(absoluteDeviation),
			RelativeDeviationPercent: round4(relativeDeviationPercent),
			SelectionCount:           counts[c.Key],
		}
	}

	stats := overallStatistics{
		TotalIterations:       iterations,
		SuccessfulSelections:  totalSelections,
		SuccessRate:           float64(totalSelections) / float64(iterations) * 100,
		MeanAbsoluteDeviation: round4(meanOf(absoluteDeviations)),
		MaxAbsoluteDeviation:  round4(maxOf(absoluteDeviations)),
		MinAbsoluteDeviation:  round4(minOf(absoluteDeviations)),
		StdDeviation:          round4(stddev(absoluteDeviations)),
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"iterations":          iterations,
		"results":             results,
		"deviation_analysis":  deviations,
		"overall_statistics":  stats,
		"quality_assessment":  assessSelectionQuality(stats),
	})
}

// memberDeviation is one candidate's theoretical-vs-observed selection
// share, in percentage points.
type memberDeviation struct {
	TheoreticalPercent       float64 `json:"theoretical_percent"`
	ActualPercent            float64 `json:"actual_percent"`
	AbsoluteDeviation        float64 `json:"absolute_deviation"`
	RelativeDeviationPercent float64 `json:"relative_deviation_percent"`
	SelectionCount           int     `json:"selection_count"`
}

// overallStatistics summarizes a batch of simulated draws against the
// theoretical distribution they should approximate.
type overallStatistics struct {
	TotalIterations       int     `json:"total_iterations"`
	SuccessfulSelections  int     `json:"successful_selections"`
	SuccessRate           float64 `json:"success_rate"`
	MeanAbsoluteDeviation float64 `json:"mean_absolute_deviation"`
	MaxAbsoluteDeviation  float64 `json:"max_absolute_deviation"`
	MinAbsoluteDeviation  float64 `json:"min_absolute_deviation"`
	StdDeviation          float64 `json:"std_deviation"`
}

// qualityAssessment grades how closely the selector's observed behaviour
// tracked the theoretical distribution.
type qualityAssessment struct {
	QualityGrade    string   `json:"quality_grade"`
	QualityScore    float64  `json:"quality_score"`
	IsAcceptable    bool     `json:"is_acceptable"`
	Recommendations []string `json:"recommendations"`
	Summary         string   `json:"summary"`
}

// assessSelectionQuality assigns a four-tier grade (Excellent/Good/Fair/
// Needs optimization) from the mean and max absolute deviation and the
// success rate, plus a short list of concrete recommendations.
func assessSelectionQuality(stats overallStatistics) qualityAssessment {
	mean := stats.MeanAbsoluteDeviation
	maxDev := stats.MaxAbsoluteDeviation
	successRate := stats.SuccessRate

	var grade string
	var score float64
	switch {
	case mean < 1.0 && maxDev < 2.0 && successRate > 99:
		grade = "Excellent"
		score = 95 + (5 - mean)
	case mean < 2.0 && maxDev < 5.0 && successRate > 95:
		grade = "Good"
		score = 80 + (15 - mean*3)
	case mean < 5.0 && maxDev < 10.0 && successRate > 90:
		grade = "Fair"
		score = 60 + (20 - mean*4)
	default:
		grade = "Needs optimization"
		score = math.Max(0, 60-mean*5)
	}

	var recommendations []string
	if mean > 3.0 {
		recommendations = append(recommendations, "consider increasing test iterations for more stable results")
	}
	if maxDev > 8.0 {
		recommendations = append(recommendations, "check whether the score distribution is too extreme")
	}
	if successRate < 95 {
		recommendations = append(recommendations, "check for concurrency or other abnormal behaviour in the selector")
	}
	if stats.StdDeviation > 2.0 {
		recommendations = append(recommendations, "large deviation fluctuation, check algorithm stability")
	}

	return qualityAssessment{
		QualityGrade:    grade,
		QualityScore:    round4(score),
		IsAcceptable:    grade == "Excellent" || grade == "Good",
		Recommendations: recommendations,
		Summary:         fmt.Sprintf("mean deviation %.4f%%, max deviation %.4f%%, quality grade: %s", mean, maxDev, grade),
	}
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}

func meanOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func maxOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// stddev returns the sample standard deviation (Bessel's correction),
// matching statistics.stdev's definition in the source this was ported
// from. A single-value sample has no variance to report.
func stddev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	mean := meanOf(values)
	var sumSq float64
	for _, v := range values {
		d := v - mean
		sumSq += d * d
	}
	return math.Sqrt(sumSq / float64(len(values)-1))
}

func toCandidates(members []*registry.Member) []selector.Candidate {
	candidates := make([]selector.Candidate, len(members))
	for i, m := range members {
		candidates[i] = selector.Candidate{Key: m.Key(), Score: m.Score()}
	}
	return candidates
}

func parseIterations(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("iterations")
	if raw == "" {
		return 1000, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, errors.New("iterations must be a positive integer")
	}
	return n, nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logger.Error("failed to encode JSON response", "error", err)
	}
}

func writePlainText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write([]byte(body))
}
