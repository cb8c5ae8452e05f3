package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gbassaragh/APEX-sub002/internal/domain"
	httpserver "github.com/gbassaragh/APEX-sub002/internal/http"
	"github.com/gbassaragh/APEX-sub002/internal/http/handlers"
	"github.com/gbassaragh/APEX-sub002/internal/logging"
	"github.com/gbassaragh/APEX-sub002/internal/queue"
	"github.com/gbassaragh/APEX-sub002/internal/repository"
	"github.com/gbassaragh/APEX-sub002/internal/service"
	"github.com/gbassaragh/APEX-sub002/internal/worker"
)

type scenarioResult struct {
	Name          string   `json:"name"`
	Total         int      `json:"total"`
	Success       int      `json:"success"`
	Errors        int      `json:"errors"`
	P50MS         float64  `json:"p50_ms"`
	P95MS         float64  `json:"p95_ms"`
	P99MS         float64  `json:"p99_ms"`
	MaxMS         float64  `json:"max_ms"`
	ThroughputRPS float64  `json:"throughput_rps"`
	ErrorSamples  []string `json:"error_samples,omitempty"`
}

type contentionResult struct {
	Submitted int `json:"submitted"`
	Completed int `json:"completed"`
	Conflicts int `json:"conflicts"`
	Other     int `json:"other"`
}

type runResult struct {
	GeneratedAtUTC string           `json:"generated_at_utc"`
	Environment    string           `json:"environment"`
	DispatchMode   string           `json:"dispatch_mode"`
	Results        []scenarioResult `json:"results"`
	Contention     contentionResult `json:"contention"`
	OpenSessions   int              `json:"open_sessions"`
	SLOEvaluation  map[string]bool  `json:"slo_evaluation"`
}

type benchmarkEnv struct {
	server    *httptest.Server
	estimates *repository.MemoryEstimateStore
	cancel    context.CancelFunc
}

const documentCount = 16

func main() {
	mode := flag.String("mode", string(worker.ModeBackground), "dispatch mode: background or queued")
	documentsTotal := flag.Int("documents-total", 240, "total document-validation submissions")
	documentsConcurrency := flag.Int("documents-concurrency", 24, "concurrency for document-validation submissions")
	estimatesTotal := flag.Int("estimates-total", 160, "total estimate-generation submissions with unique numbers")
	estimatesConcurrency := flag.Int("estimates-concurrency", 16, "concurrency for estimate-generation submissions")
	contendedTotal := flag.Int("contended-total", 32, "concurrent submissions sharing one estimate number")
	pollTotal := flag.Int("poll-total", 400, "total status polls")
	pollConcurrency := flag.Int("poll-concurrency", 32, "concurrency for status polls")
	outputPath := flag.String("output", "", "optional path to persist benchmark results JSON")
	flag.Parse()

	logger := logging.New("info", "text")
	env, err := startBenchmarkEnvironment(worker.Mode(*mode))
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to start local benchmark environment")
	}
	defer env.cancel()
	defer env.server.Close()

	client := &http.Client{Timeout: 10 * time.Second}
	var (
		mu     sync.Mutex
		jobIDs []string
	)
	remember := func(jobID string) {
		mu.Lock()
		jobIDs = append(jobIDs, jobID)
		mu.Unlock()
	}

	documentsScenario := runScenario("document_validation_submit", *documentsTotal, *documentsConcurrency, func(index int) error {
		payload := map[string]any{
			"job_type": domain.JobTypeDocumentValidation,
			"payload":  map[string]any{"document_id": fmt.Sprintf("doc-%d", index%documentCount)},
		}
		jobID, err := submit(client, env.server.URL, payload)
		if err == nil {
			remember(jobID)
		}
		return err
	})

	estimatesScenario := runScenario("estimate_generation_submit", *estimatesTotal, *estimatesConcurrency, func(index int) error {
		payload := map[string]any{
			"job_type": domain.JobTypeEstimateGeneration,
			"payload":  estimatePayload(fmt.Sprintf("LOAD-%d-EST-1", index)),
		}
		jobID, err := submit(client, env.server.URL, payload)
		if err == nil {
			remember(jobID)
		}
		return err
	})

	contendedIDs := make([]string, *contendedTotal)
	contendedScenario := runScenario("contended_estimate_submit", *contendedTotal, *contendedTotal, func(index int) error {
		payload := map[string]any{
			"job_type": domain.JobTypeEstimateGeneration,
			"payload":  estimatePayload("LOAD-CONTENDED-EST-1"),
		}
		jobID, err := submit(client, env.server.URL, payload)
		contendedIDs[index] = jobID
		return err
	})

	mu.Lock()
	pollTargets := append([]string(nil), jobIDs...)
	mu.Unlock()
	pollScenario := runScenario("status_poll", *pollTotal, *pollConcurrency, func(index int) error {
		if len(pollTargets) == 0 {
			return errors.New("no jobs to poll")
		}
		_, err := status(client, env.server.URL, pollTargets[index%len(pollTargets)])
		return err
	})

	contention := contentionResult{}
	for _, jobID := range contendedIDs {
		if jobID == "" {
			continue
		}
		contention.Submitted++
		view, err := waitTerminal(client, env.server.URL, jobID, 30*time.Second)
		switch {
		case err != nil:
			contention.Other++
		case view.Status == domain.JobStatusCompleted:
			contention.Completed++
		case errors.Is(domainError(view.ErrorMessage), domain.ErrConflict):
			contention.Conflicts++
		default:
			contention.Other++
		}
	}
	for _, jobID := range pollTargets {
		_, _ = waitTerminal(client, env.server.URL, jobID, 30*time.Second)
	}

	results := []scenarioResult{
		documentsScenario,
		estimatesScenario,
		contendedScenario,
		pollScenario,
	}
	openSessions := env.estimates.OpenSessions()
	slo := map[string]bool{
		"submit_p95_le_500ms":            documentsScenario.P95MS <= 500 && estimatesScenario.P95MS <= 500,
		"status_poll_p95_le_100ms":       pollScenario.P95MS <= 100,
		"contended_number_single_winner": contention.Completed == 1 && contention.Other == 0,
		"sessions_released":              openSessions == 0,
	}

	report := runResult{
		GeneratedAtUTC: time.Now().UTC().Format(time.RFC3339Nano),
		Environment:    "local-httptest",
		DispatchMode:   *mode,
		Results:        results,
		Contention:     contention,
		OpenSessions:   openSessions,
		SLOEvaluation:  slo,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		logger.WithField("error", err.Error()).Fatal("failed to marshal benchmark report")
	}
	if *outputPath != "" {
		if err := os.WriteFile(*outputPath, encoded, 0o644); err != nil {
			logger.WithField("error", err.Error()).Fatal("failed to write output file")
		}
	}
	_, _ = fmt.Fprintln(os.Stdout, string(encoded))
}

func startBenchmarkEnvironment(mode worker.Mode) (*benchmarkEnv, error) {
	ctx, cancel := context.WithCancel(context.Background())
	logger := logging.Discard()

	var localQueue *queue.LocalQueue
	var producer queue.Producer
	if mode == worker.ModeQueued {
		localQueue = queue.NewLocalQueue(4096, 3, logger)
		producer = localQueue
	}

	recorder := service.NewAuditRecorder(repository.NewMemoryAuditRepository(), logger)
	manager := service.NewJobManager(repository.NewMemoryJobsRepository(), recorder, logger)
	dispatcher, err := worker.NewDispatcher(worker.DispatcherConfig{Mode: mode}, manager, recorder, producer, logger)
	if err != nil {
		cancel()
		return nil, err
	}

	documents := worker.NewMemoryDocumentStore()
	for i := 0; i < documentCount; i++ {
		documents.Put(worker.Document{ID: fmt.Sprintf("doc-%d", i), Type: "scope"},
			[]byte("Project scope and location.\n\nQuantity takeoff and schedule attached."))
	}
	validation := &worker.DocumentValidation{
		Documents: documents,
		Parser:    worker.TextParser{},
		Validator: worker.KeywordValidator{},
	}
	estimates := repository.NewMemoryEstimateStore()
	coordinator := service.NewEstimateCoordinator(estimates, recorder, logger)
	generation := &worker.EstimateGeneration{
		Sessions:    estimates,
		Coordinator: coordinator,
		Planner:     worker.PayloadPlanner{},
		Risk:        worker.TriangularRiskAnalyzer{},
		Narrator:    worker.TemplateNarrator{},
	}
	dispatcher.Register(domain.JobTypeDocumentValidation, validation.Run)
	dispatcher.Register(domain.JobTypeEstimateGeneration, generation.Run)

	api := handlers.NewAPI(handlers.Dependencies{
		Jobs:      service.NewJobsService(manager, dispatcher, logger),
		Manager:   manager,
		Estimates: coordinator,
		Logger:    logger,
	})
	router := httpserver.NewRouter(ctx, httpserver.RouterDependencies{
		API:            api,
		Logger:         logger,
		RateLimitRPS:   20000,
		RateLimitBurst: 20000,
	})

	if localQueue != nil {
		for i := 0; i < 4; i++ {
			processor := worker.NewProcessor(localQueue, dispatcher, logger)
			go processor.Start(ctx)
		}
	}

	return &benchmarkEnv{
		server:    httptest.NewServer(router),
		estimates: estimates,
		cancel:    cancel,
	}, nil
}

func estimatePayload(estimateNumber string) map[string]any {
	return map[string]any{
		"project_id":         "load-project",
		"estimate_number":    estimateNumber,
		"maturity_percent":   60,
		"completeness_score": 70,
		"line_items": []map[string]any{
			{"wbs_code": "1", "description": "Transmission line"},
			{"wbs_code": "1.1", "parent_wbs_code": "1", "description": "Structures", "quantity": "12", "unit_cost_material": "4200", "unit_cost_labor": "1800"},
			{"wbs_code": "1.2", "parent_wbs_code": "1", "description": "Conductor", "quantity": "3.5", "unit_of_measure": "mile", "unit_cost_material": "95000"},
			{"wbs_code": "2", "description": "Substation"},
			{"wbs_code": "2.1", "parent_wbs_code": "2", "description": "Transformer", "unit_cost_other": "1250000"},
		},
		"risk_factors": []map[string]any{
			{"name": "permitting", "min": 0, "likely": 0.05, "max": 0.15},
			{"name": "commodity", "min": -0.02, "likely": 0.03, "max": 0.12},
		},
	}
}

func runScenario(
	name string,
	total int,
	concurrency int,
	requestFn func(index int) error,
) scenarioResult {
	if total <= 0 {
		return scenarioResult{Name: name}
	}
	if concurrency <= 0 {
		concurrency = 1
	}

	startedAt := time.Now()
	type sample struct {
		durationMS float64
		err        string
	}

	jobs := make(chan int, total)
	results := make(chan sample, total)
	for i := 0; i < total; i++ {
		jobs <- i
	}
	close(jobs)

	var wg sync.WaitGroup
	for i := 0; i < concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for index := range jobs {
				requestStart := time.Now()
				err := requestFn(index)
				s := sample{
					durationMS: float64(time.Since(requestStart).Microseconds()) / 1000.0,
				}
				if err != nil {
					s.err = err.Error()
				}
				results <- s
			}
		}()
	}
	wg.Wait()
	close(results)

	durations := make([]float64, 0, total)
	errorSamples := make([]string, 0, 5)
	success := 0
	errorsCount := 0
	for item := range results {
		durations = append(durations, item.durationMS)
		if item.err == "" {
			success++
			continue
		}
		errorsCount++
		if len(errorSamples) < 5 {
			errorSamples = append(errorSamples, item.err)
		}
	}

	sort.Float64s(durations)
	elapsedSeconds := time.Since(startedAt).Seconds()
	throughput := 0.0
	if elapsedSeconds > 0 {
		throughput = float64(total) / elapsedSeconds
	}

	return scenarioResult{
		Name:          name,
		Total:         total,
		Success:       success,
		Errors:        errorsCount,
		P50MS:         percentile(durations, 0.50),
		P95MS:         percentile(durations, 0.95),
		P99MS:         percentile(durations, 0.99),
		MaxMS:         percentile(durations, 1.00),
		ThroughputRPS: round2(throughput),
		ErrorSamples:  errorSamples,
	}
}

func submit(client *http.Client, baseURL string, payload any) (string, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}
	request, err := http.NewRequest(http.MethodPost, baseURL+"/v1/jobs", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("Accept", "application/json")

	var accepted struct {
		JobID string `json:"job_id"`
	}
	if err := do(client, request, http.StatusAccepted, &accepted); err != nil {
		return "", err
	}
	return accepted.JobID, nil
}

func status(client *http.Client, baseURL, jobID string) (*service.StatusView, error) {
	request, err := http.NewRequest(http.MethodGet, baseURL+"/v1/jobs/"+jobID, nil)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	request.Header.Set("Accept", "application/json")

	var view struct {
		Status       domain.JobStatus `json:"status"`
		ErrorMessage string           `json:"error_message"`
	}
	if err := do(client, request, http.StatusOK, &view); err != nil {
		return nil, err
	}
	return &service.StatusView{Status: view.Status, ErrorMessage: view.ErrorMessage}, nil
}

func waitTerminal(client *http.Client, baseURL, jobID string, timeout time.Duration) (*service.StatusView, error) {
	deadline := time.Now().Add(timeout)
	for {
		view, err := status(client, baseURL, jobID)
		if err != nil {
			return nil, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("job %s still %s after %s", jobID, view.Status, timeout)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func do(client *http.Client, request *http.Request, expectedStatus int, target any) error {
	response, err := client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()

	if response.StatusCode != expectedStatus {
		body, _ := io.ReadAll(io.LimitReader(response.Body, 1024))
		return fmt.Errorf("unexpected status %d (expected %d): %s", response.StatusCode, expectedStatus, string(body))
	}
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// domainError recovers the sentinel from a failed job's message prefix.
func domainError(message string) error {
	for _, sentinel := range []error{domain.ErrConflict, domain.ErrValidation, domain.ErrNotFound} {
		if strings.HasPrefix(message, sentinel.Error()) {
			return sentinel
		}
	}
	return errors.New(message)
}

func percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	if p <= 0 {
		return round2(values[0])
	}
	if p >= 1 {
		return round2(values[len(values)-1])
	}
	rank := int(math.Ceil(float64(len(values))*p)) - 1
	if rank < 0 {
		rank = 0
	}
	if rank >= len(values) {
		rank = len(values) - 1
	}
	return round2(values[rank])
}

func round2(value float64) float64 {
	return math.Round(value*100) / 100
}
