package metrics

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	SchedulerTickSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "scheduler_tick_seconds",
		Help:    "Длительность тика планировщика",
		Buckets: prometheus.DefBuckets,
	})
	SchedulerURLsEmitted = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_urls_emitted_total",
		Help: "URL, отправленные на загрузку, по частоте",
	}, []string{"rate"})
	SchedulerRateErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_rate_errors_total",
		Help: "Ошибки обработки частоты в тике",
	}, []string{"rate"})
	SchedulerRateMismatches = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "scheduler_rate_mismatches_total",
		Help: "Ленты, пропущенные из-за устаревшей частоты",
	}, []string{"rate"})
	SchedulerWindowsSkipped = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "scheduler_windows_skipped_total",
		Help: "Окна, уже обработанные другой репликой",
	})

	CredentialsRefreshed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "credentials_refreshed_total",
		Help: "Результаты обновления учётных данных",
	}, []string{"outcome"})

	MaintenanceStepErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "maintenance_step_errors_total",
		Help: "Ошибки шагов обслуживания",
	}, []string{"step"})

	ConsumerMessages = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "consumer_messages_total",
		Help: "Обработанные сообщения брокера",
	}, []string{"queue", "outcome"})

	FeedsDisabled = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "feeds_disabled_total",
		Help: "Автоматически отключённые ленты и каналы по коду",
	}, []string{"code"})

	NetworkRequestDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "network_request_duration_seconds",
		Help:    "Длительность сетевых запросов",
		Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10, 15, 20, 30, 60},
	}, []string{"component", "operation", "target", "status"})

	NetworkRequestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "network_request_total",
		Help: "Количество сетевых запросов",
	}, []string{"component", "operation", "target", "status"})
)

// MustRegister регистрирует метрики.
func MustRegister(registerer prometheus.Registerer) {
	registerer.MustRegister(
		SchedulerTickSeconds,
		SchedulerURLsEmitted,
		SchedulerRateErrors,
		SchedulerRateMismatches,
		SchedulerWindowsSkipped,
		CredentialsRefreshed,
		MaintenanceStepErrors,
		ConsumerMessages,
		FeedsDisabled,
		NetworkRequestDuration,
		NetworkRequestTotal,
	)
}

// Handler возвращает обработчик /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// StartServer запускает HTTP сервер с переданным обработчиком.
func StartServer(ctx context.Context, logger zerolog.Logger, addr string, handler http.Handler) {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	shutdownCtx, cancel := context.WithCancel(context.Background())
	go func() {
		select {
		case <-ctx.Done():
		case <-shutdownCtx.Done():
		}
		shutdownTimeout, timeoutCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer timeoutCancel()
		if err := srv.Shutdown(shutdownTimeout); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: graceful shutdown failed")
		}
	}()

	go func() {
		logger.Info().Str("addr", addr).Msg("metrics: server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("metrics: server stopped")
		}
		cancel()
	}()
}

// ObserveNetworkRequest записывает длительность и статус сетевого запроса.
func ObserveNetworkRequest(component, operation, target string, start time.Time, err error) {
	if component == "" {
		component = "unknown"
	}
	if operation == "" {
		operation = "unknown"
	}
	if target == "" {
		target = "unknown"
	}
	status := "success"
	if err != nil {
		status = "error"
	}
	duration := time.Since(start).Seconds()
	NetworkRequestDuration.WithLabelValues(component, operation, target, status).Observe(duration)
	NetworkRequestTotal.WithLabelValues(component, operation, target, status).Inc()
}

// AddURLsEmitted учитывает URL, отправленные на загрузку.
func AddURLsEmitted(rateSeconds, count int) {
	SchedulerURLsEmitted.WithLabelValues(strconv.Itoa(rateSeconds)).Add(float64(count))
}

// IncRateError учитывает ошибку обработки частоты.
func IncRateError(rateSeconds int) {
	SchedulerRateErrors.WithLabelValues(strconv.Itoa(rateSeconds)).Inc()
}

// AddRateMismatches учитывает ленты с устаревшей частотой.
func AddRateMismatches(rateSeconds, count int) {
	if count == 0 {
		return
	}
	SchedulerRateMismatches.WithLabelValues(strconv.Itoa(rateSeconds)).Add(float64(count))
}

// IncCredential учитывает результат обновления учётных данных.
func IncCredential(outcome string) {
	CredentialsRefreshed.WithLabelValues(outcome).Inc()
}

// IncMaintenanceError учитывает ошибку шага обслуживания.
func IncMaintenanceError(step string) {
	MaintenanceStepErrors.WithLabelValues(step).Inc()
}

// IncConsumerMessage учитывает обработанное сообщение.
func IncConsumerMessage(queue, outcome string) {
	ConsumerMessages.WithLabelValues(queue, outcome).Inc()
}

// AddFeedsDisabled учитывает отключения по коду.
func AddFeedsDisabled(code string, count int) {
	if count <= 0 {
		return
	}
	FeedsDisabled.WithLabelValues(code).Add(float64(count))
}
