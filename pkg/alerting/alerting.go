package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bastionlabs/bastion/pkg/logging"
)

// Severity represents the severity level of an alert
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    Severity               `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags,omitempty"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// Handler defines the interface for handling alerts
type Handler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// SinkFunc adapts a plain callback to the Handler interface. It matches the
// signature external pagers and loggers commonly expose.
type SinkFunc func(message string, severity Severity)

// HandleAlert delivers the alert to the wrapped callback
func (f SinkFunc) HandleAlert(_ context.Context, alert Alert) error {
	f(alert.Description, alert.Severity)
	return nil
}

// Name returns the name of the handler
func (f SinkFunc) Name() string {
	return "sink"
}

// Manager manages alert generation and routing
type Manager struct {
	handlers []Handler
	mutex    sync.RWMutex
	logger   *logging.Logger

	// Rate limiting
	alertCounts   map[string]int
	lastReset     time.Time
	rateLimit     int
	resetInterval time.Duration
}

// ManagerConfig holds alert manager configuration
type ManagerConfig struct {
	RateLimit     int
	ResetInterval time.Duration
}

// NewManager creates a new alert manager
func NewManager(logger *logging.Logger, cfg *ManagerConfig) *Manager {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if cfg == nil {
		cfg = &ManagerConfig{}
	}
	if cfg.RateLimit <= 0 {
		cfg.RateLimit = 100
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = time.Hour
	}

	return &Manager{
		handlers:      make([]Handler, 0),
		logger:        logger,
		alertCounts:   make(map[string]int),
		lastReset:     time.Now(),
		rateLimit:     cfg.RateLimit,
		resetInterval: cfg.ResetInterval,
	}
}

// AddHandler adds an alert handler
func (m *Manager) AddHandler(handler Handler) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.handlers = append(m.handlers, handler)
	m.logger.Info("Alert handler added", "handler", handler.Name())
}

// Send sends an alert to all registered handlers sequentially. Delivery order
// within one alert is the registration order; independent alerts do not block
// each other beyond handler execution time.
func (m *Manager) Send(ctx context.Context, alert Alert) error {
	m.mutex.Lock()
	allowed := m.checkRateLimit(alert.Source)
	handlers := make([]Handler, len(m.handlers))
	copy(handlers, m.handlers)
	m.mutex.Unlock()

	if !allowed {
		m.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("alert rate limit exceeded for source: %s", alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.New().String()
	}

	m.logger.Info("Sending alert",
		"id", alert.ID,
		"severity", string(alert.Severity),
		"source", alert.Source,
		"title", alert.Title,
	)

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			m.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	return nil
}

// SendAlert builds an alert from its parts and sends it. The message serves
// as both title and description.
func (m *Manager) SendAlert(ctx context.Context, source string, severity Severity, message string) error {
	return m.Send(ctx, Alert{
		Severity:    severity,
		Title:       message,
		Description: message,
		Source:      source,
	})
}

func (m *Manager) checkRateLimit(source string) bool {
	now := time.Now()

	if now.Sub(m.lastReset) >= m.resetInterval {
		m.alertCounts = make(map[string]int)
		m.lastReset = now
	}

	count := m.alertCounts[source]
	if count >= m.rateLimit {
		return false
	}

	m.alertCounts[source] = count + 1
	return true
}

// LogHandler logs alerts to the application logger
type LogHandler struct {
	logger *logging.Logger
}

// NewLogHandler creates a new logging alert handler
func NewLogHandler(logger *logging.Logger) *LogHandler {
	if logger == nil {
		logger = logging.GetLogger()
	}
	return &LogHandler{logger: logger}
}

// HandleAlert handles an alert by logging it
func (h *LogHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", string(alert.Severity),
		"source", alert.Source,
		"description", alert.Description,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	default:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LogHandler) Name() string {
	return "logging"
}

// WebhookHandler sends alerts to an external webhook endpoint
type WebhookHandler struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewWebhookHandler creates a new webhook alert handler
func NewWebhookHandler(url string, headers map[string]string) *WebhookHandler {
	return &WebhookHandler{
		url:     url,
		headers: headers,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// HandleAlert sends an alert via webhook
func (h *WebhookHandler) HandleAlert(ctx context.Context, alert Alert) error {
	payload, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewBuffer(payload))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	for key, value := range h.headers {
		req.Header.Set(key, value)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook notification: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}

// Name returns the name of the handler
func (h *WebhookHandler) Name() string {
	return "webhook"
}
