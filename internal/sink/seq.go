package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/HerbHall/memwatcher/internal/export"
	"github.com/HerbHall/memwatcher/internal/version"
	"github.com/HerbHall/memwatcher/pkg/models"
)

// Seq event conventions.
const (
	SeqInstallationProperty = "InstallationFriendlyName"
	SeqDefaultMessage       = "MemoryWatchReport"
	seqLevel                = "Debug"
	seqIngestPath           = "/api/events/raw?clef"
	seqContentType          = "application/vnd.serilog.clef"
	seqAPIKeyHeader         = "X-Seq-ApiKey"
)

// ErrRateLimited is returned when an event is refused by the client-side
// rate limit. The event is dropped.
var ErrRateLimited = errors.New("event dropped by rate limit")

// SeqConfig configures the Seq remote-log sink.
type SeqConfig struct {
	URL                string
	APIKey             string
	Installation       string
	Message            string
	Timeout            time.Duration
	MaxEventsPerSecond float64
}

// Seq posts each sample as a single CLEF event at Debug level. Delivery is
// attempted once; failures are returned to the caller.
type Seq struct {
	endpoint     string
	apiKey       string
	installation string
	message      string
	runID        string
	client       *http.Client
	limiter      *rate.Limiter
	logger       *zap.Logger
}

var _ export.Sink = (*Seq)(nil)

// NewSeq validates cfg and creates the sink.
func NewSeq(cfg SeqConfig, logger *zap.Logger) (*Seq, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse seq url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("seq url %q: scheme must be http or https", cfg.URL)
	}
	if cfg.Installation == "" {
		return nil, errors.New("seq installation identifier is required")
	}
	msg := cfg.Message
	if msg == "" {
		msg = SeqDefaultMessage
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	s := &Seq{
		endpoint:     strings.TrimRight(cfg.URL, "/") + seqIngestPath,
		apiKey:       cfg.APIKey,
		installation: cfg.Installation,
		message:      msg,
		runID:        uuid.NewString(),
		client:       &http.Client{Timeout: timeout},
		logger:       logger,
	}
	if cfg.MaxEventsPerSecond > 0 {
		burst := max(1, int(cfg.MaxEventsPerSecond))
		s.limiter = rate.NewLimiter(rate.Limit(cfg.MaxEventsPerSecond), burst)
	}
	return s, nil
}

func (s *Seq) Name() string { return "seq" }

// RunID identifies this process in every event it sends.
func (s *Seq) RunID() string { return s.runID }

func (s *Seq) Write(ctx context.Context, sample models.Sample) error {
	if s.limiter != nil && !s.limiter.Allow() {
		return ErrRateLimited
	}

	body, err := s.encode(sample)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", seqContentType)
	req.Header.Set("User-Agent", version.UserAgent())
	if s.apiKey != "" {
		req.Header.Set(seqAPIKeyHeader, s.apiKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post event: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("seq rejected event: %s", resp.Status)
	}
	s.logger.Debug("event delivered to seq", zap.Int("status", resp.StatusCode))
	return nil
}

// encode renders one newline-terminated CLEF event.
func (s *Seq) encode(sample models.Sample) ([]byte, error) {
	event := make(map[string]any, len(sample.Metrics)+5)
	for _, m := range sample.Metrics {
		event[m.Name] = m.Value
	}
	event["@t"] = sample.Timestamp.UTC().Format(time.RFC3339Nano)
	event["@mt"] = s.message
	event["@l"] = seqLevel
	event[SeqInstallationProperty] = s.installation
	event["RunId"] = s.runID

	b, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("encode event: %w", err)
	}
	return append(b, '\n'), nil
}
