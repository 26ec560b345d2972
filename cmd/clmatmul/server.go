package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/23skdu/longbow-clmatmul/internal/client"
	"github.com/23skdu/longbow-clmatmul/internal/config"
	"github.com/23skdu/longbow-clmatmul/internal/device"
	"github.com/23skdu/longbow-clmatmul/internal/matrix"
	"github.com/apache/arrow-go/v18/arrow/flight"
	"github.com/fxamacker/cbor/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clmatmul_http_requests_total",
		Help: "HTTP multiply requests by endpoint and status code",
	}, []string{"endpoint", "code"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "clmatmul_request_duration_seconds",
		Help:    "Time spent processing multiply requests",
		Buckets: prometheus.DefBuckets,
	})
)

var tracer = otel.Tracer("clmatmul-server")

const (
	contentTypeCBOR  = "application/cbor"
	contentTypeArrow = "application/vnd.apache.arrow.stream"
	contentTypeText  = "text/plain; charset=utf-8"
)

// Multiplier computes matrix products. *pipeline.Driver implements it.
type Multiplier interface {
	Multiply(ctx context.Context, lhs, rhs *matrix.Matrix) (*matrix.Matrix, error)
}

// Forwarder ships products to a downstream store. *client.Forwarder implements it.
type Forwarder interface {
	Forward(ctx context.Context, m *matrix.Matrix) error
	Close() error
}

// multiplyRequest is the CBOR body of POST /multiply.
type multiplyRequest struct {
	LHS *matrix.Matrix `cbor:"lhs"`
	RHS *matrix.Matrix `cbor:"rhs"`
}

// Default request limits, matching config.ApplyDefaults.
const (
	DefaultMaxBodyBytes      int64 = 64 << 20
	DefaultMaxResultElements int64 = 1 << 24
)

type Server struct {
	multiplier Multiplier
	forwarder  Forwarder
	sem        *semaphore.Weighted

	maxBodyBytes      int64
	maxResultElements int64
}

// ServerOption adjusts a Server built by NewServer.
type ServerOption func(*Server)

// WithMaxBodyBytes bounds the bytes read from a request body.
func WithMaxBodyBytes(n int64) ServerOption {
	return func(s *Server) { s.maxBodyBytes = n }
}

// WithMaxResultElements bounds rows*cols of any product the server computes.
func WithMaxResultElements(n int64) ServerOption {
	return func(s *Server) { s.maxResultElements = n }
}

func NewServer(m Multiplier, fwd Forwarder, maxConcurrent int64, opts ...ServerOption) *Server {
	s := &Server{
		multiplier:        m,
		forwarder:         fwd,
		sem:               semaphore.NewWeighted(maxConcurrent),
		maxBodyBytes:      DefaultMaxBodyBytes,
		maxResultElements: DefaultMaxResultElements,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler routes the HTTP endpoints.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/multiply", s.handleMultiply)
	mux.HandleFunc("/multiply/arrow", s.handleMultiplyArrow)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

func (s *Server) handleMultiply(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleMultiply")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, "multiply", http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, code, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, "multiply", code, fmt.Sprintf("%s: %v", http.StatusText(code), err))
		return
	}

	var req multiplyRequest
	if err := cbor.Unmarshal(body, &req); err != nil {
		span.RecordError(err)
		s.fail(w, "multiply", http.StatusBadRequest, fmt.Sprintf("Bad Request (CBOR decode): %v", err))
		return
	}
	if req.LHS == nil || req.RHS == nil {
		s.fail(w, "multiply", http.StatusBadRequest, "Bad Request: lhs and rhs are required")
		return
	}

	format := matrix.FormatCBOR
	if q := r.URL.Query().Get("format"); q != "" {
		f, err := matrix.ParseFormat(q)
		if err != nil {
			s.fail(w, "multiply", http.StatusBadRequest, err.Error())
			return
		}
		format = f
	}

	product, code, err := s.multiply(ctx, req.LHS, req.RHS)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(w, "multiply", code, device.Diagnostic(err))
		return
	}

	var buf bytes.Buffer
	if err := matrix.Encode(&buf, product, format); err != nil {
		s.fail(w, "multiply", http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentType(format))
	s.reply(w, "multiply", buf.Bytes())
}

// handleMultiplyArrow takes an IPC stream holding lhs then rhs and answers
// with a stream holding the product.
func (s *Server) handleMultiplyArrow(w http.ResponseWriter, r *http.Request) {
	ctx, span := tracer.Start(r.Context(), "handleMultiplyArrow")
	defer span.End()

	start := time.Now()
	defer func() {
		requestDuration.Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		s.fail(w, "multiply_arrow", http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	body, code, err := s.readBody(w, r)
	if err != nil {
		s.fail(w, "multiply_arrow", code, fmt.Sprintf("%s: %v", http.StatusText(code), err))
		return
	}

	operands, err := matrix.ReadArrow(bytes.NewReader(body))
	if err != nil {
		s.fail(w, "multiply_arrow", http.StatusBadRequest, fmt.Sprintf("Bad Request (Arrow decode): %v", err))
		return
	}
	if len(operands) != 2 {
		s.fail(w, "multiply_arrow", http.StatusBadRequest,
			fmt.Sprintf("Bad Request: stream holds %d matrices, expected 2", len(operands)))
		return
	}

	product, code, err := s.multiply(ctx, operands[0], operands[1])
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.fail(w, "multiply_arrow", code, device.Diagnostic(err))
		return
	}

	var buf bytes.Buffer
	if err := matrix.WriteArrow(&buf, product); err != nil {
		s.fail(w, "multiply_arrow", http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", contentTypeArrow)
	s.reply(w, "multiply_arrow", buf.Bytes())
}

// readBody reads at most maxBodyBytes of the request body. The returned code
// is the HTTP status for err.
func (s *Server) readBody(w http.ResponseWriter, r *http.Request) ([]byte, int, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, http.StatusRequestEntityTooLarge, fmt.Errorf("body exceeds %d bytes", tooLarge.Limit)
		}
		return nil, http.StatusBadRequest, fmt.Errorf("read body: %w", err)
	}
	return body, http.StatusOK, nil
}

// checkResult rejects products with more than maxResultElements elements.
func (s *Server) checkResult(lhs, rhs *matrix.Matrix) error {
	rows, cols := int64(lhs.Rows()), int64(rhs.Cols())
	if rows > 0 && cols > s.maxResultElements/rows {
		return device.Errorf(device.KindAllocation, "Multiply",
			fmt.Sprintf("result elements <= %d", s.maxResultElements), nil,
			"A %dx%d result exceeds the server limit", rows, cols)
	}
	return nil
}

// multiply runs one admitted multiplication and forwards the product. The
// returned code is the HTTP status for err.
func (s *Server) multiply(ctx context.Context, lhs, rhs *matrix.Matrix) (*matrix.Matrix, int, error) {
	if err := s.checkResult(lhs, rhs); err != nil {
		return nil, statusFor(err), err
	}
	if err := s.sem.Acquire(ctx, 1); err != nil {
		log.Error().Err(err).Msg("Failed to acquire semaphore")
		return nil, http.StatusServiceUnavailable, err
	}
	defer s.sem.Release(1)

	shape := attribute.String("shape", fmt.Sprintf("%dx%d*%dx%d", lhs.Rows(), lhs.Cols(), rhs.Rows(), rhs.Cols()))
	ctx, span := tracer.Start(ctx, "multiply")
	span.SetAttributes(shape)
	defer span.End()

	product, err := s.multiplier.Multiply(ctx, lhs, rhs)
	if err != nil {
		return nil, statusFor(err), err
	}

	if s.forwarder != nil {
		if err := s.forwarder.Forward(ctx, product); err != nil {
			log.Error().Err(err).Msg("Error forwarding product")
		}
	}
	return product, http.StatusOK, nil
}

func statusFor(err error) int {
	switch device.KindOf(err) {
	case device.KindShapeMismatch:
		return http.StatusUnprocessableEntity
	case device.KindAllocation:
		return http.StatusRequestEntityTooLarge
	case device.KindNoPlatform, device.KindNoDevice:
		return http.StatusServiceUnavailable
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) fail(w http.ResponseWriter, endpoint string, code int, msg string) {
	requestsTotal.WithLabelValues(endpoint, fmt.Sprint(code)).Inc()
	http.Error(w, msg, code)
}

func (s *Server) reply(w http.ResponseWriter, endpoint string, body []byte) {
	requestsTotal.WithLabelValues(endpoint, "200").Inc()
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func contentType(f matrix.Format) string {
	switch f {
	case matrix.FormatArrow:
		return contentTypeArrow
	case matrix.FormatText:
		return contentTypeText
	default:
		return contentTypeCBOR
	}
}

// serve runs the HTTP server and, when configured, the Flight server until
// ctx is canceled or the process is signaled.
func serve(ctx context.Context, cfg *config.Config) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver, err := newDriver(cfg)
	if err != nil {
		return err
	}

	var fwd Forwarder
	if cfg.Server.Forward != "" {
		f, err := client.NewForwarder(cfg.Server.Forward, cfg.Server.Dataset)
		if err != nil {
			return fmt.Errorf("failed to create forwarder: %w", err)
		}
		defer f.Close()
		log.Info().Str("addr", cfg.Server.Forward).Str("dataset", cfg.Server.Dataset).Msg("Forwarding products")
		fwd = f
	}

	srv := NewServer(driver, fwd, cfg.Server.MaxConcurrent,
		WithMaxBodyBytes(cfg.Server.MaxBodyBytes),
		WithMaxResultElements(cfg.Server.MaxResultElements))
	httpServer := &http.Server{
		Addr:              cfg.Server.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var fs flight.Server
	if cfg.Server.Flight != "" {
		if fs, err = NewFlightServer(srv, cfg.Server.Flight, cfg.Server.MaxDatasets); err != nil {
			return fmt.Errorf("failed to init Flight server: %w", err)
		}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.Server.Listen).Msg("Starting clmatmul server")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if fs != nil {
		g.Go(func() error {
			log.Info().Str("addr", fs.Addr().String()).Msg("Starting clmatmul Flight server")
			return fs.Serve()
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		if fs != nil {
			fs.Shutdown()
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
