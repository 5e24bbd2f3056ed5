// Package api serves the read-only status API: channels, layers, formats,
// output consumers and Prometheus metrics, over HTTPS and HTTP/3.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/playout/internal/certs"
	"github.com/zsiec/playout/internal/channel"
	"github.com/zsiec/playout/internal/layer"
	"github.com/zsiec/playout/internal/logger"
	"github.com/zsiec/playout/internal/metrics"
	"github.com/zsiec/playout/internal/output"
	"github.com/zsiec/playout/internal/stats"
	"github.com/zsiec/playout/media"
)

// queryTimeout bounds how long a request waits on a channel's queue.
const queryTimeout = 2 * time.Second

// OutputLookup returns the consumer stats of a channel's output, or nil.
type OutputLookup func(channel int) []output.ConsumerStats

// Config holds the listen addresses, certificate and data sources of the
// status API.
type Config struct {
	Addr     string // HTTPS (TCP)
	H3Addr   string // HTTP/3 (UDP); empty disables it
	Cert     *certs.CertInfo
	Channels *channel.Manager
	Outputs  OutputLookup
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// ChannelInfo is the summary returned by GET /api/channels.
type ChannelInfo struct {
	Index     int     `json:"index"`
	Format    string  `json:"format"`
	Ticks     uint64  `json:"ticks"`
	FrameRate float64 `json:"frameRate"`
	LateTicks int64   `json:"lateTicks"`
	Layers    int     `json:"layers"`
}

// ChannelDetail is the response for GET /api/channels/{id}.
type ChannelDetail struct {
	Stats   stats.ChannelSnapshot  `json:"stats"`
	Layers  []layer.Info           `json:"layers"`
	Outputs []output.ConsumerStats `json:"outputs"`
}

type certHashResponse struct {
	Hash   string `json:"hash"`
	Hex    string `json:"hex"`
	Addr   string `json:"addr"`
	H3Addr string `json:"h3Addr,omitempty"`
}

// Server is the status API.
type Server struct {
	config Config
	log    *slog.Logger
	h3     *http3.Server
}

// NewServer validates config and builds a Server.
func NewServer(config Config) (*Server, error) {
	if config.Cert == nil {
		return nil, errors.New("api: Cert is required")
	}
	if config.Addr == "" {
		return nil, errors.New("api: Addr is required")
	}
	if config.Channels == nil {
		return nil, errors.New("api: Channels is required")
	}
	log := config.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Server{config: config, log: log.With("component", "api")}, nil
}

// Handler returns the router shared by the HTTPS and HTTP/3 listeners.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(logger.RequestLogger(s.log))
	r.Use(metrics.RequestMiddleware(s.config.Metrics))
	r.Use(corsMiddleware)
	if s.h3 != nil {
		r.Use(s.altSvcMiddleware)
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", s.handleListChannels)
		r.Get("/channels/{id}", s.handleChannel)
		r.Get("/channels/{id}/layers", s.handleLayers)
		r.Get("/formats", s.handleFormats)
		r.Get("/cert-hash", s.handleCertHash)
	})
	if s.config.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.config.Metrics.Handler(nil))
	}
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	return r
}

// Start serves HTTPS, and HTTP/3 when H3Addr is set, until ctx is
// cancelled or a listener fails.
func (s *Server) Start(ctx context.Context) error {
	if s.config.H3Addr != "" {
		s.h3 = &http3.Server{
			Addr:      s.config.H3Addr,
			TLSConfig: http3.ConfigureTLSConfig(s.config.Cert.TLSConfig()),
			QUICConfig: &quic.Config{
				MaxIdleTimeout: 30 * time.Second,
			},
		}
	}
	handler := s.Handler()

	httpsSrv := &http.Server{
		Addr:              s.config.Addr,
		Handler:           handler,
		TLSConfig:         s.config.Cert.TLSConfig("h2", "http/1.1"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s.log.Info("HTTPS API listening", "addr", s.config.Addr)
		if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("API server: %w", err)
		}
		return nil
	})

	if s.h3 != nil {
		s.h3.Handler = handler
		g.Go(func() error {
			s.log.Info("HTTP/3 API listening", "addr", s.config.H3Addr)
			err := s.h3.ListenAndServe()
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("HTTP/3 server: %w", err)
		})
	}

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.h3 != nil {
			s.h3.Close()
		}
		return httpsSrv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

func (s *Server) altSvcMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.ProtoMajor < 3 {
			if err := s.h3.SetQUICHeaders(w.Header()); err != nil {
				s.log.Debug("alt-svc header", "error", err)
			}
		}
		next.ServeHTTP(w, r)
	})
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encoding JSON response", "error", err)
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *Server) handleListChannels(w http.ResponseWriter, _ *http.Request) {
	channels := s.config.Channels.List()
	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		snap := ch.Stats().Snapshot()
		infos = append(infos, ChannelInfo{
			Index:     ch.Index(),
			Format:    ch.Format().Name,
			Ticks:     ch.Ticks(),
			FrameRate: snap.Ticks.FrameRate,
			LateTicks: snap.Ticks.LateTicks,
			Layers:    snap.Layers.Active,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

// lookup resolves {id}, writing the error response itself on failure.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (*channel.Channel, bool) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "channel id must be an integer")
		return nil, false
	}
	ch, ok := s.config.Channels.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "channel not found")
		return nil, false
	}
	return ch, true
}

func (s *Server) layers(r *http.Request, ch *channel.Channel) ([]layer.Info, error) {
	ctx, cancel := context.WithTimeout(r.Context(), queryTimeout)
	defer cancel()
	infos, err := ch.Layers().Wait(ctx)
	if err != nil {
		return nil, err
	}
	if infos == nil {
		infos = []layer.Info{}
	}
	return infos, nil
}

func (s *Server) writeLayerError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, channel.ErrClosed):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "channel did not answer in time")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	infos, err := s.layers(r, ch)
	if err != nil {
		s.writeLayerError(w, err)
		return
	}
	detail := ChannelDetail{
		Stats:   ch.Stats().Snapshot(),
		Layers:  infos,
		Outputs: []output.ConsumerStats{},
	}
	if s.config.Outputs != nil {
		if outs := s.config.Outputs(ch.Index()); outs != nil {
			detail.Outputs = outs
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleLayers(w http.ResponseWriter, r *http.Request) {
	ch, ok := s.lookup(w, r)
	if !ok {
		return
	}
	infos, err := s.layers(r, ch)
	if err != nil {
		s.writeLayerError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleFormats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, media.Formats())
}

func (s *Server) handleCertHash(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, certHashResponse{
		Hash:   s.config.Cert.FingerprintBase64(),
		Hex:    s.config.Cert.FingerprintHex(),
		Addr:   s.config.Addr,
		H3Addr: s.config.H3Addr,
	})
}
