package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/etl"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/internal/model"
	"github.com/renaudjmathieu/serverless-full-stack-apps-azure-synapse/pkg/websearch"
)

const (
	helloMessage  = "HttpTrigger1 function processed a request!!!"
	hello2Message = "HttpTrigger2 function processed a request!!!"
)

// runFunc executes one ETL run.
type runFunc func(ctx context.Context, opts etl.RunOptions) (*etl.Report, error)

// triggerHandler serves the HTTP triggers.
type triggerHandler struct {
	run          runFunc
	options      func(ref time.Time) etl.RunOptions
	search       websearch.Client // nil disables /api/search
	redact       func(string) string
	legacyStatus bool
	timeout      time.Duration
	dateLayout   string
	now          func() time.Time
}

type triggerResponse struct {
	Status  string      `json:"status"`
	Message string      `json:"message"`
	Report  *etl.Report `json:"report,omitempty"`
}

func (h *triggerHandler) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Route("/api", func(r chi.Router) {
		r.Get("/hello", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(helloMessage))
		})
		r.Get("/hello2", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(hello2Message))
		})
		r.Get("/etl", h.handleETL)
		r.Post("/etl", h.handleETL)
		r.Get("/search", h.handleSearch)
	})
	return r
}

func (h *triggerHandler) handleETL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	layout := q.Get("format")
	if layout == "" {
		layout = h.dateLayout
	}
	ref, err := etl.ParseReferenceDate(q.Get("date"), layout, h.now().UTC())
	if err != nil {
		h.fail(w, http.StatusBadRequest, err, nil)
		return
	}

	timeout := h.timeout
	if v := q.Get("timeout"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			h.fail(w, http.StatusBadRequest, eris.Errorf("invalid timeout %q", v), nil)
			return
		}
		timeout = d
	}

	ctx, cancel := withOptionalTimeout(r.Context(), timeout)
	defer cancel()

	report, err := h.run(ctx, h.options(ref))
	if err != nil {
		h.fail(w, statusFor(err), err, report)
		return
	}

	msg := fmt.Sprintf("ETL completed: %d files, %d groups, %d archived", len(report.Selected), report.Groups, report.Archived)
	if report.Artifact != nil {
		msg += ", artifact " + report.Artifact.Path
	}
	writeJSON(w, http.StatusOK, triggerResponse{Status: "success", Message: msg, Report: report})
}

func (h *triggerHandler) handleSearch(w http.ResponseWriter, r *http.Request) {
	if h.search == nil {
		h.fail(w, http.StatusServiceUnavailable, eris.New("web search is not configured"), nil)
		return
	}
	query := r.URL.Query().Get("q")
	if query == "" {
		h.fail(w, http.StatusBadRequest, eris.New("query parameter q is required"), nil)
		return
	}

	resp, err := h.search.Search(r.Context(), query)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, model.ErrUnauthorized) {
			status = http.StatusUnauthorized
		}
		h.fail(w, status, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// fail writes a redacted error body. With legacy status enabled the HTTP
// status is always 200.
func (h *triggerHandler) fail(w http.ResponseWriter, status int, err error, report *etl.Report) {
	msg := err.Error()
	if h.redact != nil {
		msg = h.redact(msg)
	}
	zap.L().Warn("trigger request failed", zap.Int("status", status), zap.String("error", msg))

	if report != nil {
		report.Error = msg
	}
	if h.legacyStatus {
		status = http.StatusOK
	}
	writeJSON(w, status, triggerResponse{Status: "error", Message: msg, Report: report})
}

// statusFor maps a run error to an HTTP status. Rejected credentials anywhere
// in the chain answer 401 regardless of the step that hit them.
func statusFor(err error) int {
	switch {
	case etl.KindOf(err) == etl.KindTimeout:
		return http.StatusGatewayTimeout
	case etl.Unauthorized(err):
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP trigger server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate("serve"); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		h := &triggerHandler{
			run: func(ctx context.Context, opts etl.RunOptions) (*etl.Report, error) {
				return etl.NewOrchestrator(env.Deps()).Run(ctx, opts)
			},
			options:      func(ref time.Time) etl.RunOptions { return runOptions(cfg, ref) },
			redact:       env.Secrets.Redact,
			legacyStatus: cfg.Server.LegacyStatus,
			timeout:      runTimeout(cfg),
			dateLayout:   cfg.ETL.DateLayout,
			now:          time.Now,
		}

		if cfg.Search.KeySecret != "" {
			key, err := env.Secrets.Get(ctx, cfg.Search.KeySecret)
			if err != nil {
				zap.L().Warn("search key unavailable, /api/search disabled", zap.Error(err))
			} else {
				h.search = websearch.NewClient(key,
					websearch.WithBaseURL(cfg.Search.BaseURL),
					websearch.WithMarket(cfg.Search.Market),
					websearch.WithCount(cfg.Search.Count),
					websearch.WithRateLimit(cfg.Search.RateLimit),
				)
			}
		}

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           h.routes(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
