// Package httpapi is the public HTTP interface of the catalog: document
// creation and the attachment upload, listing, download and delete routes.
package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/dmitrijs2005/doccatalog/internal/logging"
)

const shutdownTimeout = 10 * time.Second

// Options wires the server to its collaborators.
type Options struct {
	Address        string
	Attachments    Attachments
	Documents      Documents
	DB             Pinger
	JWTSecret      []byte
	MaxUploadBytes int64
	AllowedOrigins []string
	Gatherer       prometheus.Gatherer
	Logger         logging.Logger
}

type Server struct {
	address        string
	attachments    Attachments
	documents      Documents
	db             Pinger
	jwtSecret      []byte
	maxUploadBytes int64
	logger         logging.Logger
	engine         *gin.Engine
}

func NewServer(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = logging.Nop()
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		address:        opts.Address,
		attachments:    opts.Attachments,
		documents:      opts.Documents,
		db:             opts.DB,
		jwtSecret:      opts.JWTSecret,
		maxUploadBytes: opts.MaxUploadBytes,
		logger:         opts.Logger.With("module", "http_server"),
	}

	engine := gin.New()
	engine.MaxMultipartMemory = 8 << 20
	engine.Use(requestIDMiddleware(), s.recoveryMiddleware(), s.accessLogMiddleware())

	corsConfig := cors.DefaultConfig()
	if len(opts.AllowedOrigins) == 0 || (len(opts.AllowedOrigins) == 1 && opts.AllowedOrigins[0] == "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = opts.AllowedOrigins
	}
	corsConfig.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	corsConfig.AllowHeaders = []string{"Origin", "Content-Type", "Authorization", requestIDHeader}
	corsConfig.ExposeHeaders = []string{requestIDHeader}
	engine.Use(cors.New(corsConfig))

	engine.GET("/healthz", s.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))

	api := engine.Group("/api/v1", s.authMiddleware())
	api.POST("/documents", s.createDocument)
	api.POST("/documents/:id/attachments", s.uploadAttachments)
	api.GET("/documents/:id/attachments", s.listAttachments)
	api.GET("/documents/:id/attachments/:name/url", s.presignURL)
	api.DELETE("/documents/:id/attachments/:name", s.deleteAttachment)

	s.engine = engine
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Run serves HTTP until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.address,
		Handler:           otelhttp.NewHandler(s.engine, "doccatalog.http"),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info(ctx, "Starting HTTP server", "address", s.address)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info(ctx, "Stopping HTTP server...")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
