package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"

	"github.com/fieldbridge/fieldbridge/pkg/bridge"
	"github.com/fieldbridge/fieldbridge/pkg/log"
	"github.com/fieldbridge/fieldbridge/pkg/metrics"
	"github.com/fieldbridge/fieldbridge/pkg/types"
)

// probeTimeout bounds the sink diagnostic endpoints
const probeTimeout = 15 * time.Second

// Controller is the slice of the bridge the API drives
type Controller interface {
	Status() bridge.Status
	ListSources() []bridge.SourceStatus
	GetSource(name string) (bridge.SourceStatus, bool)
	AddSource(ctx context.Context, src *types.Source) error
	AddSourceFromTD(ctx context.Context, name, tdURL string) (*types.Source, error)
	StartSource(ctx context.Context, name string) error
	StopSource(name string) error
	RemoveSource(name string) error
	InspectTD(ctx context.Context, tdURL string) (*types.ThingConfig, error)
	TestAuth(ctx context.Context) error
	TestIngest(ctx context.Context) error
}

// Server is the management HTTP server
type Server struct {
	echo   *echo.Echo
	ctrl   Controller
	listen string
	logger zerolog.Logger
}

// New creates the management server and registers its routes
func New(listen string, ctrl Controller) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:   e,
		ctrl:   ctrl,
		listen: listen,
		logger: log.WithComponent("api"),
	}

	e.GET("/healthz", s.health)
	e.GET("/metrics", echo.WrapHandler(metrics.Handler()))

	g := e.Group("/api")
	g.GET("/status", s.status)
	g.GET("/metrics", s.counters)
	g.GET("/sources", s.listSources)
	g.GET("/sources/:name", s.getSource)
	g.POST("/sources", s.addSource)
	g.POST("/sources/from-td", s.addSourceFromTD)
	g.POST("/sources/:name/start", s.startSource)
	g.POST("/sources/:name/stop", s.stopSource)
	g.DELETE("/sources/:name", s.removeSource)
	g.POST("/td/inspect", s.inspectTD)
	g.POST("/sink/test_auth", s.testAuth)
	g.POST("/sink/test_ingest", s.testIngest)

	return s
}

// Start serves until ctx is cancelled
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("listen", s.listen).Msg("Management API listening")
		errCh <- s.echo.Start(s.listen)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) status(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Status())
}

func (s *Server) counters(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.Status().Counters)
}

func (s *Server) listSources(c echo.Context) error {
	return c.JSON(http.StatusOK, s.ctrl.ListSources())
}

func (s *Server) getSource(c echo.Context) error {
	st, ok := s.ctrl.GetSource(c.Param("name"))
	if !ok {
		return c.JSON(http.StatusNotFound, errBody("source not found"))
	}
	return c.JSON(http.StatusOK, st)
}

func (s *Server) addSource(c echo.Context) error {
	var src types.Source
	if err := c.Bind(&src); err != nil {
		return c.JSON(http.StatusBadRequest, errBody("invalid source document"))
	}
	if err := s.ctrl.AddSource(c.Request().Context(), &src); err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, map[string]string{"name": src.Name})
}

// tdRequest is the body for TD-driven endpoints. The TD location is accepted
// under either key.
type tdRequest struct {
	Name             string `json:"name"`
	URL              string `json:"url"`
	ThingDescription string `json:"thing_description"`
}

func (r tdRequest) tdURL() string {
	if r.URL != "" {
		return r.URL
	}
	return r.ThingDescription
}

func (s *Server) addSourceFromTD(c echo.Context) error {
	var req tdRequest
	if err := c.Bind(&req); err != nil || req.tdURL() == "" {
		return c.JSON(http.StatusBadRequest, errBody("name and thing_description are required"))
	}
	src, err := s.ctrl.AddSourceFromTD(c.Request().Context(), req.Name, req.tdURL())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusCreated, src)
}

func (s *Server) startSource(c echo.Context) error {
	if err := s.ctrl.StartSource(c.Request().Context(), c.Param("name")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) stopSource(c echo.Context) error {
	if err := s.ctrl.StopSource(c.Param("name")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) removeSource(c echo.Context) error {
	if err := s.ctrl.RemoveSource(c.Param("name")); err != nil {
		return s.fail(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) inspectTD(c echo.Context) error {
	var req tdRequest
	if err := c.Bind(&req); err != nil || req.tdURL() == "" {
		return c.JSON(http.StatusBadRequest, errBody("url is required"))
	}
	tc, err := s.ctrl.InspectTD(c.Request().Context(), req.tdURL())
	if err != nil {
		return s.fail(c, err)
	}
	return c.JSON(http.StatusOK, tc)
}

func (s *Server) testAuth(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
	defer cancel()
	if err := s.ctrl.TestAuth(ctx); err != nil {
		return c.JSON(http.StatusBadGateway, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]string{"result": "ok"})
}

func (s *Server) testIngest(c echo.Context) error {
	ctx, cancel := context.WithTimeout(c.Request().Context(), probeTimeout)
	defer cancel()
	if err := s.ctrl.TestIngest(ctx); err != nil {
		return c.JSON(http.StatusBadGateway, errBody(err.Error()))
	}
	return c.JSON(http.StatusOK, map[string]string{"result": "ok"})
}

// fail maps pipeline errors onto HTTP status codes
func (s *Server) fail(c echo.Context, err error) error {
	code := http.StatusInternalServerError
	if errors.Is(err, bridge.ErrNotFound) {
		code = http.StatusNotFound
	} else {
		switch types.ClassOf(err) {
		case types.ErrConfig, types.ErrCertificate:
			code = http.StatusBadRequest
		case types.ErrAuth, types.ErrTransport:
			code = http.StatusBadGateway
		}
	}
	return c.JSON(code, errBody(err.Error()))
}

func errBody(msg string) map[string]string {
	return map[string]string{"error": msg}
}
