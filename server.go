package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
)

const (
	maxIconSize  = 512
	maxCanvasDim = 8192
)

// Server exposes the donor grid over HTTP.
type Server struct {
	cfg      *Config
	source   DonationSource
	acquirer *Acquirer
	renderer *Renderer
	metrics  *Metrics
	echo     *echo.Echo
	log      zerolog.Logger
}

func NewServer(cfg *Config, source DonationSource, acquirer *Acquirer, renderer *Renderer, metrics *Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		source:   source,
		acquirer: acquirer,
		renderer: renderer,
		metrics:  metrics,
		echo:     echo.New(),
		log:      componentLogger("server"),
	}
	e := s.echo
	e.HideBanner = true
	e.HidePort = true
	e.Server.IdleTimeout = cfg.Server.IdleTimeout.Std()
	e.Use(RequestLogger(metrics))
	e.Use(middleware.Recover())

	e.GET("/metrics", s.handleMetrics)
	e.GET("/:org/layout", s.handleLayout)
	e.GET("/:org", s.handleGrid)
	e.Any("/*", s.handleRedirect)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.echo
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("address", s.cfg.Server.Address).Msg("starting server")
		errCh <- s.echo.Start(s.cfg.Server.Address)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.log.Info().Msg("shutting down")
	if err := s.echo.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// layoutRequest reads sizing from the query. Missing, zero or invalid
// values fall back to the configured defaults; "auto" clears a canvas
// dimension so it is derived from the grid.
func (s *Server) layoutRequest(c echo.Context) (LayoutRequest, error) {
	g := s.cfg.Grid
	req := LayoutRequest{
		IconSize:        queryInt(c, "icon_size", g.IconSize),
		Gap:             queryInt(c, "gap", g.Gap),
		MaxColumns:      queryInt(c, "columns", g.MaxColumns),
		MaxRows:         queryInt(c, "rows", g.MaxRows),
		RequestedWidth:  queryInt(c, "width", g.Width),
		RequestedHeight: queryInt(c, "height", g.Height),
	}
	if req.IconSize <= 0 {
		req.IconSize = DefaultIconSize
	}
	if req.IconSize > maxIconSize {
		return req, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("icon_size must be at most %d", maxIconSize))
	}
	if req.RequestedWidth > maxCanvasDim || req.RequestedHeight > maxCanvasDim {
		return req, echo.NewHTTPError(http.StatusBadRequest, fmt.Sprintf("canvas must be at most %dx%d", maxCanvasDim, maxCanvasDim))
	}
	return req, nil
}

func queryInt(c echo.Context, name string, def int) int {
	raw := strings.TrimSpace(c.QueryParam(name))
	if raw == "auto" {
		return 0
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v <= 0 {
		return def
	}
	return v
}

func checkCanvas(l LayoutResult) error {
	if l.CanvasWidth > maxCanvasDim || l.CanvasHeight > maxCanvasDim {
		return echo.NewHTTPError(http.StatusBadRequest,
			fmt.Sprintf("layout needs a %dx%d canvas; limit columns or rows", l.CanvasWidth, l.CanvasHeight))
	}
	return nil
}

func (s *Server) handleGrid(c echo.Context) error {
	org := c.Param("org")
	req, err := s.layoutRequest(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	logger := zerolog.Ctx(ctx)
	logger.Info().Str("org", org).Int("icon_size", req.IconSize).Int("gap", req.Gap).Msg("generating grid")

	urls := s.source.AvatarURLs(ctx, org, req.IconSize)
	_, planned := PlanAcquisition(urls, req)
	if err := checkCanvas(planned); err != nil {
		return err
	}
	acq, err := s.acquirer.AcquireAvatars(ctx, urls, req)
	if err != nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "request cancelled").SetInternal(err)
	}

	var img []byte
	if len(acq.Images) == 0 {
		img, err = s.renderer.RenderNoDonors(org)
	} else {
		img, err = s.renderer.RenderGrid(acq.Images, acq.Layout, req.IconSize, req.Gap)
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "rendering failed").SetInternal(err)
	}

	c.Response().Header().Set("Cache-Control", s.cfg.Server.CacheControl)
	return c.Blob(http.StatusOK, "image/png", img)
}

type layoutResponse struct {
	Org     string       `json:"org"`
	Donors  int          `json:"donors"`
	Avatars []string     `json:"avatars"`
	Layout  LayoutResult `json:"layout"`
}

// handleLayout reports the layout and the avatars that would be fetched
// without fetching them.
func (s *Server) handleLayout(c echo.Context) error {
	org := c.Param("org")
	req, err := s.layoutRequest(c)
	if err != nil {
		return err
	}
	urls := s.source.AvatarURLs(c.Request().Context(), org, req.IconSize)
	unique, layout := PlanAcquisition(urls, req)
	res := layoutResponse{Org: org, Donors: len(urls), Avatars: unique, Layout: layout}

	w := c.Response()
	w.Header().Set(echo.HeaderContentType, echo.MIMEApplicationJSONCharsetUTF8)
	body := brotli.HTTPCompressor(w, c.Request())
	defer body.Close()
	w.WriteHeader(http.StatusOK)

	enc := json.NewEncoder(body)
	if s.cfg.Debug.PrettyJson {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(res)
}

func (s *Server) handleMetrics(c echo.Context) error {
	if c.QueryParam("format") == "json" {
		return c.JSON(http.StatusOK, s.metrics.SnapshotJSON())
	}
	var b strings.Builder
	for _, line := range s.metrics.SnapshotLines() {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return c.String(http.StatusOK, b.String())
}

func (s *Server) handleRedirect(c echo.Context) error {
	return c.Redirect(http.StatusFound, s.cfg.Server.RedirectURL)
}
