package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"promptproof/internal/abtest"
	"promptproof/internal/engine"
	"promptproof/internal/rules"
	"promptproof/internal/types"
	"promptproof/internal/verification"
)

var serveAddr string

// serveCmd runs the HTTP facade
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the compilation engine over HTTP",
	Long: `Starts an HTTP server exposing the engine:

  POST /v1/compile                      compile one turn
  POST /v1/guard                        evaluate a candidate response
  POST /v1/compare                      snippets on/off comparison
  GET  /v1/scopes/:scopeId/diagnostics  scope health report
  GET  /v1/turns/:turnId                fetch one stored receipt`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", ":8787", "Listen address")
}

type guardRequest struct {
	// SystemPrompt, when present, supplies the rule-set via extraction;
	// RuleSet overrides it; with neither the defaults apply.
	SystemPrompt    string         `json:"systemPrompt,omitempty"`
	RuleSet         *types.RuleSet `json:"ruleSet,omitempty"`
	FieldsCollected []string       `json:"fieldsCollected,omitempty"`
	Candidate       string         `json:"candidate"`
}

type apiServer struct {
	eng *engine.Engine
	log *zap.Logger
}

func runServe(cmd *cobra.Command, args []string) error {
	eng, cleanup, err := newEngine()
	if err != nil {
		return err
	}
	defer cleanup()

	s := &apiServer{eng: eng, log: logger}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())

	v1 := e.Group("/v1")
	v1.POST("/compile", s.handleCompile)
	v1.POST("/guard", s.handleGuard)
	v1.POST("/compare", s.handleCompare)
	v1.GET("/scopes/:scopeId/diagnostics", s.handleDiagnostics)
	v1.GET("/turns/:turnId", s.handleGetTurn)
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	})

	errCh := make(chan error, 1)
	go func() {
		logger.Info("serving", zap.String("addr", serveAddr))
		if err := e.Start(serveAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-cmd.Context().Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return e.Shutdown(shutdownCtx)
}

func (s *apiServer) handleCompile(c echo.Context) error {
	var req engine.CompileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.LocationID == "" || req.AgentID == "" || req.SystemPrompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"locationId, agentId and systemPrompt are required")
	}

	result, err := s.eng.Compile(c.Request().Context(), req)
	if err != nil {
		s.log.Error("compile failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (s *apiServer) handleGuard(c echo.Context) error {
	var req guardRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.Candidate == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "candidate is required")
	}

	rs := rules.Default()
	switch {
	case req.RuleSet != nil:
		rs = *req.RuleSet
	case req.SystemPrompt != "":
		rs = rules.Extract(req.SystemPrompt).RuleSet
	}

	decision := s.eng.Guard(rs, req.FieldsCollected, req.Candidate)
	return c.JSON(http.StatusOK, decision)
}

func (s *apiServer) handleCompare(c echo.Context) error {
	var req engine.CompileRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if req.LocationID == "" || req.AgentID == "" || req.SystemPrompt == "" {
		return echo.NewHTTPError(http.StatusBadRequest,
			"locationId, agentId and systemPrompt are required")
	}

	result, err := abtest.RunComparison(c.Request().Context(), s.eng, req, nil)
	if err != nil {
		s.log.Error("comparison failed", zap.Error(err))
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, result)
}

func (s *apiServer) handleDiagnostics(c echo.Context) error {
	scopeID := c.Param("scopeId")

	var expected *verification.Expected
	if ph := c.QueryParam("promptHash"); ph != "" {
		expected = &verification.Expected{PromptHash: ph}
	}
	if sh := c.QueryParam("specHash"); sh != "" {
		if expected == nil {
			expected = &verification.Expected{}
		}
		expected.SpecHash = sh
	}

	report, err := s.eng.Diagnose(c.Request().Context(), scopeID, expected)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, report)
}

func (s *apiServer) handleGetTurn(c echo.Context) error {
	turnID := c.Param("turnId")

	att, err := s.eng.Store().Get(c.Request().Context(), turnID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if att == nil {
		return echo.NewHTTPError(http.StatusNotFound,
			fmt.Sprintf("no attestation recorded for turn %s", turnID))
	}
	return c.JSON(http.StatusOK, att)
}
