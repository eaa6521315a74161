package server

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"os"

	"github.com/gin-gonic/gin"

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/config"
	"github.com/agenthands/rubric/internal/engine"
	"github.com/agenthands/rubric/internal/grading"
	"github.com/agenthands/rubric/internal/llm"
	"github.com/agenthands/rubric/internal/notebook"
	"github.com/agenthands/rubric/internal/store"
)

type Server struct {
	Engine *engine.Engine
	Store  *store.Store
}

func NewServer() *Server {
	cfgPath := os.Getenv("CONFIG_PATH")
	if cfgPath == "" {
		cfgPath = "config/config.toml"
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("Warning: could not load %s: %v. Using defaults.", cfgPath, err)
		cfg = config.Default()
	}
	cfg.ApplyEnvOverrides()

	ctx := context.Background()

	codeClient, err := llm.NewClient(ctx, cfg.LLM.Code)
	if err != nil {
		log.Fatalf("Failed to initialize code backend: %v", err)
	}
	feedbackClient, err := llm.NewClient(ctx, cfg.LLM.Feedback)
	if err != nil {
		log.Fatalf("Failed to initialize feedback backend: %v", err)
	}

	orch := analysis.NewOrchestrator(
		codeClient,
		feedbackClient,
		llm.HealthPolicyFor(cfg),
		cfg.LLMTimeout(),
		cfg.Prompts,
	)

	st, err := store.Open(ctx, cfg.Store.DSN)
	if err != nil {
		log.Fatalf("Failed to open results store: %v", err)
	}

	return &Server{
		Engine: engine.New(orch, st, cfg.SubmissionTimeout()),
		Store:  st,
	}
}

func (s *Server) SetupRouter() *gin.Engine {
	r := gin.Default()

	r.POST("/grade", s.Grade)
	r.GET("/runs", s.ListRuns)
	r.GET("/runs/:id", s.GetRun)
	r.GET("/runs/:id/status", s.RunStatus)

	return r
}

type GradeRequest struct {
	Spec     json.RawMessage `json:"spec" binding:"required"`
	Student  json.RawMessage `json:"student" binding:"required"`
	Solution json.RawMessage `json:"solution" binding:"required"`
	// Async returns a run id immediately; the caller polls
	// /runs/:id/status and fetches /runs/:id when finalized.
	Async bool `json:"async"`
}

func (s *Server) Grade(c *gin.Context) {
	var req GradeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request"})
		return
	}

	spec, err := grading.ParseSpec(req.Spec)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if req.Async {
		runID := s.Engine.NewRun()
		go func() {
			// Detached from the request: the submission timeout inside
			// the engine bounds this run, not the HTTP connection.
			if _, err := s.Engine.GradeRun(context.Background(), runID, req.Student, req.Solution, spec); err != nil {
				log.Printf("Async grading run %s failed: %v", runID, err)
			}
		}()
		c.JSON(http.StatusAccepted, gin.H{"run_id": runID})
		return
	}

	result, err := s.Engine.Grade(c.Request.Context(), req.Student, req.Solution, spec)
	if err != nil {
		var perr *notebook.ParseError
		if errors.As(err, &perr) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "manual_handling": true})
			return
		}
		log.Printf("Grading failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Grading failed"})
		return
	}

	c.JSON(http.StatusOK, result)
}

func (s *Server) RunStatus(c *gin.Context) {
	status, ok := s.Engine.Status(c.Param("id"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "Unknown run"})
		return
	}
	c.JSON(http.StatusOK, status)
}

func (s *Server) GetRun(c *gin.Context) {
	result, err := s.Store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Run not found"})
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) ListRuns(c *gin.Context) {
	runs, err := s.Store.List(c.Request.Context(), 50)
	if err != nil {
		log.Printf("Failed to list runs: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to list runs"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}
