// gradectl grades one submission from files and prints the result as
// JSON. With -evidence-only it skips the generative backends entirely,
// which is useful for spot-checking the deterministic validators.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"

	"github.com/agenthands/rubric/internal/analysis"
	"github.com/agenthands/rubric/internal/config"
	"github.com/agenthands/rubric/internal/engine"
	"github.com/agenthands/rubric/internal/grading"
	"github.com/agenthands/rubric/internal/llm"
)

func main() {
	var (
		specPath     = flag.String("spec", "", "assignment spec JSON")
		studentPath  = flag.String("student", "", "student notebook")
		solutionPath = flag.String("solution", "", "solution notebook")
		configPath   = flag.String("config", "", "config TOML (optional)")
		evidenceOnly = flag.Bool("evidence-only", false, "skip generative backends")
	)
	flag.Parse()

	if *specPath == "" || *studentPath == "" || *solutionPath == "" {
		fmt.Fprintln(os.Stderr, "usage: gradectl -spec spec.json -student nb.ipynb -solution sol.ipynb [-config config.toml] [-evidence-only]")
		os.Exit(2)
	}

	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using defaults")
	}

	var cfg *config.Config
	if *configPath != "" {
		var err error
		cfg, err = config.Load(*configPath)
		if err != nil {
			log.Fatalf("Failed to load config: %v", err)
		}
	} else {
		cfg = config.Default()
	}
	cfg.ApplyEnvOverrides()

	spec, err := grading.LoadSpec(*specPath)
	if err != nil {
		log.Fatal(err)
	}
	student, err := os.ReadFile(*studentPath)
	if err != nil {
		log.Fatal(err)
	}
	solution, err := os.ReadFile(*solutionPath)
	if err != nil {
		log.Fatal(err)
	}

	ctx := context.Background()

	var orch *analysis.Orchestrator
	if !*evidenceOnly {
		codeClient, err := llm.NewClient(ctx, cfg.LLM.Code)
		if err != nil {
			log.Fatalf("Failed to initialize code backend: %v", err)
		}
		feedbackClient, err := llm.NewClient(ctx, cfg.LLM.Feedback)
		if err != nil {
			log.Fatalf("Failed to initialize feedback backend: %v", err)
		}
		orch = analysis.NewOrchestrator(
			codeClient,
			feedbackClient,
			llm.HealthPolicyFor(cfg),
			cfg.LLMTimeout(),
			cfg.Prompts,
		)
	}

	eng := engine.New(orch, nil, cfg.SubmissionTimeout())
	result, err := eng.Grade(ctx, student, solution, spec)
	if err != nil {
		log.Fatalf("Grading failed: %v", err)
	}

	out, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Println(string(out))
}
