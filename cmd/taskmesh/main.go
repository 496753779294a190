package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/hupe1980/taskmesh/agent"
	"github.com/hupe1980/taskmesh/bus"
	"github.com/hupe1980/taskmesh/executor"
	"github.com/hupe1980/taskmesh/logging"
	"github.com/hupe1980/taskmesh/model"
	"github.com/hupe1980/taskmesh/model/anthropic"
	"github.com/hupe1980/taskmesh/model/openai"
	"github.com/hupe1980/taskmesh/scheduler"
	"github.com/hupe1980/taskmesh/server"
	"github.com/hupe1980/taskmesh/store"
	"github.com/hupe1980/taskmesh/store/postgres"
	"github.com/hupe1980/taskmesh/tool"
)

var rootCmd = &cobra.Command{
	Use:   "taskmesh",
	Short: "Agent execution core: task graphs, step loops and an HTTP surface",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP server",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file loaded, relying on the environment")
		}

		addr, _ := cmd.Flags().GetString("addr")
		db, _ := cmd.Flags().GetString("db")
		provider, _ := cmd.Flags().GetString("provider")
		maxConcurrent, _ := cmd.Flags().GetInt("max-concurrent")

		logger := logging.NewDefaultSlogLogger()

		st, closeStore, err := openStore(db)
		if err != nil {
			return err
		}
		defer closeStore()

		mdl, err := newModel(provider)
		if err != nil {
			return err
		}

		registry, err := tool.NewRegistry(
			tool.NewCalculatorTool(),
			tool.NewCurrentTimeTool(),
			tool.NewEchoTool(),
		)
		if err != nil {
			return err
		}

		b := bus.New()
		exec := executor.New(registry, mdl, func(o *executor.Options) { o.Logger = logger })
		sched := scheduler.New(st, b, exec, func(o *scheduler.Options) {
			o.MaxConcurrent = maxConcurrent
			o.SynthesisModel = mdl
			o.Logger = logger
		})
		loop := agent.NewStepLoop(agent.NewModelPlanner(mdl), exec, registry, st)

		srv := server.New(st, b, sched, func(o *server.Options) {
			o.Addr = addr
			o.StepLoop = loop
			o.Logger = logger
		})

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		return srv.Run(ctx)
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply database schema migrations",
	RunE: func(cmd *cobra.Command, _ []string) error {
		if err := godotenv.Load(); err != nil {
			fmt.Println("no .env file loaded, relying on the environment")
		}

		db, _ := cmd.Flags().GetString("db")
		connStr, err := resolveConnStr(db)
		if err != nil {
			return err
		}

		pg, err := postgres.New(connStr)
		if err != nil {
			return err
		}
		defer pg.Close()

		if err := pg.Migrate(); err != nil {
			return err
		}

		fmt.Println("migrations applied")
		return nil
	},
}

func openStore(db string) (store.Store, func(), error) {
	if db == "" {
		if os.Getenv("DATABASE_URL") == "" {
			return store.NewInMemoryStore(), func() {}, nil
		}
		db = os.Getenv("DATABASE_URL")
	}

	pg, err := postgres.New(db)
	if err != nil {
		return nil, nil, err
	}
	return pg, func() { _ = pg.Close() }, nil
}

func resolveConnStr(db string) (string, error) {
	if db != "" {
		return db, nil
	}
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url, nil
	}
	return "", fmt.Errorf("--db flag or DATABASE_URL required")
}

func newModel(provider string) (model.Model, error) {
	switch provider {
	case "anthropic":
		return anthropic.NewModel(), nil
	case "openai":
		return openai.NewModel(), nil
	case "mock":
		return model.NewMockModel("mock"), nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", provider)
	}
}

func main() {
	serveCmd.Flags().String("addr", ":8080", "HTTP listen address")
	serveCmd.Flags().String("db", "", "Postgres connection string (in-memory store when unset)")
	serveCmd.Flags().String("provider", "mock", "Model provider: anthropic, openai or mock")
	serveCmd.Flags().Int("max-concurrent", 4, "Shared subtask concurrency bound")

	migrateCmd.Flags().String("db", "", "Postgres connection string (or DATABASE_URL)")

	rootCmd.AddCommand(serveCmd, migrateCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
