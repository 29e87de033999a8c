// Command flowgate runs workflow definitions through the gateway.
//
// Usage:
//
//	flowgate run --config flowgate.yaml --type onboarding --input '{"user": 1}'
//	flowgate health --config flowgate.yaml
//	flowgate definitions --config flowgate.yaml
//	flowgate version
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/k0kubun/pp/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sasha-s/go-deadlock"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/davidroman0O/flowgate"
	"github.com/davidroman0O/flowgate/internal/config"
	"github.com/davidroman0O/flowgate/types"
)

var (
	Version   = "dev"
	GitCommit = "unknown"
)

func init() {
	_, _ = maxprocs.Set()

	deadlock.Opts.DeadlockTimeout = 30 * time.Second
	deadlock.Opts.OnPotentialDeadlock = func() {
		log.Println("POTENTIAL DEADLOCK DETECTED!")
		buf := make([]byte, 1<<16)
		n := runtime.Stack(buf, true)
		log.Printf("Goroutine stack dump:\n%s", buf[:n])
		os.Exit(2)
	}
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "run":
		err = runWorkflow(ctx, os.Args[2:])
	case "health":
		err = runHealth(ctx, os.Args[2:])
	case "definitions":
		err = runDefinitions(ctx, os.Args[2:])
	case "version":
		fmt.Printf("flowgate %s (%s)\n", Version, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "flowgate %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`flowgate - workflow gateway

Commands:
  run           start a workflow and wait for it to finish
  health        probe the remote cluster and print the gateway mode
  definitions   list the loaded workflow definitions
  version       print the version`)
}

func loadConfig(fs *flag.FlagSet, args []string) (*config.Config, error) {
	path := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	loader := config.NewLoader()
	if *path != "" {
		loader = loader.WithConfigPath(*path)
	}
	return loader.Load()
}

func runWorkflow(ctx context.Context, args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	workflowType := fs.String("type", "", "Workflow definition id or name")
	workflowID := fs.String("id", "", "Workflow id, generated when empty")
	rawInput := fs.String("input", "", "JSON input")
	timeout := fs.Duration("timeout", 0, "Execution timeout, the definition's when zero")
	cfg, err := loadConfig(fs, args)
	if err != nil {
		return err
	}

	var input any
	if *rawInput != "" {
		if err := json.Unmarshal([]byte(*rawInput), &input); err != nil {
			return fmt.Errorf("parsing --input: %w", err)
		}
	}

	reg := prometheus.NewRegistry()
	fg, err := flowgate.New(ctx, options(cfg, reg)...)
	if err != nil {
		return err
	}
	defer fg.Close()

	if cfg.Metrics.Addr != "" {
		srv := serveMetrics(cfg.Metrics.Addr, reg)
		defer srv.Close()
	}

	exec, err := fg.StartWorkflow(ctx, *workflowType, input, types.StartOptions{
		WorkflowID:       *workflowID,
		ExecutionTimeout: *timeout,
	})
	if err != nil {
		return err
	}
	done, err := fg.Wait(ctx, exec.WorkflowID)
	if err != nil {
		return err
	}
	pp.Println(done)
	if done.State != types.WorkflowStateCompleted {
		return fmt.Errorf("workflow %s finished %s: %s", done.WorkflowID, done.State, done.Error)
	}
	return nil
}

func runHealth(ctx context.Context, args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("health", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	fg, err := flowgate.New(ctx, options(cfg, nil)...)
	if err != nil {
		return err
	}
	defer fg.Close()

	pp.Println(fg.Health(ctx))
	return nil
}

func runDefinitions(ctx context.Context, args []string) error {
	cfg, err := loadConfig(flag.NewFlagSet("definitions", flag.ExitOnError), args)
	if err != nil {
		return err
	}
	fg, err := flowgate.New(ctx, options(cfg, nil)...)
	if err != nil {
		return err
	}
	defer fg.Close()

	for _, def := range fg.Definitions() {
		pp.Println(def)
	}
	return nil
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("metrics server: %v", err)
		}
	}()
	return srv
}
