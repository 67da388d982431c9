// Command flowline runs declarative YAML workflows.
//
// Usage:
//
//	flowline run workflow.yaml --input name=world
//	flowline run workflow.yaml --resume
//	flowline validate workflow.yaml
//	flowline version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/flowline-dev/flowline/config"
	"github.com/flowline-dev/flowline/workflow"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = cmdRun(os.Args[2:])
	case "validate":
		err = cmdValidate(os.Args[2:])
	case "version":
		fmt.Printf("flowline %s (built %s, commit %s)\n", Version, BuildTime, GitCommit)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`flowline - declarative YAML workflow engine

Commands:
  run <file>       execute a workflow
  validate <file>  parse and validate a workflow without running it
  version          show version information

Run flags:
  --config <path>  configuration file
  --input k=v      workflow input (repeatable)
  --resume         resume from the latest checkpoint
  --only-step <n>  execute a single top-level step by index
  --skip-validate  skip semantic validation`)
}

// inputFlags collects repeated --input k=v pairs.
type inputFlags map[string]string

func (f inputFlags) String() string { return "" }

func (f inputFlags) Set(v string) error {
	k, val, ok := strings.Cut(v, "=")
	if !ok {
		return fmt.Errorf("input %q is not of the form key=value", v)
	}
	f[k] = val
	return nil
}

func cmdValidate(args []string) error {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("validate expects exactly one workflow file")
	}

	file, err := workflow.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}

	reg := builtinRegistry()
	result := workflow.ValidateSemantics(file, reg)
	for _, w := range result.Warnings {
		fmt.Println("warning:", w.String())
	}
	if !result.Valid {
		for _, e := range result.Errors {
			fmt.Println("error:", e.String())
		}
		return fmt.Errorf("workflow %q is invalid", file.Name)
	}
	fmt.Printf("workflow %q is valid (%d steps)\n", file.Name, len(file.Steps))
	return nil
}

func cmdRun(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "", "configuration file")
	resume := fs.Bool("resume", false, "resume from the latest checkpoint")
	onlyStep := fs.Int("only-step", -1, "execute a single top-level step by index")
	skipValidate := fs.Bool("skip-validate", false, "skip semantic validation")
	inputs := inputFlags{}
	fs.Var(inputs, "input", "workflow input as key=value (repeatable)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return fmt.Errorf("run expects exactly one workflow file")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	file, err := workflow.ParseFile(fs.Arg(0))
	if err != nil {
		return err
	}

	store, closeStore, err := buildCheckpointStore(cfg)
	if err != nil {
		return err
	}
	defer closeStore()

	exec := workflow.NewExecutor(builtinRegistry(),
		workflow.WithLogger(logger),
		workflow.WithCheckpointStore(store),
	)

	opts := []workflow.ExecuteOption{workflow.WithEventBuffer(cfg.Engine.EventBuffer)}
	if *resume {
		opts = append(opts, workflow.WithResume())
	}
	if *onlyStep >= 0 {
		opts = append(opts, workflow.WithOnlyStep(*onlyStep))
	}
	if *skipValidate || cfg.Engine.SkipValidation {
		opts = append(opts, workflow.SkipValidation())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	execution := exec.Execute(ctx, file, coerceInputs(file, inputs), opts...)

	go func() {
		<-ctx.Done()
		execution.Cancel()
	}()

	for ev := range execution.Events() {
		printEvent(ev)
	}

	result, err := execution.Result()
	if err != nil {
		return err
	}
	if !result.Success {
		if result.Cancelled {
			return fmt.Errorf("workflow %q cancelled", result.Workflow)
		}
		return fmt.Errorf("workflow %q failed at step %q: %s", result.Workflow, result.FailedStep, result.Error)
	}
	fmt.Printf("workflow %q completed in %dms\n", result.Workflow, result.TotalDurationMS)
	if result.FinalOutput != nil {
		fmt.Println("final output:", result.FinalOutput)
	}
	return nil
}

func buildCheckpointStore(cfg *config.Config) (workflow.CheckpointStore, func(), error) {
	switch cfg.Checkpoint.Backend {
	case "memory":
		return workflow.NewMemoryCheckpointStore(), func() {}, nil
	case "file":
		store, err := workflow.NewFileCheckpointStore(cfg.Checkpoint.Dir)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	case "redis":
		store, err := workflow.NewRedisCheckpointStore(workflow.RedisCheckpointOptions{
			Addr:      cfg.Checkpoint.Redis.Addr,
			Password:  cfg.Checkpoint.Redis.Password,
			DB:        cfg.Checkpoint.Redis.DB,
			KeyPrefix: cfg.Checkpoint.Redis.KeyPrefix,
			TTL:       time.Duration(cfg.Checkpoint.Redis.TTL),
		})
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown checkpoint backend %q", cfg.Checkpoint.Backend)
	}
}

// coerceInputs converts string flag values to the types the workflow
// declares, leaving unknown keys as strings.
func coerceInputs(file *workflow.File, raw map[string]string) map[string]any {
	out := make(map[string]any, len(raw))
	for k, v := range raw {
		spec, ok := file.Inputs[k]
		if !ok {
			out[k] = v
			continue
		}
		switch spec.Type {
		case "integer":
			var n int
			if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
				out[k] = n
				continue
			}
			out[k] = v
		case "boolean":
			out[k] = v == "true" || v == "1"
		default:
			out[k] = v
		}
	}
	return out
}

func printEvent(ev workflow.Event) {
	indent := strings.Repeat("  ", ev.Depth)
	ts := ev.Timestamp.Format(time.TimeOnly)
	switch ev.Type {
	case workflow.EventWorkflowStarted:
		fmt.Printf("%s[%s] workflow %q started\n", indent, ts, ev.Workflow)
	case workflow.EventWorkflowCompleted:
		fmt.Printf("%s[%s] workflow %q finished success=%v\n", indent, ts, ev.Workflow, ev.Success)
	case workflow.EventStepStarted:
		fmt.Printf("%s[%s] step %q started\n", indent, ts, ev.Step)
	case workflow.EventStepCompleted:
		suffix := ""
		if ev.Replayed {
			suffix = " (replayed)"
		}
		if !ev.Success {
			suffix = " error: " + ev.Error
		}
		fmt.Printf("%s[%s] step %q finished success=%v%s\n", indent, ts, ev.Step, ev.Success, suffix)
	case workflow.EventAgentStreamChunk:
		fmt.Print(ev.Chunk)
	case workflow.EventLoopIterationStarted:
		fmt.Printf("%s[%s] iteration %d (%s) started\n", indent, ts, ev.Iteration, ev.Label)
	case workflow.EventLoopIterationCompleted:
		fmt.Printf("%s[%s] iteration %d (%s) finished success=%v\n", indent, ts, ev.Iteration, ev.Label, ev.Success)
	case workflow.EventValidationFailed:
		msgs := make([]string, len(ev.Issues))
		for i, issue := range ev.Issues {
			msgs[i] = issue.String()
		}
		fmt.Printf("%s[%s] validation failed: %s\n", indent, ts, strings.Join(msgs, "; "))
	default:
		fmt.Printf("%s[%s] %s\n", indent, ts, ev.Type)
	}
}

// builtinRegistry exposes a small set of actions useful for demos and
// smoke-testing workflow files from the command line.
func builtinRegistry() *workflow.MapRegistry {
	reg := workflow.NewMapRegistry()

	reg.RegisterAction("echo", func(ctx context.Context, kwargs map[string]any) (any, error) {
		msg, _ := kwargs["message"].(string)
		fmt.Println(msg)
		return msg, nil
	})
	reg.RegisterAction("shell_env", func(ctx context.Context, kwargs map[string]any) (any, error) {
		name, _ := kwargs["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("shell_env requires a name kwarg")
		}
		return os.Getenv(name), nil
	})
	reg.RegisterAction("sleep", func(ctx context.Context, kwargs map[string]any) (any, error) {
		ms, _ := kwargs["milliseconds"].(int)
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
			return ms, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	reg.RegisterAction("uppercase", func(ctx context.Context, kwargs map[string]any) (any, error) {
		text, _ := kwargs["text"].(string)
		return strings.ToUpper(text), nil
	})

	return reg
}
