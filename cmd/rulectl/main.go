// Command rulectl exports, imports and tests rules and runs scheduled
// rules against a running eventrules server.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"
)

const usage = `usage: rulectl [-server URL] <command> [flags]

commands:
  export         write every rule as YAML (-out file, default stdout)
  import         load rules from YAML (-in file, -upsert, -dry-run)
  test           evaluate a rule against a payload (-rule ID, -payload JSON, -trigger key, -dispatch)
  run-schedules  run one scheduler tick and print the fired rules
`

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "rulectl:", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	global := flag.NewFlagSet("rulectl", flag.ContinueOnError)
	server := global.String("server", envOr("RULECTL_SERVER", "http://localhost:8080"), "eventrules server base URL")
	timeout := global.Duration("timeout", 30*time.Second, "request timeout")
	global.Usage = func() { fmt.Fprint(global.Output(), usage) }
	if err := global.Parse(args); err != nil {
		return err
	}
	if global.NArg() == 0 {
		global.Usage()
		return fmt.Errorf("a command is required")
	}

	c := newClient(*server, *timeout)
	cmd, rest := global.Arg(0), global.Args()[1:]
	switch cmd {
	case "export":
		return runExport(ctx, c, rest, stdout)
	case "import":
		return runImport(ctx, c, rest, stdin, stdout)
	case "test":
		return runTest(ctx, c, rest, stdout)
	case "run-schedules":
		fired, err := c.RunSchedules(ctx)
		if err != nil {
			return err
		}
		return printJSON(stdout, map[string]any{"fired": fired})
	default:
		global.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func runExport(ctx context.Context, c *client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("export", flag.ContinueOnError)
	out := fs.String("out", "", "output file (default stdout)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		return c.Export(ctx, stdout)
	}
	f, err := os.Create(*out)
	if err != nil {
		return err
	}
	if err := c.Export(ctx, f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func runImport(ctx context.Context, c *client, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("import", flag.ContinueOnError)
	in := fs.String("in", "-", "input file, - for stdin")
	upsert := fs.Bool("upsert", false, "replace rules whose IDs already exist")
	dryRun := fs.Bool("dry-run", false, "validate without writing")
	if err := fs.Parse(args); err != nil {
		return err
	}

	doc := stdin
	if *in != "-" {
		f, err := os.Open(*in)
		if err != nil {
			return err
		}
		defer f.Close()
		doc = f
	}
	res, err := c.Import(ctx, doc, *upsert, *dryRun)
	if err != nil {
		return err
	}
	if err := printJSON(stdout, res); err != nil {
		return err
	}
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d rule(s) failed to import", len(res.Failed))
	}
	return nil
}

func runTest(ctx context.Context, c *client, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	ruleID := fs.String("rule", "", "rule ID (required)")
	payload := fs.String("payload", "{}", "event payload as a JSON object")
	triggerKey := fs.String("trigger", "", "trigger key (default: the rule's first)")
	dispatch := fs.Bool("dispatch", false, "run the rule's actions instead of a dry run")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *ruleID == "" {
		return fmt.Errorf("test: -rule is required")
	}

	req := testRequest{TriggerKey: *triggerKey}
	if err := json.Unmarshal([]byte(*payload), &req.Payload); err != nil {
		return fmt.Errorf("test: -payload must be a JSON object: %w", err)
	}
	dryRun := !*dispatch
	req.DryRun = &dryRun

	out, err := c.TestRule(ctx, *ruleID, req)
	if err != nil {
		return err
	}
	return printJSON(stdout, out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
