package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hanpama/graphgate/internal/auth"
	"github.com/hanpama/graphgate/internal/eventbus"
	"github.com/hanpama/graphgate/internal/graphql"
	"github.com/hanpama/graphgate/internal/httpauth"
	"github.com/hanpama/graphgate/internal/language"
	"github.com/hanpama/graphgate/internal/otel"
	"github.com/hanpama/graphgate/internal/policy"
	"github.com/hanpama/graphgate/internal/server"
	"github.com/hanpama/graphgate/internal/subscriptions"
)

const rootUsage = `graphgate — authorizing GraphQL gateway with websocket subscriptions

USAGE:
  graphgate <command> [flags]

COMMANDS:
  serve            Run the HTTP/WebSocket GraphQL gateway in front of an upstream
  check-schema     Validate an SDL file and report its authorization rules
  help             Show help for any command
`

const serveUsage = `serve FLAGS:
  -schema <file>                 GraphQL SDL file (required)
  -upstream <url>                Upstream GraphQL endpoint for queries and
                                 mutations (required)
  -server.addr <addr>            HTTP listen address (default: :8080)
  -server.pretty                 Pretty-print JSON responses
  -server.timeout <duration>     Per-request timeout, e.g. 10s (default: 10s)
  -server.cors-origin <origin>   Allowed CORS origin. Repeatable; use * for any
  -server.csrf-header <name>     Accept non-JSON requests only when one of these
                                 headers is present. Repeatable
  -server.metadata-header <name> Forward HTTP header to upstream metadata. Repeatable
  -server.max-body-bytes <n>     Request body limit in bytes (default: 1048576)
  -ws.init-timeout <duration>    Close sockets that never initialize (default: 10s)
  -ws.keep-alive <duration>      Keep-alive interval, 0 disables (default: 30s)
  -ws.smart-keep-alive           Only ping when the connection is idle
  -auth.jwt-secret <secret>      HMAC secret for bearer and connection payload
                                 tokens. Empty runs the gateway anonymous-only
  -auth.policies <file>          Policy definitions, one "name = CEL expression"
                                 per line
  -otel.endpoint <addr>          OTLP collector endpoint
  -otel.service <name>           OpenTelemetry service name (default: graphgate)
`

const checkSchemaUsage = `check-schema FLAGS:
  -schema <file>          GraphQL SDL file (required)
  -auth.policies <file>   Policy definitions to compile and cross-check against
                          the policies the schema references
  (Validation always runs; exits non-zero on errors)
`

func main() {
	if err := run(os.Args[1:]); err != nil {
		log.Fatal(err)
	}
}

func run(args []string) error {
	global := flag.NewFlagSet("graphgate", flag.ContinueOnError)
	global.SetOutput(new(bytes.Buffer)) // silence automatic output
	if err := global.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, rootUsage)
		return err
	}
	remaining := global.Args()
	if len(remaining) == 0 {
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("missing command")
	}

	cmd := remaining[0]
	cmdArgs := remaining[1:]
	switch cmd {
	case "serve":
		return cmdServe(cmdArgs)
	case "check-schema":
		return cmdCheckSchema(cmdArgs)
	case "help":
		return cmdHelp(cmdArgs)
	default:
		fmt.Fprint(os.Stderr, rootUsage)
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func cmdHelp(args []string) error {
	if len(args) == 0 {
		fmt.Print(rootUsage)
		return nil
	}
	switch args[0] {
	case "serve":
		fmt.Print(serveUsage)
	case "check-schema":
		fmt.Print(checkSchemaUsage)
	default:
		return fmt.Errorf("unknown help topic %q", args[0])
	}
	return nil
}

type stringListFlag []string

func (s *stringListFlag) String() string { return "" }

func (s *stringListFlag) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// loadSchemaFile reads an SDL file and loads it with the authorization
// directive declarations prepended unless the file declares its own.
func loadSchemaFile(path string) (*language.Schema, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	sdl := string(src)
	if !strings.Contains(sdl, "directive @authorize") {
		sdl = auth.DirectiveSDL + "\n" + sdl
	}
	schema, err := language.LoadSchema(path, sdl)
	if err != nil {
		return nil, fmt.Errorf("load schema %s: %w", path, err)
	}
	return schema, nil
}

func loadPolicyFile(path string) (*policy.Evaluator, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	ev, err := policy.Parse(f)
	if err != nil {
		return nil, fmt.Errorf("load policies %s: %w", path, err)
	}
	return ev, nil
}

func cmdServe(args []string) error {
	schemaFile := ""
	upstream := ""
	addr := ":8080"
	pretty := false
	timeout := 10 * time.Second
	maxBodyBytes := int64(1 << 20)
	initTimeout := 10 * time.Second
	keepAlive := 30 * time.Second
	smartKeepAlive := false
	jwtSecret := ""
	policyFile := ""
	otelEndpoint := ""
	otelService := "graphgate"
	var corsOrigins, csrfHeaders, metadataHeaders stringListFlag

	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&schemaFile, "schema", schemaFile, "GraphQL SDL file")
	fs.StringVar(&upstream, "upstream", upstream, "Upstream GraphQL endpoint")
	fs.StringVar(&addr, "server.addr", addr, "HTTP listen address")
	fs.BoolVar(&pretty, "server.pretty", pretty, "Pretty-print JSON responses")
	fs.DurationVar(&timeout, "server.timeout", timeout, "Per-request timeout")
	fs.Var(&corsOrigins, "server.cors-origin", "Allowed CORS origin")
	fs.Var(&csrfHeaders, "server.csrf-header", "Required header for non-JSON requests")
	fs.Var(&metadataHeaders, "server.metadata-header", "Forward HTTP header to upstream metadata")
	fs.Int64Var(&maxBodyBytes, "server.max-body-bytes", maxBodyBytes, "Request body limit in bytes")
	fs.DurationVar(&initTimeout, "ws.init-timeout", initTimeout, "Connection initialization timeout")
	fs.DurationVar(&keepAlive, "ws.keep-alive", keepAlive, "Keep-alive interval")
	fs.BoolVar(&smartKeepAlive, "ws.smart-keep-alive", smartKeepAlive, "Only ping when idle")
	fs.StringVar(&jwtSecret, "auth.jwt-secret", jwtSecret, "HMAC secret for bearer tokens")
	fs.StringVar(&policyFile, "auth.policies", policyFile, "Policy definitions file")
	fs.StringVar(&otelEndpoint, "otel.endpoint", otelEndpoint, "OTLP collector endpoint")
	fs.StringVar(&otelService, "otel.service", otelService, "OpenTelemetry service name")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, serveUsage)
		return err
	}
	if schemaFile == "" {
		fmt.Fprint(os.Stderr, serveUsage)
		return fmt.Errorf("-schema is required")
	}
	if upstream == "" {
		fmt.Fprint(os.Stderr, serveUsage)
		return fmt.Errorf("-upstream is required")
	}

	schema, err := loadSchemaFile(schemaFile)
	if err != nil {
		return err
	}

	cfg := server.Config{
		Schema:   schema,
		Executor: graphql.NewHTTPExecutor(upstream),
	}
	if policyFile != "" {
		ev, err := loadPolicyFile(policyFile)
		if err != nil {
			return err
		}
		cfg.Evaluator = ev
	}

	wsOpts := []subscriptions.ConnectionOption{
		subscriptions.WithInitTimeout(initTimeout),
		subscriptions.WithKeepAliveInterval(keepAlive),
	}
	if smartKeepAlive {
		wsOpts = append(wsOpts, subscriptions.WithSmartKeepAlive())
	}

	sopts := []server.Option{server.WithWSOptions(wsOpts...)}
	if pretty {
		sopts = append(sopts, server.WithPretty())
	}
	if timeout > 0 {
		sopts = append(sopts, server.WithTimeout(timeout))
	}
	if maxBodyBytes > 0 {
		sopts = append(sopts, server.WithMaxBodyBytes(maxBodyBytes))
	}
	if len(corsOrigins) > 0 {
		sopts = append(sopts, server.WithCORS(corsOrigins...))
	}
	if len(csrfHeaders) > 0 {
		sopts = append(sopts, server.WithCSRFHeaders(csrfHeaders...))
	}
	if len(metadataHeaders) > 0 {
		sopts = append(sopts, server.WithMetadataHeaders(metadataHeaders...))
	}
	if jwtSecret != "" {
		jwt := httpauth.NewJWT([]byte(jwtSecret))
		cfg.Extractor = jwt
		sopts = append(sopts, server.WithWSInitAuth(httpauth.PayloadTokenAuth(jwt)))
	}

	eventbus.Use(eventbus.New())
	shutdown, err := otel.Setup(otelEndpoint, otelService)
	if err != nil {
		return fmt.Errorf("otel setup: %w", err)
	}
	defer func() { _ = shutdown(context.Background()) }()

	h, err := server.New(cfg, sopts...)
	if err != nil {
		return fmt.Errorf("server init: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/graphql", h)

	srv := &http.Server{Addr: addr, Handler: mux}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Printf("GraphQL gateway listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(sctx)
	})
	return g.Wait()
}

func cmdCheckSchema(args []string) error {
	schemaFile := ""
	policyFile := ""
	fs := flag.NewFlagSet("check-schema", flag.ContinueOnError)
	fs.SetOutput(new(bytes.Buffer))
	fs.StringVar(&schemaFile, "schema", schemaFile, "GraphQL SDL file")
	fs.StringVar(&policyFile, "auth.policies", policyFile, "Policy definitions file")
	if err := fs.Parse(args); err != nil {
		fmt.Fprint(os.Stderr, checkSchemaUsage)
		return err
	}
	if schemaFile == "" {
		fmt.Fprint(os.Stderr, checkSchemaUsage)
		return fmt.Errorf("-schema is required")
	}

	schema, err := loadSchemaFile(schemaFile)
	if err != nil {
		return err
	}
	report := inspectSchema(schema)
	for _, line := range report.lines {
		fmt.Println(line)
	}
	fmt.Printf("%d authorization rules, %d anonymous exemptions\n",
		report.authorized, report.anonymous)

	if policyFile != "" {
		ev, err := loadPolicyFile(policyFile)
		if err != nil {
			return err
		}
		var missing []string
		for _, name := range report.policies {
			if !ev.Has(name) {
				missing = append(missing, name)
			}
		}
		if len(missing) > 0 {
			return fmt.Errorf("schema references undefined policies: %s", strings.Join(missing, ", "))
		}
	} else if len(report.policies) > 0 {
		fmt.Printf("referenced policies: %s\n", strings.Join(report.policies, ", "))
	}
	return nil
}

type schemaReport struct {
	lines      []string
	policies   []string
	authorized int
	anonymous  int
}

// inspectSchema walks every type and field and records where the
// authorization directives are attached.
func inspectSchema(schema *language.Schema) schemaReport {
	var report schemaReport
	seen := map[string]bool{}
	record := func(loc string, dirs language.DirectiveList) {
		for _, d := range dirs {
			switch d.Name {
			case "authorize":
				report.authorized++
				var detail []string
				for _, arg := range d.Arguments {
					if arg.Value == nil {
						continue
					}
					for _, v := range arg.Value.Children {
						if v.Value == nil {
							continue
						}
						if arg.Name == "policies" {
							name := v.Value.Raw
							if !seen[name] {
								seen[name] = true
								report.policies = append(report.policies, name)
							}
						}
						detail = append(detail, fmt.Sprintf("%s:%s", arg.Name, v.Value.Raw))
					}
				}
				line := fmt.Sprintf("@authorize %s", loc)
				if len(detail) > 0 {
					line += " (" + strings.Join(detail, " ") + ")"
				}
				report.lines = append(report.lines, line)
			case "allowAnonymous":
				report.anonymous++
				report.lines = append(report.lines, fmt.Sprintf("@allowAnonymous %s", loc))
			}
		}
	}

	names := make([]string, 0, len(schema.Types))
	for name := range schema.Types {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		def := schema.Types[name]
		if def.BuiltIn {
			continue
		}
		record(name, def.Directives)
		for _, f := range def.Fields {
			record(name+"."+f.Name, f.Directives)
			for _, a := range f.Arguments {
				record(name+"."+f.Name+"("+a.Name+")", a.Directives)
			}
		}
	}
	sort.Strings(report.policies)
	return report
}
