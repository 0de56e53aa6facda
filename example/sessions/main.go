package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/MegaGrindStone/go-mcpconn"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Config    string `short:"c" long:"config" description:"server configuration file" required:"true"`
	LogLevel  string `short:"l" long:"log-level" description:"log level" choice:"debug" choice:"info" choice:"warn" choice:"error" default:"info"`
	LogFormat string `long:"log-format" description:"log output format" choice:"text" choice:"json" default:"text"`
	Call      string `long:"call" description:"call a tool once connected, as server/tool"`
	Args      string `long:"args" description:"tool arguments as a JSON object" default:"{}"`
	Watch     bool   `short:"w" long:"watch" description:"keep supervising the sessions until interrupted"`
}

func main() {
	var opts options
	if _, err := flags.ParseArgs(&opts, os.Args[1:]); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			return
		}
		log.Fatal(err)
	}

	if err := run(opts); err != nil {
		log.Fatal(err)
	}
}

func newLogger(format string, level slog.Level) *slog.Logger {
	handlerOpts := &slog.HandlerOptions{Level: level}
	if format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, handlerOpts))
}

func run(opts options) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(opts.LogLevel)); err != nil {
		return err
	}
	logger := newLogger(opts.LogFormat, level)

	cfg, err := mcpconn.LoadConfig(opts.Config)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m := mcpconn.NewManager(
		mcpconn.WithLogger(logger),
		mcpconn.WithParallelism(cfg.Parallelism),
		mcpconn.WithServerDefaults(cfg.Defaults),
		mcpconn.WithSamplingHandler(mcpconn.SamplingHandlerFunc(echoSampling)),
	)
	defer func() {
		for name, err := range m.CloseAllSessions() {
			logger.Warn("failed to close session", slog.String("server", name), slog.String("err", err.Error()))
		}
	}()

	res := m.CreateAllSessions(ctx, cfg.ServerList())
	for name, err := range res.Errors {
		fmt.Printf("%s: unavailable: %v\n", name, err)
	}

	for name, sess := range m.GetAllActiveSessions() {
		info := sess.ServerInfo()
		fmt.Printf("%s: %s %s (protocol %s)\n", name, info.Name, info.Version, sess.ProtocolVersion())
		for _, tool := range sess.Tools() {
			fmt.Printf("  %s: %s\n", tool.Name, tool.Description)
		}
	}

	if opts.Call != "" {
		if err := callTool(ctx, m, opts.Call, opts.Args); err != nil {
			return err
		}
	}

	if !opts.Watch {
		return nil
	}

	sup := mcpconn.NewSupervisor(m,
		mcpconn.WithSupervisorConfig(cfg.Supervisor),
		mcpconn.WithFailureHandler(func(server string, err error) {
			fmt.Printf("%s: giving up: %v\n", server, err)
		}),
	)
	if err := sup.Run(ctx); err != nil {
		return err
	}
	for _, status := range m.Health() {
		fmt.Println(status)
	}
	return nil
}

func callTool(ctx context.Context, m *mcpconn.Manager, target, args string) error {
	server, tool, ok := strings.Cut(target, "/")
	if !ok {
		return fmt.Errorf("invalid call target %q, want server/tool", target)
	}
	sess, ok := m.GetAllActiveSessions()[server]
	if !ok {
		return fmt.Errorf("server %q is not connected", server)
	}
	if !json.Valid([]byte(args)) {
		return fmt.Errorf("tool arguments are not valid JSON: %s", args)
	}

	result, err := sess.CallTool(ctx, mcpconn.CallToolParams{
		Name:      tool,
		Arguments: json.RawMessage(args),
	})
	if err != nil {
		return err
	}
	for _, content := range result.Content {
		fmt.Println(content.Text)
	}
	if result.IsError {
		return fmt.Errorf("tool %s reported an error", target)
	}
	return nil
}

// echoSampling stands in for an LLM by repeating the last message.
func echoSampling(_ context.Context, req mcpconn.SamplingRequest) (mcpconn.SamplingResult, error) {
	var text string
	if n := len(req.Params.Messages); n > 0 {
		text = req.Params.Messages[n-1].Content.Text
	}
	return mcpconn.SamplingResult{
		Role:       mcpconn.RoleAssistant,
		Content:    mcpconn.SamplingContent{Type: mcpconn.ContentTypeText, Text: text},
		Model:      "echo",
		StopReason: "endTurn",
	}, nil
}
