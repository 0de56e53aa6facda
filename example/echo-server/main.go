package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MegaGrindStone/go-mcpconn/servers/echo"
	"github.com/jessevdk/go-flags"
)

type options struct {
	Addr               string `short:"a" long:"addr" description:"serve HTTP and WebSocket on this address instead of stdio"`
	ProtocolVersion    string `long:"protocol-version" description:"protocol version answered in the handshake"`
	Instructions       string `long:"instructions" description:"instructions sent in the handshake"`
	ExitAfterHandshake bool   `long:"exit-after-handshake" description:"drop the connection right after the handshake"`
	Stream             bool   `long:"stream" description:"answer HTTP requests with an event stream"`
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

	// stdout carries protocol frames, so logs go to stderr.
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	srv := echo.NewServer(echo.Options{
		ProtocolVersion:    opts.ProtocolVersion,
		Instructions:       opts.Instructions,
		ExitAfterHandshake: opts.ExitAfterHandshake,
		HTTPStreaming:      opts.Stream,
		Logger:             logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if opts.Addr == "" {
		if err := srv.Serve(ctx, os.Stdin, os.Stdout); err != nil {
			log.Fatal(err)
		}
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", srv.WebSocketHandler())
	mux.Handle("/", srv)

	httpSrv := &http.Server{
		Addr:              opts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}
	go func() {
		logger.Info("server starting", slog.String("addr", opts.Addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced to shutdown", slog.String("err", err.Error()))
	}
}
