package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	flags "github.com/jessevdk/go-flags"
)

type flagOptions struct {
	Port        int    `long:"port" description:"port for the /health endpoint; 0 disables it"`
	ReadyDelay  int    `long:"ready-delay" description:"Seconds before /health starts answering 200" default:"2"`
	ExitCode    int    `long:"exit-code" description:"Exit immediately with this code when non-zero (oneshot failure simulation)"`
	RunDuration int    `long:"run-duration" description:"Duration in seconds to run (debug feature)"`
	Echo        string `long:"echo" description:"line to print on start; falls back to ECHO_TEXT"`
}

func main() {
	var opts flagOptions
	var argv []string = os.Args[1:]
	var parser = flags.NewParser(&opts, flags.HelpFlag)
	var err error
	_, err = parser.ParseArgs(argv)
	if err != nil {
		fmt.Printf("Command line flags parsing failed: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Running Echotest, opts: %+v...\n", opts)

	text := opts.Echo
	if text == "" {
		text = os.Getenv("ECHO_TEXT")
	}
	if text != "" {
		fmt.Println(text)
	}

	if opts.ExitCode != 0 {
		fmt.Fprintf(os.Stderr, "Echotest failing with exit code %d\n", opts.ExitCode)
		os.Exit(opts.ExitCode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if opts.RunDuration > 0 {
		fmt.Printf("Using RUN DURATION of %d seconds\n", opts.RunDuration)
		ctx, cancel = context.WithTimeout(ctx, time.Duration(opts.RunDuration)*time.Second)
		defer cancel()
	}

	// Enable signal handling
	sig := make(chan os.Signal, 1)
	if runtime.GOOS == "windows" {
		signal.Notify(sig) // Unix signals not implemented on Windows
	} else {
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	}

	var ready atomic.Bool
	var server *http.Server
	if opts.Port > 0 {
		gin.SetMode(gin.ReleaseMode)
		router := gin.New()
		router.GET("/health", func(c *gin.Context) {
			if !ready.Load() {
				c.String(http.StatusServiceUnavailable, "starting")
				return
			}
			c.String(http.StatusOK, "ok")
		})
		router.GET("/env", func(c *gin.Context) {
			env := make(map[string]string)
			for _, kv := range os.Environ() {
				if k, v, ok := strings.Cut(kv, "="); ok && strings.HasPrefix(k, "ECHO_") {
					env[k] = v
				}
			}
			c.JSON(http.StatusOK, env)
		})

		server = &http.Server{Addr: fmt.Sprintf(":%d", opts.Port), Handler: router}
		go func() {
			if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				fmt.Fprintf(os.Stderr, "Echotest server failed: %v\n", err)
				os.Exit(1)
			}
		}()
		fmt.Printf("Echotest listening, port: %d\n", opts.Port)
	}

	go func() {
		time.Sleep(time.Duration(opts.ReadyDelay) * time.Second)
		ready.Store(true)
		fmt.Printf("Echotest is fully operational\n")
	}()

	// Wait for graceful shutdown or timeout
	select {
	case receivedSignal := <-sig:
		fmt.Printf("Echotest received signal: %v\n", receivedSignal)
	case <-ctx.Done():
		fmt.Printf("Echotest timed out\n")
	}

	if server != nil {
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancelShutdown()
	}

	fmt.Printf("Echotest stopped\n")
}
