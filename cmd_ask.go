package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"reactsql/chat"
	"reactsql/core"
	"reactsql/render"
)

func init() {
	rootCmd.AddCommand(askCmd)
}

var askCmd = &cobra.Command{
	Use:   "ask <question>",
	Short: "Ask a question and render the agent's steps as they stream in",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runAsk,
}

func runAsk(cmd *cobra.Command, args []string) error {
	config := loadConfig()
	// Logs go to stderr so they never interleave with the rendered turn.
	logger := core.InitializeLoggerTo(config, os.Stderr)

	store := chat.NewStore(logger)
	transport := chat.NewHTTPTransport(config.ServerURL, &http.Client{}, logger)
	session := chat.NewSession(transport, store, chat.Options{
		Backoff:     config.Backoff(),
		IdleTimeout: config.IdleTimeout,
		Logger:      logger,
	})
	defer session.Close()

	printer := render.NewPrinter(cmd.OutOrStdout(), render.Renderer{})
	unsubscribe := store.Subscribe(printer.Update)
	defer unsubscribe()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	if err := session.SendMessage(ctx, strings.Join(args, " ")); err != nil {
		return err
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(interrupt)

	waited := make(chan error, 1)
	go func() { waited <- session.Wait(ctx) }()

	select {
	case err := <-waited:
		if err != nil {
			return err
		}
	case <-interrupt:
		session.StopStreaming()
		<-waited
		fmt.Fprintln(cmd.ErrOrStderr(), "cancelled")
		return nil
	}

	last, ok := store.State().LastMessage()
	if !ok || !printer.Finished() {
		return errors.New("turn ended without an outcome")
	}
	if last.Status == chat.StatusError {
		return errors.New("question failed")
	}
	return nil
}
