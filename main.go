// Copyright © 2020 Elias Norberg
// Licensed under the GPLv3 or later.
// See COPYING at the root of the repository for details.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/yzzyx/imap-archive/archive"
	"github.com/yzzyx/imap-archive/config"
	"github.com/yzzyx/imap-archive/imap"
	"github.com/yzzyx/imap-archive/sync"
)

var (
	flagFull    bool
	flagList    bool
	flagVerbose int
	flagJobs    int
)

var rootCmd = &cobra.Command{
	Use:   "imap-archive config [account...]",
	Short: "Archive IMAP mailboxes into a local content-addressed store",
	Long: `imap-archive downloads messages from IMAP servers and stores each
message exactly once in an append-only local archive, resuming from
per-folder watermarks across runs.`,
	Args:          cobra.MinimumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          run,
}

func init() {
	rootCmd.Flags().BoolVarP(&flagFull, "full", "f", false, "ignore stored watermarks and rescan from UID 1")
	rootCmd.Flags().BoolVarP(&flagList, "list", "l", false, "only list folders, do not archive")
	rootCmd.Flags().CountVarP(&flagVerbose, "verbose", "v", "increase logging verbosity (repeatable)")
	rootCmd.Flags().IntVarP(&flagJobs, "jobs", "j", 1, "number of accounts to process in parallel")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newLogger(verbosity int) *slog.Logger {
	level := slog.LevelWarn
	switch {
	case verbosity == 1:
		level = slog.LevelInfo
	case verbosity >= 2:
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:   level,
		NoColor: !isatty.IsTerminal(os.Stderr.Fd()),
	}))
}

func run(cmd *cobra.Command, args []string) error {
	log := newLogger(flagVerbose)

	cfg, err := config.Load(args[0])
	if err != nil {
		return err
	}
	accounts, err := cfg.Select(args[1:])
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	interactive := isatty.IsTerminal(os.Stdout.Fd())

	// Each account worker owns its own connection and its own archive
	// handle; archives sharing a path serialize on the index lock.
	if flagJobs < 1 {
		flagJobs = 1
	}
	var g errgroup.Group
	g.SetLimit(flagJobs)

	failures := make([]error, len(accounts))
	for i := range accounts {
		i, acc := i, accounts[i]
		g.Go(func() error {
			alog := log.With("account", acc.Name)
			if err := runAccount(ctx, alog, acc, interactive && flagJobs == 1); err != nil {
				alog.Error("account failed", "error", err)
				failures[i] = err
			}
			return nil
		})
	}
	_ = g.Wait()

	var failed int
	for i, err := range failures {
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", accounts[i].Name, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d accounts failed", failed, len(accounts))
	}
	return nil
}

func runAccount(ctx context.Context, log *slog.Logger, acc config.Account, interactive bool) error {
	opts := imap.Options{
		Host:        acc.Server,
		Port:        acc.Port,
		Username:    acc.Username,
		Password:    acc.Password,
		UseTLS:      acc.UseTLS,
		UseStartTLS: acc.UseStartTLS,
	}
	// -vvv additionally dumps the raw protocol exchange.
	if flagVerbose >= 3 {
		opts.Trace = os.Stderr
	}
	ms, err := imap.Connect(log, opts)
	if err != nil {
		return err
	}
	defer ms.Logout()

	if flagList {
		folders, err := ms.Folders()
		if err != nil {
			return err
		}
		for _, folder := range folders {
			fmt.Println(folder)
		}
		return nil
	}

	ar, err := archive.Open(acc.Archive, log)
	if err != nil {
		return err
	}
	defer ar.Close()

	return sync.Run(ctx, log, ms, ar, sync.Options{
		Full:     flagFull || !acc.IsIncremental(),
		Exclude:  acc.ExcludePatterns(),
		Progress: interactive && flagVerbose == 0,
	})
}
