package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/pders01/stow/internal/download"
	"github.com/pders01/stow/internal/engine"
	"github.com/pders01/stow/internal/tui"
)

func newSyncCmd(a *app) *cobra.Command {
	var noTUI bool
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Download every unfinished saved entry and its images",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			useTUI := !noTUI && isatty.IsTerminal(os.Stdout.Fd())
			return a.withEngine(func(e *engine.Engine) error {
				if useTUI {
					return syncWithTUI(ctx, e, a.theme())
				}
				return syncPlain(ctx, e, cmd.OutOrStdout())
			})
		},
	}
	cmd.Flags().BoolVar(&noTUI, "no-tui", false, "print progress lines instead of the interactive view")
	return cmd
}

func syncWithTUI(ctx context.Context, e *engine.Engine, theme tui.Theme) error {
	if err := e.Start(ctx); err != nil {
		return err
	}
	aborted, err := tui.RunSync(ctx, e.Orchestrator, e.List, theme)
	p := e.Orchestrator.Progress()
	e.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if aborted || ctx.Err() != nil {
		fmt.Println(tui.MsgStopping)
		return nil
	}
	fmt.Println(tui.MsgSummary(p))
	return e.RecordRun(p)
}

// syncPlain prints a line per progress update until the run goes idle.
func syncPlain(ctx context.Context, e *engine.Engine, out io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var p download.Progress
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		p, err = e.Sync(gctx)
		cancel()
		return err
	})
	g.Go(func() error {
		last := download.Progress{}
		for {
			select {
			case u := <-e.Orchestrator.Updates():
				if u.Total > 0 && u != last {
					fmt.Fprintf(out, "[%d/%d] %d failed\n", u.Completed, u.Total, u.Failed)
					last = u
				}
			case <-gctx.Done():
				return nil
			}
		}
	})

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			fmt.Fprintln(out, tui.MsgStopping)
			return nil
		}
		return err
	}
	if p.Total == 0 {
		fmt.Fprintln(out, tui.MsgNothing)
	} else {
		fmt.Fprintln(out, tui.MsgSummary(p))
	}
	fmt.Fprintln(out, tui.MsgEntryCounts(e.List.List()))
	return nil
}

func newServeCmd(a *app) *cobra.Command {
	var (
		addr     string
		withSync bool
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the local server that answers page and image requests from the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr != "" {
				a.cfg.Server.Addr = addr
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			if !a.quiet {
				tui.ShowBanner(cmd.OutOrStdout(), a.theme(), Version)
			}
			return a.withEngine(func(e *engine.Engine) error {
				if withSync {
					if err := e.Start(ctx); err != nil {
						return err
					}
					defer e.Stop()
				}
				return e.Serve(ctx, func(bound string) {
					fmt.Fprintf(cmd.OutOrStdout(), "serving on http://%s%s\n", bound, e.Config().Server.Prefix)
				})
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().BoolVar(&withSync, "sync", false, "sync saved entries in the background while serving")
	return cmd
}
