package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/pders01/stow/internal/engine"
	"github.com/pders01/stow/internal/media"
	"github.com/pders01/stow/internal/resource"
	"github.com/pders01/stow/internal/savedlist"
	"github.com/pders01/stow/internal/tui"
)

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newSaveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "save <key>...",
		Short: "Save entries for offline use, or unsave ones already saved",
		Long: `Save toggles each key: a key that is not saved yet is added, one that is
already saved is removed along with its cached resources.

Keys are article identifiers such as "enwiki:Cat" or page URLs.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				for _, raw := range args {
					saved, err := e.Toggle(raw)
					if err != nil {
						return fmt.Errorf("saving %q: %w", raw, err)
					}
					if saved {
						fmt.Fprintf(out, "saved %s\n", raw)
					} else {
						fmt.Fprintf(out, "removed %s\n", raw)
					}
				}
				return nil
			})
		},
	}
}

func newRemoveCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "remove <key>...",
		Aliases: []string{"rm"},
		Short:   "Remove saved entries and their cached resources",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(e *engine.Engine) error {
				for _, raw := range args {
					if err := e.List.Remove(raw); err != nil {
						return fmt.Errorf("removing %q: %w", raw, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "removed %s\n", raw)
				}
				return nil
			})
		},
	}
}

func newClearCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Remove every saved entry and its cached resources",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !yes {
				return fmt.Errorf("refusing to clear without --yes")
			}
			return a.withEngine(func(e *engine.Engine) error {
				n := e.List.Len()
				if err := e.List.RemoveAll(); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "removed %d entries\n", n)
				return nil
			})
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm removal of every entry")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List saved entries, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				entries := e.List.List()
				if len(entries) == 0 {
					fmt.Fprintln(out, "no saved entries")
					return nil
				}
				th := a.theme()
				for _, entry := range entries {
					fmt.Fprintf(out, "%s  %s\n", th.RenderEntry(entry, 72), humanize.Time(entry.AddedAt))
				}
				return nil
			})
		},
	}
}

func newSearchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the text of synced documents",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(e *engine.Engine) error {
				out := cmd.OutOrStdout()
				results, err := e.Search(strings.Join(args, " "), limit)
				if err != nil {
					return err
				}
				if len(results) == 0 {
					fmt.Fprintln(out, "no results")
					return nil
				}
				for _, r := range results {
					title := r.Title
					if title == "" {
						title = r.EntryKey
					}
					fmt.Fprintf(out, "%s (%s)\n", title, r.EntryKey)
					if r.Snippet != "" {
						fmt.Fprintf(out, "    %s\n", r.Snippet)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 10, "maximum number of results")
	return cmd
}

func newImportCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "import <feed-url>",
		Short: "Save every item of an RSS or Atom feed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()
			return a.withEngine(func(e *engine.Engine) error {
				added, err := e.Import(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				for _, key := range added {
					fmt.Fprintf(out, "saved %s\n", key)
				}
				fmt.Fprintf(out, "imported %d new entries\n", len(added))
				return nil
			})
		},
	}
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Summarise saved entries, cache usage and the last sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withEngine(func(e *engine.Engine) error {
				st, err := e.Status()
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "entries:   %d (%s)\n", len(st.Entries), tui.MsgEntryCounts(st.Entries))
				fmt.Fprintf(out, "cache:     %s in %s resources\n",
					humanize.Bytes(uint64(max(st.CacheBytes, 0))), humanize.Comma(int64(st.Resources)))
				fmt.Fprintf(out, "indexed:   %d documents\n", st.IndexedDocs)
				if st.LastSync.IsZero() {
					fmt.Fprintln(out, "last sync: never")
				} else {
					fmt.Fprintf(out, "last sync: %s (run %s)\n", humanize.Time(st.LastSync), st.LastRunID)
				}
				return nil
			})
		},
	}
}

func newOpenCmd(a *app) *cobra.Command {
	var (
		asResource bool
		width      int
		printOnly  bool
	)
	cmd := &cobra.Command{
		Use:   "open <key>",
		Short: "Open a saved page through the local server, or a cached resource directly",
		Long: `Open launches the platform viewer for a saved entry. Pages are opened from
the local server, which must be running ("stow serve"). With --resource the key
names a cached image or document, which is opened from the cache directory.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withEngine(func(e *engine.Engine) error {
				target, contentType, err := openTarget(e, args[0], asResource, width)
				if err != nil {
					return err
				}

				launcher := media.NewLauncher(e.Config())
				if printOnly {
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", launcher.Command(contentType), target)
					return nil
				}
				if !asResource {
					if err := checkServer(e.Config().Server.Addr); err != nil {
						return err
					}
				}
				return launcher.Open(target, contentType)
			})
		},
	}
	cmd.Flags().BoolVar(&asResource, "resource", false, "treat the key as a cached resource URL")
	cmd.Flags().IntVarP(&width, "width", "w", 0, "preferred image width for --resource")
	cmd.Flags().BoolVar(&printOnly, "print", false, "print the command instead of running it")
	return cmd
}

func openTarget(e *engine.Engine, raw string, asResource bool, width int) (string, string, error) {
	if !asResource {
		entry, ok := e.List.Get(raw)
		if !ok {
			return "", "", fmt.Errorf("%q is not saved", raw)
		}
		if entry.State != savedlist.StateComplete {
			fmt.Fprintf(os.Stderr, "warning: %s is %s, the page may not be available offline\n", entry.Key, entry.State)
		}
		return "http://" + e.Config().Server.Addr + e.Interceptor.PageURL(entry.Key), "text/html", nil
	}

	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	ref, err := resource.Canonical(raw, nil)
	if err != nil {
		return "", "", err
	}
	if width == 0 {
		width = ref.Width
	}
	rec, ok, err := e.Cache.BestVariant(ref.Key, width)
	if err != nil {
		return "", "", err
	}
	if !ok {
		return "", "", fmt.Errorf("%s is not cached", ref.Key)
	}
	return rec.Path, rec.ContentType, nil
}

func checkServer(addr string) error {
	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr + "/healthz")
	if err != nil {
		return fmt.Errorf("local server not reachable, start it with \"stow serve\": %w", err)
	}
	resp.Body.Close()
	return nil
}
