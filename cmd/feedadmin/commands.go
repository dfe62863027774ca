package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/blackmichael/member-feed/internal/adminclient"
)

type rootOptions struct {
	server  string
	token   string
	timeout time.Duration
	json    bool
}

func (o *rootOptions) client() (*adminclient.Client, error) {
	if o.token == "" {
		return nil, fmt.Errorf("--token is required (or set FEEDGEN_ADMIN_TOKEN)")
	}
	return adminclient.NewClient(o.server, o.token), nil
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "feedadmin",
		Short:         "Operator tool for the membership feed generator",
		Long:          "Backfill posts and inspect the store of a running feed generator through its admin API.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.server, "server", envOrDefault("FEEDGEN_ADMIN_URL", "http://localhost:3000"), "feed generator base URL")
	cmd.PersistentFlags().StringVar(&opts.token, "token", os.Getenv("FEEDGEN_ADMIN_TOKEN"), "admin bearer token")
	cmd.PersistentFlags().DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")
	cmd.PersistentFlags().BoolVar(&opts.json, "json", false, "print raw JSON")

	cmd.AddCommand(newInsertCommand(opts))
	cmd.AddCommand(newUpdateFeedCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newPostsCommand(opts))
	cmd.AddCommand(newReloadCommand(opts))

	return cmd
}

func newInsertCommand(opts *rootOptions) *cobra.Command {
	var cid, creator string

	cmd := &cobra.Command{
		Use:   "insert <post-uri>",
		Short: "Backfill a post the firehose missed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, opts.timeout)
			defer cancel()

			inserted, err := client.InsertPost(ctx, args[0], cid, creator)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]bool{"inserted": inserted})
			}
			if inserted {
				fmt.Fprintf(cmd.OutOrStdout(), "inserted %s\n", args[0])
			} else {
				fmt.Fprintf(cmd.OutOrStdout(), "already present: %s\n", args[0])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&cid, "cid", "", "record CID")
	cmd.Flags().StringVar(&creator, "creator", "", "author DID")
	cmd.MarkFlagRequired("cid")
	cmd.MarkFlagRequired("creator")
	return cmd
}

func newUpdateFeedCommand(opts *rootOptions) *cobra.Command {
	var feedURI string

	cmd := &cobra.Command{
		Use:   "update-feed <post-uri>...",
		Short: "Check that posts are indexed for a feed",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, opts.timeout)
			defer cancel()

			count, err := client.UpdateFeed(ctx, feedURI, args)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), map[string]any{"success": true, "postCount": count})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: feed has %d posts\n", count)
			return nil
		},
	}

	cmd.Flags().StringVar(&feedURI, "feed", "", "feed generator AT-URI")
	cmd.MarkFlagRequired("feed")
	return cmd
}

func newStatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show store statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, opts.timeout)
			defer cancel()

			stats, err := client.Stats(ctx)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), stats)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "posts:      %d\n", stats.Posts)
			fmt.Fprintf(out, "feed posts: %d\n", stats.FeedPosts)
			for _, f := range stats.Feeds {
				fmt.Fprintf(out, "feed %s: %d\n", f.Feed, f.Count)
			}
			for _, c := range stats.Creators {
				fmt.Fprintf(out, "  %-40s %d\n", c.Creator, c.Count)
			}
			return nil
		},
	}
}

func newPostsCommand(opts *rootOptions) *cobra.Command {
	var (
		creator string
		limit   int
		cursor  string
	)

	cmd := &cobra.Command{
		Use:   "posts",
		Short: "List stored posts, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, opts.timeout)
			defer cancel()

			page, err := client.ListPosts(ctx, creator, limit, cursor)
			if err != nil {
				return err
			}
			if opts.json {
				return printJSON(cmd.OutOrStdout(), page)
			}
			for _, p := range page.Feed {
				fmt.Fprintln(cmd.OutOrStdout(), p.Post)
			}
			if page.Cursor != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "next cursor: %s\n", page.Cursor)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&creator, "creator", "", "only posts by this DID")
	cmd.Flags().IntVar(&limit, "limit", 50, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "cursor from a previous page")
	return cmd
}

func newReloadCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Reload the membership list on the server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := opts.client()
			if err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, opts.timeout)
			defer cancel()

			n, err := client.ReloadMembers(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "membership reloaded: %d members\n", n)
			return nil
		},
	}
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
