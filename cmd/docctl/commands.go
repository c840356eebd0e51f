package main

import (
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/dmitrijs2005/doccatalog/internal/server/auth"
	"github.com/dmitrijs2005/doccatalog/internal/server/config"
	"github.com/dmitrijs2005/doccatalog/internal/server/staging"
)

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "docctl",
		Short:         "Operate a doccatalog server",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newPendingCommand(), newSweepCommand(), newTokenCommand())
	return root
}

func defaults() *config.Config {
	c := &config.Config{}
	c.LoadDefaults()
	return c
}

// newPendingCommand lists files that are staged but not committed, which
// after a give-up is exactly what an operator needs to look at.
func newPendingCommand() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List staged attachments that are not committed yet",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			area, err := staging.NewOS(dir)
			if err != nil {
				return err
			}
			pending, err := area.ListPending()
			if err != nil {
				return err
			}

			docs := make([]string, 0, len(pending))
			for doc := range pending {
				docs = append(docs, doc)
			}
			sort.Strings(docs)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "DOCUMENT\tFILE\tSIZE")
			var files int
			var total int64
			for _, doc := range docs {
				for _, name := range pending[doc] {
					f, size, err := area.Open(doc, name)
					if err != nil {
						return fmt.Errorf("%s/%s: %w", doc, name, err)
					}
					_ = f.Close()
					files++
					total += size
					fmt.Fprintf(w, "%s\t%s\t%s\n", doc, name, humanize.IBytes(uint64(size)))
				}
			}
			if err := w.Flush(); err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%d files in %d documents, %s\n",
				files, len(docs), humanize.IBytes(uint64(total)))
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "staging-dir", defaults().StagingDir, "staging directory of the server")
	return cmd
}

// defaultSweepAge keeps temporary files a running server may still be writing.
const defaultSweepAge = time.Hour

func newSweepCommand() *cobra.Command {
	var (
		dir       string
		olderThan time.Duration
	)
	cmd := &cobra.Command{
		Use:   "sweep",
		Short: "Remove temporary files left by interrupted uploads",
		Long: `Remove temporary files left by interrupted uploads.

Run it against a stopped server. The server sweeps its staging directory on
startup anyway. While a server is running, only files older than --older-than
are removed, so uploads still being written are not touched.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			area, err := staging.NewOS(dir)
			if err != nil {
				return err
			}
			n, err := area.SweepTemp(olderThan)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "removed %d temporary files\n", n)
			return err
		},
	}
	cmd.Flags().StringVar(&dir, "staging-dir", defaults().StagingDir, "staging directory of the server")
	cmd.Flags().DurationVar(&olderThan, "older-than", defaultSweepAge, "keep temporary files modified more recently than this")
	return cmd
}

func newTokenCommand() *cobra.Command {
	var (
		secret  string
		subject string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a bearer token for the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			tok, err := auth.GenerateToken(subject, []byte(secret), ttl)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), tok)
			return err
		},
	}
	d := defaults()
	cmd.Flags().StringVar(&secret, "secret", d.SecretKey, "HMAC secret shared with the server")
	cmd.Flags().StringVar(&subject, "subject", "", "caller recorded in the token")
	cmd.Flags().DurationVar(&ttl, "ttl", d.AccessTokenValidityDuration, "token lifetime")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}
