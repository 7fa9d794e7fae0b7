package main

import (
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/spf13/cobra"

	"github.com/hazyhaar/chunkpipe/chunk"
	"github.com/hazyhaar/chunkpipe/chunker"
	"github.com/hazyhaar/chunkpipe/docpipe"
	"github.com/hazyhaar/chunkpipe/message"
	"github.com/hazyhaar/chunkpipe/runner"
	"github.com/hazyhaar/chunkpipe/server"
)

func extractCmd(a *app) *cobra.Command {
	var (
		req     runner.Request
		measure string
		asJSON  bool
		outDir  string
	)
	cmd := &cobra.Command{
		Use:   "extract <source>",
		Short: "Extract and chunk a file, directory or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			req.Source = args[0]
			req.Measure = chunker.Measure(measure)
			res, err := a.run.Run(cmd.Context(), req)
			if err != nil {
				return err
			}
			if outDir != "" && !req.Messages {
				if err := chunk.Save(outDir, res.Chunks); err != nil {
					return err
				}
				a.logger.Info("chunks saved", "dir", outDir, "chunks", len(res.Chunks))
			}
			if asJSON {
				return writeJSON(cmd.OutOrStdout(), res)
			}
			printResult(cmd.OutOrStdout(), res)
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&req.Chunker, "chunker", "", "chunking policy (default from config: by-page)")
	f.IntVar(&req.Max, "max", 0, "by-length budget")
	f.StringVar(&measure, "measure", "", "by-length unit: chars or tokens")
	f.StringSliceVar(&req.Keywords, "keywords", nil, "by-keyword split words")
	f.StringVar(&req.Separator, "separator", "", "by-section line prefix")
	f.StringSliceVar(&req.Include, "include", nil, "glob patterns for directory and archive members")
	f.BoolVar(&req.TextOnly, "text-only", false, "skip images where text is available")
	f.BoolVar(&req.Messages, "messages", false, "emit chat messages instead of chunks")
	f.BoolVar(&req.IncludePaths, "include-paths", false, "wrap message text in <Document path=...> tags")
	f.IntVar(&req.MaxResolution, "max-resolution", 0, "longest image side in messages")
	f.BoolVar(&asJSON, "json", false, "print JSON")
	f.StringVar(&outDir, "out", "", "write prompt.txt and images to this directory")
	f.BoolVar(&req.Store, "store", false, "record the run in the chunk store")
	return cmd
}

func printResult(w io.Writer, res *runner.Result) {
	fmt.Fprintf(w, "source: %s\nkind: %s\npolicy: %s\ntokens: %d\n", res.Source, res.Kind, res.Policy, res.Tokens)
	if res.RunID != "" {
		fmt.Fprintf(w, "run: %s\n", res.RunID)
	}
	for i, c := range res.Chunks {
		fmt.Fprintf(w, "\n--- chunk %d: %s (%s, %d tokens, %d images)\n", i, c.Path, c.SourceType, c.Tokens(), len(c.Images))
		if text := c.JoinedText("\n"); text != "" {
			fmt.Fprintln(w, text)
		}
	}
	for i, m := range res.Messages {
		images := 0
		for _, p := range m.Content {
			if p.Type == message.PartImage {
				images++
			}
		}
		fmt.Fprintf(w, "\n--- message %d: %d parts, %d images\n", i, len(m.Content), images)
		for _, p := range m.Content {
			if p.Type == message.PartText {
				fmt.Fprintln(w, p.Text)
			}
		}
	}
}

func classifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "classify <source>",
		Short: "Print the source kind of a file, directory or URL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := a.run.Pipeline.Classify(docpipe.Source{Path: args[0]})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), kind)
			return nil
		},
	}
}

func kindsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "kinds",
		Short: "List the supported source kinds",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			for _, k := range a.run.Pipeline.SupportedKinds() {
				fmt.Fprintln(cmd.OutOrStdout(), k)
			}
			return nil
		},
	}
}

func serveCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			sc := a.cfg.Server
			if addr != "" {
				sc.Addr = addr
			}
			sc.Logger = a.logger
			return server.New(a.run, sc).ListenAndServe(cmd.Context())
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config: :8080)")
	return cmd
}

func mcpCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tools over stdio",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			srv := mcp.NewServer(&mcp.Implementation{Name: "chunkpipe", Version: version}, nil)
			sc := a.cfg.Server
			sc.Logger = a.logger
			server.New(a.run, sc).RegisterMCP(srv)
			a.logger.Info("mcp server starting", "transport", "stdio")
			return srv.Run(cmd.Context(), &mcp.StdioTransport{})
		},
	}
}

func runsCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List stored runs, or the chunks of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if a.run.Store == nil {
				return runner.ErrNoStore
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer w.Flush()
			if len(args) == 1 {
				recs, err := a.run.Store.Chunks(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(w, "SEQ\tPATH\tTYPE\tTOKENS\tIMAGES\tHASH")
				for _, r := range recs {
					fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\t%.12s\n", r.Seq, r.Path, r.SourceType, r.Tokens, r.ImageCount, r.Hash)
				}
				return nil
			}
			runs, err := a.run.Store.Runs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "ID\tCREATED\tKIND\tPOLICY\tCHUNKS\tSOURCE")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n", r.ID, r.CreatedAt.Format("2006-01-02 15:04:05"), r.Kind, r.Policy, r.ChunkCount, r.Source)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum runs to list")
	return cmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
