package main

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/grokify/ralph"
)

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "probe the backend's connectivity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := opts.openBackend()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			status := backend.Status(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), status)
			if status != ralph.StatusOK {
				return fmt.Errorf("%w: backend %s is %s", ralph.ErrBackend, backend.Name(), status)
			}
			return nil
		},
	}
}

func newListCmd(opts *rootOptions) *cobra.Command {
	var (
		target  string
		details bool
		onlyNew bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "list the containers of the backend",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := opts.openBackend()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			lister, ok := backend.(ralph.Lister)
			if !ok {
				return fmt.Errorf("%w: backend %s does not support listing", ralph.ErrParameter, backend.Name())
			}
			entries, err := lister.List(cmd.Context(), ralph.ListOptions{
				Target:  target,
				Details: details,
				New:     onlyNew,
			})
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, entry := range entries {
				if details && entry.Details != nil {
					line, err := json.Marshal(entry.Details)
					if err != nil {
						return fmt.Errorf("%w: encoding entry: %w", ralph.ErrBackend, err)
					}
					fmt.Fprintln(out, string(line))
					continue
				}
				fmt.Fprintln(out, entry.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "container to list (default: the backend's)")
	cmd.Flags().BoolVarP(&details, "details", "D", false, "print one JSON object per entry")
	cmd.Flags().BoolVarP(&onlyNew, "new", "n", false, "only entries not in the read history")
	return cmd
}

func newReadCmd(opts *rootOptions) *cobra.Command {
	var (
		query        string
		target       string
		chunkSize    int
		ignoreErrors bool
		limit        int64
	)

	cmd := &cobra.Command{
		Use:   "read",
		Short: "read records from the backend to stdout",
		Long: "read streams the backend's records to stdout as newline-delimited\n" +
			"JSON (raw bytes for object and archive backends).",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := opts.openBackend()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			stream, err := backend.ReadRaw(cmd.Context(), ralph.ReadOptions{
				Query:        ralph.Query{Text: query},
				Target:       target,
				ChunkSize:    chunkSize,
				IgnoreErrors: ignoreErrors,
				Limit:        limit,
			})
			if err != nil {
				return err
			}
			defer func() { _ = stream.Close() }()

			out := bufio.NewWriter(cmd.OutOrStdout())
			for {
				chunk, err := stream.Next()
				if err == io.EOF {
					break
				}
				if err != nil {
					return err
				}
				if _, err := out.Write(chunk); err != nil {
					return fmt.Errorf("%w: writing to stdout: %w", ralph.ErrBackend, err)
				}
			}
			return out.Flush()
		},
	}

	cmd.Flags().StringVarP(&query, "query", "q", "", "backend specific query selecting the records")
	cmd.Flags().StringVarP(&target, "target", "t", "", "container to read from (default: the backend's)")
	cmd.Flags().IntVarP(&chunkSize, "chunk-size", "s", 0, "records or bytes per fetch (default: the backend's)")
	cmd.Flags().BoolVarP(&ignoreErrors, "ignore-errors", "I", false, "skip records that fail to decode")
	cmd.Flags().Int64VarP(&limit, "limit", "l", 0, "stop after this many records (default: unlimited)")
	return cmd
}

func newWriteCmd(opts *rootOptions) *cobra.Command {
	var (
		target       string
		chunkSize    int
		ignoreErrors bool
		operation    string
		concurrency  int
	)

	cmd := &cobra.Command{
		Use:   "write",
		Short: "write records from stdin to the backend",
		Long: "write consumes newline-delimited JSON from stdin and stores it in\n" +
			"the backend, printing the number of written records.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := opts.openBackend()
			if err != nil {
				return err
			}
			defer func() { _ = backend.Close() }()

			writable, ok := backend.(ralph.Writable)
			if !ok {
				return fmt.Errorf("%w: backend %s is read-only", ralph.ErrParameter, backend.Name())
			}

			var op ralph.Operation
			if operation != "" {
				op, err = ralph.ParseOperation(operation)
				if err != nil {
					return err
				}
			}

			count, err := writable.Write(cmd.Context(), ralph.NewBytesSource(cmd.InOrStdin()), ralph.WriteOptions{
				Target:       target,
				ChunkSize:    chunkSize,
				IgnoreErrors: ignoreErrors,
				Operation:    op,
				Concurrency:  concurrency,
			})
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), count)
			return nil
		},
	}

	cmd.Flags().StringVarP(&target, "target", "t", "", "container to write to (default: the backend's)")
	cmd.Flags().IntVarP(&chunkSize, "chunk-size", "s", 0, "records per remote round trip (default: the backend's)")
	cmd.Flags().BoolVarP(&ignoreErrors, "ignore-errors", "I", false, "skip records the backend rejects")
	cmd.Flags().StringVarP(&operation, "operation", "o", "", "write mode: index, create, delete, update or append")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "C", 0, "parallel chunk submissions, where supported")
	return cmd
}
