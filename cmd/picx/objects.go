package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"

	"picx/pkg/storage"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func newPutCmd(a *app) *cobra.Command {
	var contentType string
	var metadata map[string]string

	cmd := &cobra.Command{
		Use:   "put <key> <file>",
		Short: "Upload a file under key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.provider()
			if err != nil {
				return err
			}

			data, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("read %s: %w", args[1], err)
			}

			if contentType == "" {
				contentType = detectContentType(args[1], data)
			}

			result, err := provider.Put(cmd.Context(), args[0], bytes.NewReader(data), storage.PutOptions{
				ContentType: contentType,
				Metadata:    metadata,
			})
			if err != nil {
				return err
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"key":  result.Key,
				"size": result.Size,
				"url":  provider.PublicURL(result.Key),
			})
		},
	}

	cmd.Flags().StringVar(&contentType, "content-type", "", "content type (detected when empty)")
	cmd.Flags().StringToStringVar(&metadata, "meta", nil, "metadata key=value pairs")
	return cmd
}

func newGetCmd(a *app) *cobra.Command {
	var offset, length int64

	cmd := &cobra.Command{
		Use:   "get <key> [file]",
		Short: "Download key to a file or stdout",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.provider()
			if err != nil {
				return err
			}

			var opts storage.GetOptions
			if length > 0 {
				opts.Range = &storage.Range{Offset: offset, Length: length}
			}

			obj, err := provider.Get(cmd.Context(), args[0], opts)
			if err != nil {
				return err
			}
			if obj == nil {
				return fmt.Errorf("%s: not found", args[0])
			}
			defer obj.Body.Close()

			out := cmd.OutOrStdout()
			if len(args) == 2 {
				f, err := os.Create(args[1])
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}

			n, err := io.Copy(out, obj.Body)
			if err != nil {
				return fmt.Errorf("read %s: %w", args[0], err)
			}

			if len(args) == 2 {
				fmt.Fprintf(cmd.ErrOrStderr(), "wrote %s to %s\n", humanize.IBytes(uint64(n)), args[1])
			}
			return nil
		},
	}

	cmd.Flags().Int64Var(&offset, "offset", 0, "first byte to read")
	cmd.Flags().Int64Var(&length, "length", 0, "number of bytes to read (0 reads everything)")
	return cmd
}

func newHeadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "head <key>",
		Short: "Show the size, content type and metadata of key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.provider()
			if err != nil {
				return err
			}

			info, err := provider.Head(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if info == nil {
				return fmt.Errorf("%s: not found", args[0])
			}

			return printJSON(cmd.OutOrStdout(), map[string]any{
				"size":         info.Size,
				"human_size":   humanize.IBytes(uint64(info.Size)),
				"content_type": info.ContentType,
				"metadata":     info.Metadata,
			})
		},
	}
}

func newDeleteCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <key>",
		Short: "Delete key; deleting an absent key succeeds",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.provider()
			if err != nil {
				return err
			}
			return provider.Delete(cmd.Context(), args[0])
		},
	}
}

func newURLCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "url <key>",
		Short: "Print the public URL of key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := a.provider()
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), provider.PublicURL(args[0]))
			return nil
		},
	}
}

func detectContentType(name string, data []byte) string {
	if ct := mime.TypeByExtension(filepath.Ext(name)); ct != "" {
		return ct
	}
	return http.DetectContentType(data)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
