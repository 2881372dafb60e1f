package cli

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"wsupload/internal/upload/codec"
	"wsupload/internal/upload/protocol"
	"wsupload/pkg/client"
)

type sendOptions struct {
	url       string
	id        string
	name      string
	encoding  string
	chunkSize int
	parallel  int
	timeout   time.Duration
}

func newSendCmd() *cobra.Command {
	opts := &sendOptions{}

	cmd := &cobra.Command{
		Use:   "send <file> [file...]",
		Short: "Upload local files to a server",
		Long: `Compress and upload one or more local files.

Each file is uploaded on its own connection. Files are stored under their
base name unless --name is given.

Examples:
  wsupload send report.csv
  wsupload send --url=ws://10.0.0.5:3031/ --encoding=zstd a.bin b.bin
  wsupload send --id=nightly --name=backup.tar backup-2024.tar`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSend(cmd, opts, args)
		},
	}

	defaults := client.DefaultChunkSize
	cmd.Flags().StringVarP(&opts.url, "url", "u", "ws://127.0.0.1:3031/", "WebSocket URL of the upload server")
	cmd.Flags().StringVar(&opts.id, "id", "", "Upload id, at most 16 bytes (single file only)")
	cmd.Flags().StringVar(&opts.name, "name", "", "Destination file name (single file only)")
	cmd.Flags().StringVarP(&opts.encoding, "encoding", "e", "gzip", "Compression to use (gzip, zstd, lz4)")
	cmd.Flags().IntVar(&opts.chunkSize, "chunk-size", defaults, "Compressed bytes per data frame")
	cmd.Flags().IntVarP(&opts.parallel, "parallel", "P", 1, "Number of files uploaded concurrently")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 10*time.Minute, "Overall time limit")

	return cmd
}

func runSend(cmd *cobra.Command, opts *sendOptions, files []string) error {
	if len(files) > 1 && (opts.id != "" || opts.name != "") {
		return fmt.Errorf("--id and --name require exactly one file")
	}
	if opts.parallel < 1 {
		return fmt.Errorf("--parallel must be at least 1")
	}

	enc, err := codec.ParseEncoding(opts.encoding, codec.Gzip)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), opts.timeout)
	defer cancel()

	var outMu sync.Mutex
	out := cmd.OutOrStdout()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.parallel)

	for i, file := range files {
		file := file
		req := client.UploadRequest{
			ID:        uploadID(opts.id, i),
			FileName:  filepath.Base(file),
			Encoding:  enc,
			ChunkSize: opts.chunkSize,
		}
		if opts.name != "" {
			req.FileName = opts.name
		}

		g.Go(func() error {
			res, err := sendFile(gctx, opts.url, file, req)
			if err != nil {
				return fmt.Errorf("%s: %w", file, err)
			}

			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintf(out, "Uploaded %s:\n", file)
			fmt.Fprintf(out, "  ID: %s\n", res.ID)
			fmt.Fprintf(out, "  Name: %s\n", res.FileName)
			fmt.Fprintf(out, "  Encoding: %s\n", req.Encoding)
			fmt.Fprintf(out, "  Size: %d bytes (%d compressed, %d frames)\n", res.Size, res.Compressed, res.Chunks)
			fmt.Fprintf(out, "  BLAKE3: %s\n", res.Digest)
			fmt.Fprintf(out, "  Duration: %s\n", res.Duration.Round(time.Millisecond))
			return nil
		})
	}

	return g.Wait()
}

func sendFile(ctx context.Context, url, path string, req client.UploadRequest) (*client.UploadResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	c, err := client.NewUploadClient(ctx, url)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	return c.Upload(ctx, req, f)
}

// uploadID returns explicit when set, else a per-file id. Each file uses
// its own connection so ids only need to be well-formed.
func uploadID(explicit string, index int) protocol.ID {
	if explicit != "" {
		return protocol.ID(explicit)
	}
	return protocol.ID(fmt.Sprintf("upload-%d", index+1))
}
