package commands

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/forgeline/mrsetup/internal/fastcdc"
	"github.com/forgeline/mrsetup/internal/hashfacade"
)

// NewChunkCommand builds the `mrsetup chunk` subcommand: a stand-alone
// FastCDC utility that prints chunk boundaries and sizes for a file, useful
// for verifying the chunker's determinism independent of the storage layer
// that consumes it.
func NewChunkCommand() *cobra.Command {
	var average uint32

	cmd := &cobra.Command{
		Use:   "chunk <file>",
		Short: "Split a file into content-defined chunks (FastCDC)",
		Long: `chunk splits a file into variable-size, content-defined chunks using the
FastCDC algorithm, printing each chunk's offset, length, and git-blob hash.

Examples:
  mrsetup chunk --average 8192 bigfile.bin
`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runChunk(cmd.OutOrStdout(), args[0], average)
		},
	}

	cmd.Flags().Uint32Var(&average, "average", fastcdc.DefaultAverage, "targeted average chunk size in bytes")

	return cmd
}

func runChunk(out io.Writer, path string, average uint32) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	chunker := fastcdc.New(f, fastcdc.NormalizedParams(average))

	var (
		offset int64
		count  int
	)

	for {
		chunk, chunkErr := chunker.Next()
		if errors.Is(chunkErr, io.EOF) {
			break
		}

		if chunkErr != nil {
			return fmt.Errorf("chunk %s: %w", path, chunkErr)
		}

		digest, hashErr := hashGitBlob(chunk)
		if hashErr != nil {
			return hashErr
		}

		fmt.Fprintf(out, "%d\t%s\t%s\n", offset, humanize.Bytes(uint64(len(chunk))), digest)

		offset += int64(len(chunk))
		count++
	}

	fmt.Fprintf(out, "# %d chunks, %s total\n", count, humanize.Bytes(uint64(offset)))

	return nil
}

func hashGitBlob(data []byte) (string, error) {
	digest, err := hashfacade.OneShot(hashfacade.GIT, data)
	if err != nil {
		return "", fmt.Errorf("hash chunk: %w", err)
	}

	return digest.HexString(), nil
}
