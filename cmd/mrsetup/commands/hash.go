package commands

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/forgeline/mrsetup/pkg/hash"
)

// NewHashCommand builds the `mrsetup hash` subcommand: a stand-alone
// utility over the hash facade's one-shot operation, used to spot-check
// digests against known test vectors. It goes through pkg/hash rather than
// internal/hashfacade directly, the same exported-digest boundary the rest
// of the CLI and the config/output documents cross through.
func NewHashCommand() *cobra.Command {
	var algo string

	cmd := &cobra.Command{
		Use:   "hash [file|-]",
		Short: "Compute a digest over stdin or a file",
		Long: `hash computes a digest over stdin (default) or a named file using one of
the algorithms the hash facade supports: md5, sha1, sha256, or git (the
git-blob SHA-1 framing used for content addressing).

Examples:
  echo -n test | mrsetup hash --algo sha1
  mrsetup hash --algo git path/to/blob
`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ, err := parseHashType(algo)
			if err != nil {
				return err
			}

			path := "-"
			if len(args) == 1 {
				path = args[0]
			}

			data, err := readAll(path)
			if err != nil {
				return err
			}

			digest, err := hash.OneShot(typ, data)
			if err != nil {
				return fmt.Errorf("hash: %w", err)
			}

			fmt.Fprintln(cmd.OutOrStdout(), digest.Hex())

			return nil
		},
	}

	cmd.Flags().StringVar(&algo, "algo", "git", "hash algorithm: md5, sha1, sha256, git")

	return cmd
}

func parseHashType(algo string) (hash.Type, error) {
	switch strings.ToLower(algo) {
	case "md5":
		return hash.MD5, nil
	case "sha1":
		return hash.SHA1, nil
	case "sha256":
		return hash.SHA256, nil
	case "git":
		return hash.GIT, nil
	default:
		return 0, fmt.Errorf("hash: unknown algorithm %q", algo)
	}
}

func readAll(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}

	return data, nil
}
