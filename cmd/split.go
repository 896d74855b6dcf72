package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/spf13/cobra"

	"github.com/smazurov/camfeed/internal/stream"
)

// CreateSplitCmd creates the split command.
func CreateSplitCmd() *cobra.Command {
	var outDir string
	var prefix string
	var maxFrameSize int
	var dataURI bool

	cmd := &cobra.Command{
		Use:   "split [file]",
		Short: "Split an MJPEG byte stream into frames",
		Long: `Reads concatenated JPEG images from a file, or stdin when no file is given, and ` +
			`writes each complete frame as a separate .jpg. With --data-uri the frames are printed ` +
			`as data URIs exactly as live subscribers receive them.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in := cmd.InOrStdin()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}

			if !dataURI {
				if err := os.MkdirAll(outDir, 0o755); err != nil {
					return err
				}
			}

			n := 0
			emit := func(frame []byte) error {
				n++
				if dataURI {
					_, err := fmt.Fprintln(cmd.OutOrStdout(), stream.EncodeFrame(frame))
					return err
				}
				name := filepath.Join(outDir, fmt.Sprintf("%s-%06d.jpg", prefix, n))
				return renameio.WriteFile(name, frame, 0o644)
			}

			discarded, err := splitFrames(in, stream.NewAssembler(maxFrameSize), emit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d frames, %d bytes discarded\n", n, discarded)
			return nil
		},
	}

	cmd.Flags().StringVarP(&outDir, "out", "o", ".", "Directory for extracted frames")
	cmd.Flags().StringVar(&prefix, "prefix", "frame", "File name prefix")
	cmd.Flags().IntVar(&maxFrameSize, "max-frame-size", stream.DefaultMaxFrameSize, "Largest accepted frame in bytes (0 = unlimited)")
	cmd.Flags().BoolVar(&dataURI, "data-uri", false, "Print frames as data URIs instead of writing files")

	return cmd
}

// splitFrames feeds r through a in fixed reads and calls emit for every
// completed frame. It returns the bytes dropped from oversized frames.
func splitFrames(r io.Reader, a *stream.Assembler, emit func([]byte) error) (uint64, error) {
	buf := make([]byte, 64*1024)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			for _, frame := range a.Feed(buf[:n]) {
				if emitErr := emit(frame); emitErr != nil {
					return a.Discarded(), emitErr
				}
			}
		}
		if errors.Is(err, io.EOF) {
			return a.Discarded(), nil
		}
		if err != nil {
			return a.Discarded(), err
		}
	}
}
