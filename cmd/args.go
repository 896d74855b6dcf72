package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/smazurov/camfeed/internal/config"
	"github.com/smazurov/camfeed/internal/ffmpeg"
	"github.com/smazurov/camfeed/internal/source"
	"github.com/smazurov/camfeed/internal/stream"
)

// CreateArgsCmd creates the args command.
func CreateArgsCmd() *cobra.Command {
	var controllersFile string
	var ffmpegPath string
	var rtspTimeout time.Duration
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "args <controller> <camera> <quality>",
		Short: "Print the ffmpeg command for a stream",
		Long: `Resolves a stream key against the controllers file and prints the transcoder ` +
			`command the server would spawn for it. Quality is one of primary, secondary or auxiliary.`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := parseKey(args)
			if err != nil {
				return err
			}

			catalog, err := config.LoadControllers(controllersFile)
			if err != nil {
				return err
			}
			resolver := source.NewResolver(config.NewCatalogStore(catalog), source.Options{
				FFmpegPath:  ffmpegPath,
				RTSPTimeout: rtspTimeout,
			})

			spec, err := resolver.Resolve(context.Background(), key)
			if err != nil {
				return fmt.Errorf("resolve %s: %w", key, err)
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]any{
					"key":  key.String(),
					"path": spec.Path,
					"args": spec.Args,
				})
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), spec.String())
			return err
		},
	}

	cmd.Flags().StringVar(&controllersFile, "controllers", "controllers.toml", "Path to controllers file")
	cmd.Flags().StringVar(&ffmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary")
	cmd.Flags().DurationVar(&rtspTimeout, "rtsp-timeout", ffmpeg.DefaultRTSPTimeout, "RTSP socket timeout")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print path and arguments as JSON")

	return cmd
}

func parseKey(args []string) (stream.Key, error) {
	controller, err := strconv.Atoi(args[0])
	if err != nil || controller <= 0 {
		return stream.Key{}, fmt.Errorf("invalid controller %q", args[0])
	}
	camera, err := strconv.Atoi(args[1])
	if err != nil || camera <= 0 {
		return stream.Key{}, fmt.Errorf("invalid camera %q", args[1])
	}
	quality, err := stream.ParseQuality(args[2])
	if err != nil {
		return stream.Key{}, err
	}
	return stream.Key{Controller: controller, Camera: camera, Quality: quality}, nil
}
