package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"shoten/internal/camera"
)

type devicesOptions struct {
	output string
}

func newDevicesCommand(root *rootOptions) *cobra.Command {
	opts := &devicesOptions{}

	cmd := &cobra.Command{
		Use:   "devices",
		Short: "接続されているカメラデバイスを一覧表示する",
		Example: `  shoten devices
  shoten devices --output json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDevices(cmd, root.discovery, opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "text", "出力形式 (json または text)")
	_ = cmd.RegisterFlagCompletionFunc("output", func(cmd *cobra.Command, args []string, toComplete string) ([]string, cobra.ShellCompDirective) {
		return []string{"json", "text"}, cobra.ShellCompDirectiveNoFileComp
	})

	return cmd
}

func runDevices(cmd *cobra.Command, discovery camera.Discovery, opts *devicesOptions) error {
	ctx := cmd.Context()

	paths, err := discovery.ScanDevices(ctx)
	if err != nil {
		return errors.Wrap(err, "デバイスのスキャンに失敗")
	}

	devices := make([]camera.DeviceInfo, 0, len(paths))
	for _, path := range paths {
		info, err := discovery.GetDeviceInfo(ctx, path)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", path, err)
			continue
		}
		devices = append(devices, *info)
	}

	switch opts.output {
	case "json":
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(devices)
	case "text":
		return printDevices(cmd.OutOrStdout(), devices)
	default:
		return errors.Errorf("無効な出力形式: %q", opts.output)
	}
}

func printDevices(out io.Writer, devices []camera.DeviceInfo) error {
	if len(devices) == 0 {
		_, err := fmt.Fprintln(out, "カメラデバイスが見つかりません")
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tNAME\tDRIVER\tFORMATS\tMAX RESOLUTION\tCONTROLS")
	for _, d := range devices {
		resolution := "-"
		if r, ok := largestResolution(d.Resolutions); ok {
			resolution = fmt.Sprintf("%dx%d", r.Width, r.Height)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			d.Device, d.Name, d.Driver,
			strings.Join(d.Formats, ","), resolution, strings.Join(d.Controls, ","))
	}
	return w.Flush()
}

func largestResolution(resolutions []camera.Resolution) (camera.Resolution, bool) {
	var largest camera.Resolution
	for _, r := range resolutions {
		if r.Width*r.Height > largest.Width*largest.Height {
			largest = r
		}
	}
	return largest, len(resolutions) > 0
}
