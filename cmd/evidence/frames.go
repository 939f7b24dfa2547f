package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	evidence "github.com/i5heu/ouroboros-evidence"
)

var (
	flagDevice     string
	flagCodec      string
	flagFrameRate  float64
	flagWidth      uint32
	flagHeight     uint32
	flagOutputFile string
)

var recordCmd = &cobra.Command{
	Use:   "record <file>...",
	Short: "Record each file as one frame of the chain",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRecord,
}

var restoreCmd = &cobra.Command{
	Use:   "restore <sequence>",
	Short: "Decrypt a stored frame and write its payload",
	Args:  cobra.ExactArgs(1),
	RunE:  runRestore,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Show the stored chain without decrypting it",
	Args:  cobra.NoArgs,
	RunE:  runInspect,
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Print the stored encrypted frames as JSON",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var exportKeyCmd = &cobra.Command{
	Use:   "export-key",
	Short: "Print the vault's key backup",
	Args:  cobra.NoArgs,
	RunE:  runExportKey,
}

func init() {
	recordCmd.Flags().StringVar(&flagDevice, "device", "cli", "capturing device id")
	recordCmd.Flags().StringVar(&flagCodec, "codec", "raw", "payload codec")
	recordCmd.Flags().Float64Var(&flagFrameRate, "frame-rate", 0, "capture frame rate")
	recordCmd.Flags().Uint32Var(&flagWidth, "width", 0, "frame width in pixels")
	recordCmd.Flags().Uint32Var(&flagHeight, "height", 0, "frame height in pixels")

	restoreCmd.Flags().StringVarP(&flagOutputFile, "output", "o", "", "write the payload to this file instead of stdout")
}

func runRecord(cmd *cobra.Command, args []string) error {
	v, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer v.Close()

	for _, path := range args {
		payload, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", path, err)
		}
		ef, err := v.Record(cmd.Context(), evidence.Frame{
			Payload: payload,
			Metadata: evidence.Metadata{
				DeviceID:   flagDevice,
				Codec:      flagCodec,
				FrameRate:  flagFrameRate,
				Resolution: evidence.Resolution{Width: flagWidth, Height: flagHeight},
			},
		})
		if err != nil {
			return fmt.Errorf("failed to record %s: %w", path, err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d %s %s\n", ef.Sequence, ef.ContentHash, ef.AnchorRefs[0].TransactionRef)
	}
	return nil
}

func runRestore(cmd *cobra.Command, args []string) error {
	seq, err := strconv.ParseUint(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid sequence %q: %w", args[0], err)
	}

	v, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer v.Close()

	f, err := v.Restore(cmd.Context(), seq)
	if err != nil {
		return err
	}

	var out io.Writer = cmd.OutOrStdout()
	if flagOutputFile != "" {
		file, err := os.Create(flagOutputFile)
		if err != nil {
			return fmt.Errorf("failed to create %s: %w", flagOutputFile, err)
		}
		defer file.Close()
		out = file
	}
	_, err = out.Write(f.Payload)
	return err
}

func runInspect(cmd *cobra.Command, _ []string) error {
	v, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer v.Close()

	out := cmd.OutOrStdout()
	stats, err := v.ChainInfo()
	if err != nil {
		return err
	}
	fmt.Fprint(out, evidence.FormatChainInfo(stats))
	fmt.Fprintln(out)

	infos, err := v.ListFrames(cmd.Context())
	if err != nil {
		return err
	}
	for _, info := range infos {
		fmt.Fprintln(out, evidence.FormatFrameInfo(info))
	}
	return nil
}

func runExportKey(cmd *cobra.Command, _ []string) error {
	v, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer v.Close()

	backup, err := v.ExportKeys()
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(backup)
}

func runExport(cmd *cobra.Command, _ []string) error {
	v, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer v.Close()

	frames, err := v.Frames()
	if err != nil {
		return err
	}
	return json.NewEncoder(cmd.OutOrStdout()).Encode(frames)
}
