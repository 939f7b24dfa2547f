package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	evidence "github.com/i5heu/ouroboros-evidence"
)

var flagInputFile string

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the stored chain and print the court report",
	Long: `Verify checks hash-chain linkage and ledger anchors of the stored chain, or of
the JSON frame list given with --input, and prints the result.

Exit codes: 0 valid, 2 evidence failed verification, 1 verification could not run.`,
	Args: cobra.NoArgs,
	RunE: runVerify,
}

func init() {
	verifyCmd.Flags().StringVar(&flagInputFile, "input", "", "verify exported frames from this JSON file")
}

func runVerify(cmd *cobra.Command, _ []string) error {
	v, err := openVault(cmd)
	if err != nil {
		return err
	}
	defer v.Close()

	var res evidence.Result
	if flagInputFile != "" {
		raw, err := os.ReadFile(flagInputFile)
		if err != nil {
			return fmt.Errorf("failed to read %s: %w", flagInputFile, err)
		}
		var frames []evidence.EncryptedFrame
		if err := json.Unmarshal(raw, &frames); err != nil {
			return fmt.Errorf("failed to parse %s: %w", flagInputFile, err)
		}
		res, err = v.VerifyFrames(cmd.Context(), frames)
		if err != nil {
			return err
		}
	} else {
		res, err = v.Verify(cmd.Context())
		if err != nil {
			return err
		}
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(res); err != nil {
		return err
	}
	if !res.IsValid {
		return fmt.Errorf("%w: %s", errInvalidEvidence, res.TamperEvidence)
	}
	return nil
}
