package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/ggoodman/topicsync/license"
)

type descriptorFlags struct {
	key     string
	owner   string
	quota   int
	endDate string
}

func (f *descriptorFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.key, "key", "", "license key (default: random UUID)")
	cmd.Flags().StringVar(&f.owner, "owner", "", "license owner")
	cmd.Flags().IntVar(&f.quota, "quota", 0, "users admitted per period")
	cmd.Flags().StringVar(&f.endDate, "end-date", "", "last valid day, yyyy-mm-dd")
	_ = cmd.MarkFlagRequired("quota")
	_ = cmd.MarkFlagRequired("end-date")
}

func (f *descriptorFlags) info() (license.Info, error) {
	end, err := license.ParseDate(f.endDate)
	if err != nil {
		return license.Info{}, fmt.Errorf("--end-date: %w", err)
	}
	key := f.key
	if key == "" {
		key = uuid.NewString()
	}
	return license.Info{Key: key, Owner: f.owner, Quota: f.quota, EndDate: end}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "licensegen",
		Short:         "Generate and inspect topicsync licenses",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(newFileCmd(), newKeygenCmd(), newTokenCmd(), newVerifyCmd(), newStatsCmd())
	return root
}

func newFileCmd() *cobra.Command {
	var (
		desc     descriptorFlags
		envelope bool
		out      string
	)
	cmd := &cobra.Command{
		Use:   "file",
		Short: "Write a license descriptor",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := desc.info()
			if err != nil {
				return err
			}
			var data []byte
			if envelope {
				data, err = info.MarshalEnvelope()
			} else {
				data, err = info.Marshal()
			}
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, append(data, '\n'))
		},
	}
	desc.bind(cmd)
	cmd.Flags().BoolVar(&envelope, "envelope", false, "wrap the descriptor with its checksum")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	return cmd
}

func newKeygenCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "keygen",
		Short: "Generate an Ed25519 key pair for signing license tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			pub, priv, err := ed25519.GenerateKey(rand.Reader)
			if err != nil {
				return err
			}
			if err := writeOutput(cmd.OutOrStdout(), out, []byte(base64.StdEncoding.EncodeToString(priv.Seed())+"\n")); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "public key: %s\n", base64.StdEncoding.EncodeToString(pub))
			return nil
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "private key file (default: stdout)")
	return cmd
}

func newTokenCmd() *cobra.Command {
	var (
		desc    descriptorFlags
		keyFile string
		secret  string
		out     string
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign a license descriptor as a token",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := desc.info()
			if err != nil {
				return err
			}
			key, err := signingKey(keyFile, secret)
			if err != nil {
				return err
			}
			token, err := license.SignToken(info, key)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), out, []byte(token+"\n"))
		},
	}
	desc.bind(cmd)
	cmd.Flags().StringVar(&keyFile, "private-key", "", "file holding a base64 Ed25519 seed, as written by keygen")
	cmd.Flags().StringVar(&secret, "hmac-secret", "", "shared HS256 secret")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default: stdout)")
	cmd.MarkFlagsMutuallyExclusive("private-key", "hmac-secret")
	cmd.MarkFlagsOneRequired("private-key", "hmac-secret")
	return cmd
}

func newVerifyCmd() *cobra.Command {
	var (
		pubKey string
		secret string
	)
	cmd := &cobra.Command{
		Use:   "verify <file>",
		Short: "Check a license descriptor or token and print its content",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var info license.Info
			if trimmed := strings.TrimSpace(string(data)); strings.HasPrefix(trimmed, "{") {
				info, err = license.ParseInfo(data)
			} else {
				var key any
				key, err = verifyKey(pubKey, secret)
				if err == nil {
					info, err = license.ParseToken(trimmed, key)
				}
			}
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "key:      %s\n", info.Key)
			fmt.Fprintf(w, "owner:    %s\n", info.Owner)
			fmt.Fprintf(w, "quota:    %d\n", info.Quota)
			fmt.Fprintf(w, "end date: %s\n", info.EndDate)
			return nil
		},
	}
	cmd.Flags().StringVar(&pubKey, "public-key", "", "base64 Ed25519 public key")
	cmd.Flags().StringVar(&secret, "hmac-secret", "", "shared HS256 secret")
	return cmd
}

func newStatsCmd() *cobra.Command {
	var (
		dir     string
		verbose bool
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Print the users recorded per period in a data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			storage, err := license.NewFileStorage(dir)
			if err != nil {
				return err
			}
			stats, err := storage.LoadStatistics(context.Background())
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, period := range stats.PeriodNames() {
				users := stats.Users(period)
				fmt.Fprintf(w, "%s\t%d\n", period, len(users))
				if verbose {
					for _, u := range users {
						fmt.Fprintf(w, "\t%s\n", u)
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dir, "data-dir", ".", "directory holding "+license.StatisticsFileName)
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "list the users of each period")
	return cmd
}

func signingKey(keyFile, secret string) (any, error) {
	if secret != "" {
		return []byte(secret), nil
	}
	raw, err := os.ReadFile(keyFile)
	if err != nil {
		return nil, err
	}
	seed, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil || len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%s: not a base64 Ed25519 seed", keyFile)
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

func verifyKey(pubKey, secret string) (any, error) {
	switch {
	case secret != "":
		return []byte(secret), nil
	case pubKey != "":
		raw, err := base64.StdEncoding.DecodeString(pubKey)
		if err != nil || len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("--public-key: not a base64 Ed25519 public key")
		}
		return ed25519.PublicKey(raw), nil
	default:
		return nil, fmt.Errorf("verifying a token requires --public-key or --hmac-secret")
	}
}

func writeOutput(stdout io.Writer, path string, data []byte) error {
	if path == "" {
		_, err := stdout.Write(data)
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
