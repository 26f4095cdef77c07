package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/MarcoPoloResearchLab/dataaccount/internal/auth"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/client"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/config"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/layout"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/mirror"
	"github.com/MarcoPoloResearchLab/dataaccount/internal/reader"
	"github.com/gagliardetto/solana-go"
	"github.com/spf13/cobra"
)

func newInitCommand() *cobra.Command {
	var (
		space    uint64
		dynamic  bool
		existing string
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create a data account and its metadata record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			dataClient, err := newClient(appConfig, logger)
			if err != nil {
				return err
			}
			if existing != "" {
				dataAccount, err := parseAddress(existing)
				if err != nil {
					return fmt.Errorf("invalid --existing address: %w", err)
				}
				signature, err := dataClient.InitializeExisting(cmd.Context(), dataAccount, dynamic)
				if err != nil {
					return err
				}
				return printJSON(cmd, map[string]string{"data_account": dataAccount.String(), "signature": signature.String()})
			}
			dataAccount, metadata, err := dataClient.Initialize(cmd.Context(), space, dynamic)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"data_account": dataAccount.String(), "metadata_address": metadata.String()})
		},
	}
	cmd.Flags().Uint64Var(&space, "space", 0, "Initial data account size in bytes")
	cmd.Flags().BoolVar(&dynamic, "dynamic", false, "Allow the account to grow on writes past its end")
	cmd.Flags().StringVar(&existing, "existing", "", "Attach metadata to an already created account instead of creating one")
	return cmd
}

func newUploadCommand() *cobra.Command {
	var (
		file     string
		dataType string
		offset   uint64
		finalize bool
		check    bool
	)
	cmd := &cobra.Command{
		Use:   "upload <data-account>",
		Short: "Upload a payload in parts and commit it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataAccount, err := parseAddress(args[0])
			if err != nil {
				return fmt.Errorf("invalid data account: %w", err)
			}
			parsedType, err := layout.ParseDataType(dataType)
			if err != nil {
				return err
			}
			payload, err := os.ReadFile(file)
			if err != nil {
				return err
			}

			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			dataClient, err := newClient(appConfig, logger)
			if err != nil {
				return err
			}
			if check {
				if err := dataClient.CheckUpload(cmd.Context(), dataAccount, parsedType, payload); err != nil {
					return fmt.Errorf("upload preflight rejected: %w", err)
				}
			}
			result, err := dataClient.UploadWithOptions(cmd.Context(), dataAccount, parsedType, payload, client.UploadOptions{
				StartOffset: offset,
				Finalize:    finalize,
			})
			if printErr := printJSON(cmd, map[string]interface{}{
				"data_account":     dataAccount.String(),
				"parts":            result.Parts,
				"confirmed_parts":  result.ConfirmedParts,
				"confirmed_offset": result.ConfirmedOffset,
			}); printErr != nil {
				return printErr
			}
			if err != nil {
				return fmt.Errorf("upload stopped, resume with --offset %d: %w", result.ConfirmedOffset, err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Payload file")
	cmd.Flags().StringVar(&dataType, "type", "custom", "Data type (custom, json, image, html)")
	cmd.Flags().Uint64Var(&offset, "offset", 0, "Resume from this offset")
	cmd.Flags().BoolVar(&finalize, "finalize", false, "Finalize the account with the last part")
	cmd.Flags().BoolVar(&check, "check", false, "Simulate the first part before sending")
	cmd.Flags().Int("part-size", config.NewViper().GetInt("upload.part_size"), "Maximum bytes per part")
	_ = cmd.MarkFlagRequired("file")
	bindFlag(cmd.Flags(), "upload.part_size", "part-size")
	return cmd
}

func newFinalizeCommand() *cobra.Command {
	return newAccountCommand("finalize <data-account>", "Make the data account read-only", func(cmd *cobra.Command, dataClient *client.Client, dataAccount solana.PublicKey) (solana.Signature, error) {
		return dataClient.Finalize(cmd.Context(), dataAccount)
	})
}

func newCloseCommand() *cobra.Command {
	return newAccountCommand("close <data-account>", "Close the data account and its metadata record", func(cmd *cobra.Command, dataClient *client.Client, dataAccount solana.PublicKey) (solana.Signature, error) {
		return dataClient.Close(cmd.Context(), dataAccount)
	})
}

func newSetAuthorityCommand() *cobra.Command {
	var newAuthorityPath string
	cmd := newAccountCommand("set-authority <data-account>", "Transfer the data account to a new authority", func(cmd *cobra.Command, dataClient *client.Client, dataAccount solana.PublicKey) (solana.Signature, error) {
		newAuthority, err := solana.PrivateKeyFromSolanaKeygenFile(newAuthorityPath)
		if err != nil {
			return solana.Signature{}, err
		}
		return dataClient.UpdateAuthority(cmd.Context(), dataAccount, newAuthority)
	})
	cmd.Flags().StringVar(&newAuthorityPath, "new-authority", "", "Keypair file of the new authority")
	_ = cmd.MarkFlagRequired("new-authority")
	return cmd
}

type accountAction func(cmd *cobra.Command, dataClient *client.Client, dataAccount solana.PublicKey) (solana.Signature, error)

func newAccountCommand(use, short string, action accountAction) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataAccount, err := parseAddress(args[0])
			if err != nil {
				return fmt.Errorf("invalid data account: %w", err)
			}
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			dataClient, err := newClient(appConfig, logger)
			if err != nil {
				return err
			}
			signature, err := action(cmd, dataClient, dataAccount)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]string{"data_account": dataAccount.String(), "signature": signature.String()})
		},
	}
}

func newShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show <data-account>",
		Short: "Print the metadata record and payload of a data account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dataAccount, err := parseAddress(args[0])
			if err != nil {
				return fmt.Errorf("invalid data account: %w", err)
			}
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			programID, err := appConfig.ProgramID()
			if err != nil {
				return err
			}
			rpcLedger, err := newLedger(appConfig, logger)
			if err != nil {
				return err
			}
			stateReader, err := reader.New(reader.Config{
				Ledger:     rpcLedger,
				ProgramID:  programID,
				Commitment: appConfig.Commitment,
			})
			if err != nil {
				return err
			}
			state, err := stateReader.Read(cmd.Context(), dataAccount)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"data_account":         state.DataAccount.String(),
				"metadata_address":     state.MetadataKey.String(),
				"exists":               state.Exists,
				"data_status":          state.Metadata.DataStatus.String(),
				"serialization_status": state.Metadata.SerializationStatus.String(),
				"authority":            state.Metadata.Authority.String(),
				"is_dynamic":           state.Metadata.IsDynamic,
				"data_version":         state.Metadata.DataVersion,
				"data_type":            state.Metadata.DataType.String(),
				"size":                 len(state.Payload),
				"data":                 json.RawMessage(mirror.RenderPayload(state.Metadata.DataType, state.Metadata.SerializationStatus, state.Payload)),
			})
		},
	}
}

func newTokenCommand() *cobra.Command {
	var subject string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a bearer token for the query API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			appConfig, logger, err := loadConfig()
			if err != nil {
				return err
			}
			defer logger.Sync() //nolint:errcheck

			issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
				SigningSecret: []byte(appConfig.AuthSigningSecret),
				Issuer:        appConfig.AuthIssuer,
				Audience:      appConfig.AuthAudience,
				TokenTTL:      appConfig.AuthTokenTTL,
			})
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueToken(cmd.Context(), subject)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]interface{}{
				"access_token": token,
				"expires_in":   expiresIn,
				"token_type":   "Bearer",
			})
		},
	}
	cmd.Flags().StringVar(&subject, "subject", "", "Token subject")
	_ = cmd.MarkFlagRequired("subject")
	return cmd
}

func printJSON(cmd *cobra.Command, value interface{}) error {
	encoder := json.NewEncoder(cmd.OutOrStdout())
	encoder.SetIndent("", "  ")
	return encoder.Encode(value)
}
