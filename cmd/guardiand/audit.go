package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/davidleathers/policy-guardian/internal/domain/audit"
	"github.com/davidleathers/policy-guardian/internal/infrastructure/auditlog"
)

var auditFlags struct {
	file string
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit trail maintenance",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the hash chain of a JSON Lines audit file",
	RunE: func(cmd *cobra.Command, args []string) error {
		records, err := auditlog.ReadFile(auditFlags.file)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		breaks := audit.Verify(records)
		for _, b := range breaks {
			fmt.Fprintf(out, "sequence %d (%s): %s\n", b.Sequence, b.RecordID, b.Reason)
		}
		if len(breaks) > 0 {
			return fmt.Errorf("%s: %d chain breaks in %d records", auditFlags.file, len(breaks), len(records))
		}
		fmt.Fprintf(out, "%s: %d records, chain intact\n", auditFlags.file, len(records))
		return nil
	},
}

var auditMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Create the audit_records table in the configured database",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.Database.URL == "" {
			return fmt.Errorf("database.url is not configured")
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()

		// OpenSQL applies the schema.
		sink, err := auditlog.OpenSQL(ctx, cfg.Database.URL)
		if err != nil {
			return err
		}
		defer sink.Close()

		seq, _, err := sink.Head(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "audit schema ready, head sequence %d\n", seq)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd, auditMigrateCmd)

	auditVerifyCmd.Flags().StringVarP(&auditFlags.file, "file", "f", "", "audit file to verify")
	_ = auditVerifyCmd.MarkFlagRequired("file")
}
