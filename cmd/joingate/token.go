package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"joingate/tools/errs"
	jwtsec "joingate/tools/security"
)

func adminTokenCmd() *cobra.Command {
	var (
		chatID, userID int64
		ttl            time.Duration
	)
	cmd := &cobra.Command{
		Use:   "admin-token",
		Short: "Issue a bearer token for POST /api/admin/command",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if cfg.AdminJWTSecret == "" {
				return errs.ErrConfig.WrapMsg("ADMIN_JWT_SECRET is not set")
			}
			if chatID == 0 || userID == 0 {
				return errs.ErrArgs.WrapMsg("--chat and --user are required")
			}
			opts := jwtsec.DefaultOptions([]byte(cfg.AdminJWTSecret))
			if ttl > 0 {
				opts.TTL = ttl
			}
			token, exp, err := jwtsec.Generate(opts, chatID, userID, time.Now())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires %s\n", exp.Format(time.RFC3339))
			return nil
		},
	}
	cmd.Flags().Int64Var(&chatID, "chat", 0, "chat the token is scoped to")
	cmd.Flags().Int64Var(&userID, "user", 0, "admin user id")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default 2h)")
	return cmd
}
