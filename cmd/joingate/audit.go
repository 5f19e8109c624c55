package main

import (
	"encoding/json"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"joingate/logger"
	"joingate/module/admission"
	"joingate/service/kafka"
	"joingate/tools/errs"
)

func auditTailCmd() *cobra.Command {
	var (
		group  string
		oldest bool
	)
	cmd := &cobra.Command{
		Use:   "audit-tail",
		Short: "Print the Kafka audit trail as JSON lines",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if len(cfg.KafkaBrokers) == 0 {
				return errs.ErrConfig.WrapMsg("KAFKA_BROKERS is not set")
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			kc := kafka.Config{Brokers: cfg.KafkaBrokers, Topic: cfg.KafkaAuditTopic, GroupID: group}
			if oldest {
				kc.InitialOffset = "oldest"
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			return kafka.TailAudit(ctx, kc.Defaults(), func(ev admission.AuditEvent) error {
				return enc.Encode(ev)
			}, logger.Named("audit-tail"))
		},
	}
	cmd.Flags().StringVar(&group, "group", "", "consumer group (default joingate-audit-tail)")
	cmd.Flags().BoolVar(&oldest, "from-beginning", false, "start from the oldest retained event")
	return cmd
}
