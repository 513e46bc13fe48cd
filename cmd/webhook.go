package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/nm2tech/tokenmeter/internal/httpx"
	"github.com/nm2tech/tokenmeter/webhook"
)

func newWebhookCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "webhook",
		Short: "Listen for payment webhooks and credit donors",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := wireApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cfg.ValidateWebhook(); err != nil {
				return err
			}
			gin.SetMode(gin.ReleaseMode)

			h, err := webhook.NewHandler(a.gate, a.cfg.Stripe.WebhookSecret, webhook.WithLogger(a.logger))
			if err != nil {
				return err
			}
			pruner := webhook.NewPruner(a.gate, a.cfg.Webhook.PruneInterval, a.logger)

			g, gctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return httpx.Serve(gctx, a.cfg.Webhook.Listen, webhook.NewRouter(h), a.logger)
			})
			g.Go(func() error {
				return pruner.Run(gctx)
			})
			return g.Wait()
		},
	}
}
