package cmd

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/nm2tech/tokenmeter"
	"github.com/nm2tech/tokenmeter/chat"
	"github.com/nm2tech/tokenmeter/checkout"
	"github.com/nm2tech/tokenmeter/identity"
	"github.com/nm2tech/tokenmeter/internal/httpx"
	"github.com/nm2tech/tokenmeter/provider/bibleapi"
	"github.com/nm2tech/tokenmeter/server"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the metered chat API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := wireApp(ctx, v)
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.cfg.ValidateServe(); err != nil {
				return err
			}
			if !a.cfg.Server.Debug {
				gin.SetMode(gin.ReleaseMode)
			}

			completers, err := newCompleters(ctx, a.cfg)
			if err != nil {
				return err
			}

			opts := []chat.Option{
				chat.WithCompleters(completers...),
				chat.WithScripture(bibleapi.New(bibleapi.WithBaseURL(a.cfg.Scripture.BaseURL))),
				chat.WithLogger(a.logger),
				chat.WithSystemPrompt(a.cfg.Chat.SystemPrompt),
				chat.WithPromptBudget(a.cfg.Chat.MaxPromptTokens),
				chat.WithDefaultVersion(a.cfg.Scripture.DefaultVersion),
			}
			if h, ok := a.store.(tokenmeter.HistoryStore); ok {
				opts = append(opts, chat.WithHistory(h))
			}
			svc, err := chat.New(a.gate, opts...)
			if err != nil {
				return err
			}

			guard, err := checkout.NewGuard([]byte(a.cfg.Server.SessionSecret),
				checkout.WithSecureCookie(a.cfg.Server.CookieSecure))
			if err != nil {
				return err
			}
			stripeClient := checkout.NewStripeCreator(a.cfg.Stripe.SecretKey)
			checkoutHandler := checkout.NewHandler(a.gate, guard, stripeClient,
				checkout.WithSessionLookup(stripeClient),
				checkout.WithPrices(a.cfg.Stripe.Prices),
				checkout.WithFrontendURL(a.cfg.Server.FrontendURL),
				checkout.WithLogger(a.logger),
				checkout.WithDebug(a.cfg.Server.Debug),
			)

			srv := server.New(svc,
				server.WithCheckout(checkoutHandler),
				server.WithResolver(identity.NewResolver(identity.WithSecure(a.cfg.Server.CookieSecure))),
				server.WithAllowedOrigins(a.cfg.Server.AllowedOrigins...),
				server.WithLogger(a.logger),
				server.WithDebug(a.cfg.Server.Debug),
			)
			return httpx.Serve(ctx, a.cfg.Server.Listen, srv.Handler(), a.logger)
		},
	}
}
