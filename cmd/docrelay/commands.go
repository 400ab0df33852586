package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/docrelay/internal/access"
	"github.com/MarcoPoloResearchLab/docrelay/internal/auth"
	"github.com/MarcoPoloResearchLab/docrelay/internal/config"
	"github.com/MarcoPoloResearchLab/docrelay/internal/persistence"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newTokenCommand() *cobra.Command {
	tokenCmd := &cobra.Command{
		Use:   "token",
		Short: "Mint access tokens for testing and integrations",
	}

	var userID string
	userCmd := &cobra.Command{
		Use:   "issue",
		Short: "Mint a user access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer, err := newIssuer()
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueUserToken(cmd.Context(), strings.TrimSpace(userID))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires_in=%d\n", token, expiresIn)
			return nil
		},
	}
	userCmd.Flags().StringVar(&userID, "user", "", "Canonical user id")
	_ = userCmd.MarkFlagRequired("user")

	var (
		documentID string
		permission string
		ttl        time.Duration
	)
	guestCmd := &cobra.Command{
		Use:   "guest",
		Short: "Mint a guest token bound to one document",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := access.ParsePermission(permission)
			if err != nil || parsed == access.PermissionOwner {
				return fmt.Errorf("guest permission must be view or edit")
			}
			issuer, err := newIssuer()
			if err != nil {
				return err
			}
			token, guestID, expiresIn, err := issuer.IssueGuestToken(cmd.Context(), auth.GuestTokenRequest{
				DocumentID: strings.TrimSpace(documentID),
				Permission: parsed.String(),
				TTL:        ttl,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nguest_id=%s\nexpires_in=%d\n", token, guestID, expiresIn)
			return nil
		},
	}
	guestCmd.Flags().StringVar(&documentID, "document", "", "Document id the token is bound to")
	guestCmd.Flags().StringVar(&permission, "permission", "view", "Guest permission tier")
	guestCmd.Flags().DurationVar(&ttl, "ttl", 0, "Token TTL (default 24h)")
	_ = guestCmd.MarkFlagRequired("document")

	tokenCmd.AddCommand(userCmd, guestCmd)
	return tokenCmd
}

func newIssuer() (*auth.TokenIssuer, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return nil, err
	}
	return auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.Issuer,
		Audience:      appConfig.Audience,
		TokenTTL:      appConfig.TokenTTL,
	}), nil
}

func newGCCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "gc",
		Short: "Delete CRDT blobs untouched for longer than the retention window",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, cleanup, err := openRuntime()
			if err != nil {
				return err
			}
			defer cleanup()
			sweeper, err := persistence.NewSweeper(persistence.SweeperConfig{
				Store:     rt.store,
				Retention: rt.config.Persistence.GCRetention,
				Logger:    rt.logger,
			})
			if err != nil {
				return err
			}
			deleted, err := sweeper.Sweep(cmd.Context())
			if err != nil {
				rt.logger.Warn("crdt blob sweep incomplete", zap.Int("deleted", deleted), zap.Error(err))
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted=%d\n", deleted)
			return nil
		},
	}
}
