package main

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/spf13/cobra"

	"github.com/fpang/virtual-tryon/internal/auth"
	"github.com/fpang/virtual-tryon/internal/config"
	"github.com/fpang/virtual-tryon/internal/identity"
	"github.com/fpang/virtual-tryon/internal/lambdaboot"
)

var validateKeyCmd = &cobra.Command{
	Use:   "validate-key",
	Short: "Check that the Gemini API key works",
	RunE: func(cmd *cobra.Command, args []string) error {
		key, err := auth.GetAPIKey()
		if err != nil {
			return err
		}
		client, err := auth.NewClient(cmd.Context(), key)
		if err != nil {
			return err
		}
		if err := auth.ValidateAPIKey(cmd.Context(), client); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "API key is valid")
		return nil
	},
}

var (
	tokenUserFlag string
	tokenTTLFlag  time.Duration
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an identity token signed with TRYON_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(config.ModeSync, commitHash)
		if err != nil {
			return err
		}
		now := time.Now()
		tok, err := identity.Sign(cfg.JWTSecret, tokenUserFlag, jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(tokenTTLFlag)),
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

var warningsCmd = &cobra.Command{
	Use:   "warnings",
	Short: "List raised operator flags such as rate-limit violations",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		cfg, err := config.Load(config.ModeSync, commitHash)
		if err != nil {
			return err
		}
		awsCfg, err := loadAWS(ctx, cfg)
		if err != nil {
			return err
		}
		backends, err := lambdaboot.NewBackends(ctx, cfg, awsCfg)
		if err != nil {
			return err
		}
		app := lambdaboot.Assemble(cfg, backends, nil, nil)
		warnings, err := app.Limiter.Warnings(ctx)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(warnings) == 0 {
			fmt.Fprintln(out, "No active warnings")
			return nil
		}
		for _, w := range warnings {
			fmt.Fprintf(out, "%s: %s\n", w.Name, w.Message)
		}
		return nil
	},
}

func init() {
	tokenCmd.Flags().StringVar(&tokenUserFlag, "user", "", "User ID to embed in the token")
	tokenCmd.Flags().DurationVar(&tokenTTLFlag, "ttl", 24*time.Hour, "Token lifetime")
	tokenCmd.MarkFlagRequired("user")
}
