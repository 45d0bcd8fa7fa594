package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"golang.org/x/crypto/bcrypt"

	"tankwatch/internal/config"
	"tankwatch/internal/domain"
	"tankwatch/internal/logging"
)

// checkResult is printed per account by the check command.
type checkResult struct {
	Account  string              `json:"account"`
	Region   string              `json:"region"`
	Readings []domain.Reading    `json:"readings,omitempty"`
	Orders   *domain.OrderTotals `json:"orders,omitempty"`
	Error    string              `json:"error,omitempty"`
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Log in to every account once and print the raw readings and order totals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log, err := logging.New(cfg.Log.Level, cfg.Log.Format)
			if err != nil {
				return err
			}
			defer func() { _ = log.Sync() }()

			accounts, err := buildAccounts(cfg, log)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			var failed []error
			for _, acct := range accounts {
				res := checkResult{Account: acct.ID, Region: acct.Region.Code}
				ctx, cancel := context.WithTimeout(cmd.Context(), cfg.Polling.FetchTimeout)
				readings, err := acct.Source.FetchReadings(ctx)
				if src, ok := acct.Source.(domain.OrderSource); ok && err == nil {
					if totals, oerr := src.FetchOrders(ctx); oerr == nil {
						res.Orders = &totals
					} else {
						res.Error = "orders: " + oerr.Error()
					}
				}
				cancel()
				if err != nil {
					res.Error = err.Error()
					failed = append(failed, fmt.Errorf("account %s: %w", acct.ID, err))
				}
				res.Readings = readings
				if err := enc.Encode(res); err != nil {
					return err
				}
			}
			return errors.Join(failed...)
		},
	}
}

func newHashTokenCmd() *cobra.Command {
	var cost int
	cmd := &cobra.Command{
		Use:   "hash-token <token>",
		Short: "Print the bcrypt hash to use as http.control_token_hash",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hash, err := bcrypt.GenerateFromPassword([]byte(args[0]), cost)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), string(hash))
			return err
		},
	}
	cmd.Flags().IntVar(&cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
	return cmd
}
