package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"crportal/api/internal/search"
)

func newReindexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reindex",
		Short: "Push every change request to Meilisearch",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, ctx, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if rt.cfg.MeiliURL == "" {
				return errors.New("MEILI_URL is not set")
			}
			n, err := rt.service.Reindex(ctx)
			if err != nil {
				return err
			}
			if n == 0 && rt.service.SearchEngine() != search.EngineMeili {
				return errors.New("meilisearch is not reachable")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "indexed %d change requests\n", n)
			return nil
		},
	}
}
