package main

import (
	"encoding/json"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/swiftmile/featureserve/internal/model"
)

var (
	resolveEntityType string
	resolveParams     []string
	resolveStaleness  time.Duration
	resolveTimeout    time.Duration
)

var resolveCmd = &cobra.Command{
	Use:   "resolve <entity-id> <feature>...",
	Short: "Resolve features for one entity and print the result",
	Args:  cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEngine(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		params := make(map[string]any, len(resolveParams))
		for _, kv := range resolveParams {
			k, v, ok := splitParam(kv)
			if !ok {
				return eris.Errorf("invalid --param %q, expected key=value", kv)
			}
			params[k] = v
		}

		resp, err := env.Engine.Resolve(ctx, model.FeatureRequest{
			EntityType:         model.EntityType(resolveEntityType),
			EntityID:           args[0],
			Features:           args[1:],
			Params:             params,
			StalenessTolerance: resolveStaleness,
			Timeout:            resolveTimeout,
		})
		if err != nil {
			return err
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	},
}

func splitParam(kv string) (string, string, bool) {
	for i := 0; i < len(kv); i++ {
		if kv[i] == '=' {
			if i == 0 {
				return "", "", false
			}
			return kv[:i], kv[i+1:], true
		}
	}
	return "", "", false
}

func init() {
	resolveCmd.Flags().StringVar(&resolveEntityType, "entity-type", "route", "entity type (shipment, route, courier, address)")
	resolveCmd.Flags().StringSliceVar(&resolveParams, "param", nil, "request parameter key=value (repeatable)")
	resolveCmd.Flags().DurationVar(&resolveStaleness, "staleness", 0, "max acceptable cached-value age (0 uses resolver TTLs)")
	resolveCmd.Flags().DurationVar(&resolveTimeout, "timeout", 0, "request timeout (0 uses engine default)")
	rootCmd.AddCommand(resolveCmd)
}
