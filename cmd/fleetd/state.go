package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/cuemby/fleetd/pkg/calc"
	"github.com/cuemby/fleetd/pkg/config"
	"github.com/cuemby/fleetd/pkg/storage"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// State commands read the store directly. The bolt backend is locked by a
// running node, so they are meant for stopped nodes or the redis backend.
var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted calculated-field state",
}

var stateGetCmd = &cobra.Command{
	Use:   "get TENANT ENTITY FIELD",
	Short: "Print the persisted state of one calculated field",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		var ids [3]uuid.UUID
		for i, arg := range args {
			id, err := uuid.Parse(arg)
			if err != nil {
				return fmt.Errorf("invalid id %q: %w", arg, err)
			}
			ids[i] = id
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		store, err := openStateStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		data, err := store.Get(ctx, storage.StateKey{TenantID: ids[0], EntityID: ids[1], FieldID: ids[2]})
		if err != nil {
			return err
		}
		state, err := calc.DecodeState(data)
		if err != nil {
			return err
		}

		out, err := json.MarshalIndent(struct {
			Kind  string     `json:"kind"`
			State calc.State `json:"state"`
		}{Kind: string(state.Kind()), State: state}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	},
}

var stateListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted calculated-field states",
	RunE: func(cmd *cobra.Command, args []string) error {
		var tenantID, entityID uuid.UUID
		if v, _ := cmd.Flags().GetString("tenant"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return fmt.Errorf("invalid tenant id: %w", err)
			}
			tenantID = id
		}
		if v, _ := cmd.Flags().GetString("entity"); v != "" {
			id, err := uuid.Parse(v)
			if err != nil {
				return fmt.Errorf("invalid entity id: %w", err)
			}
			entityID = id
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()

		store, err := openStateStore(ctx, cfg)
		if err != nil {
			return err
		}
		defer store.Close()

		return listStates(ctx, store, tenantID, entityID, cmd.OutOrStdout())
	},
}

func init() {
	stateListCmd.Flags().String("tenant", "", "Only list states of this tenant")
	stateListCmd.Flags().String("entity", "", "Only list states of this entity")

	stateCmd.AddCommand(stateGetCmd)
	stateCmd.AddCommand(stateListCmd)
}

// listStates writes one row per state matching the optional filters
func listStates(ctx context.Context, store storage.StateStore, tenantID, entityID uuid.UUID, out io.Writer) error {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "TENANT\tENTITY\tFIELD\tKIND\tVERSION\tUPDATED")

	count := 0
	err := store.ForEach(ctx, func(key storage.StateKey, data []byte) error {
		if tenantID != uuid.Nil && key.TenantID != tenantID {
			return nil
		}
		if entityID != uuid.Nil && key.EntityID != entityID {
			return nil
		}

		kind, version, updated := "?", "-", "-"
		if state, err := calc.DecodeState(data); err == nil {
			base := state.Base()
			kind = string(state.Kind())
			version = fmt.Sprint(base.Version)
			if base.LastUpdateTs > 0 {
				updated = time.UnixMilli(base.LastUpdateTs).UTC().Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", key.TenantID, key.EntityID, key.FieldID, kind, version, updated)
		count++
		return nil
	})
	if err != nil {
		return err
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d state(s)\n", count)
	return nil
}

func openStateStore(ctx context.Context, cfg *config.Config) (storage.StateStore, error) {
	if cfg.Storage.Backend == config.BackendRedis {
		return storage.DialRedisStore(ctx, cfg.Storage.Redis.Addr, cfg.Storage.Redis.Password, cfg.Storage.Redis.DB)
	}
	return storage.NewBoltStore(cfg.DataDir)
}
