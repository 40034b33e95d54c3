package main

import (
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/jfoltran/pgrepl"
)

var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Stream decoded WAL changes as JSON lines",
	Long: `Stream opens a replication connection, issues START_REPLICATION
against the configured slot and publication, and prints each decoded
message as one JSON line on stdout until the connection is closed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate(); err != nil {
			return err
		}

		conn, err := net.DialTimeout("tcp", cfg.Database.Addr(), 10*time.Second)
		if err != nil {
			return fmt.Errorf("dial %s: %w", cfg.Database.Addr(), err)
		}
		defer conn.Close()

		replConn, err := pgrepl.Open(cmd.Context(), conn, cfg.Database.User, cfg.Database.Password, cfg.Database.DBName, logger)
		if err != nil {
			return fmt.Errorf("open replication connection: %w", err)
		}

		sub, err := pgrepl.Subscribe(replConn, cfg.Replication.SlotName, cfg.Replication.Publication)
		if err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}

		logger.Info().
			Str("slot", cfg.Replication.SlotName).
			Str("publication", cfg.Replication.Publication).
			Msg("streaming started")

		for {
			msg, err := sub.Next()
			if err != nil {
				return fmt.Errorf("next: %w", err)
			}
			if err := printMessage(msg); err != nil {
				logger.Warn().Err(err).Msg("failed to marshal message")
			}
		}
	},
}

func printMessage(msg *pgrepl.Message) error {
	line := renderMessage(msg)
	b, err := json.Marshal(line)
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

// renderMessage flattens a Message into a plain map so the CLI's JSON
// output doesn't need to mirror the internal tagged-union shape.
func renderMessage(msg *pgrepl.Message) map[string]any {
	out := map[string]any{"kind": msg.Kind.String()}

	switch msg.Kind {
	case pgrepl.MessageBegin, pgrepl.MessageCommit:
		out["lsn"] = msg.LSN.String()
	case pgrepl.MessageRelation:
		out["relation_id"] = msg.Relation.ID
		out["namespace"] = msg.Relation.Namespace
		out["name"] = msg.Relation.Name
		out["replica_identity"] = msg.Relation.ReplicaIdentity
		cols := make([]map[string]any, len(msg.Relation.Columns))
		for i, c := range msg.Relation.Columns {
			cols[i] = map[string]any{"name": c.Name, "type_oid": c.TypeOID, "key": c.IsKey()}
		}
		out["columns"] = cols
	case pgrepl.MessageInsert:
		out["relation_id"] = msg.RelationID
		out["new"] = renderTuple(msg.New)
	case pgrepl.MessageUpdate:
		out["relation_id"] = msg.RelationID
		out["old"] = renderTuple(msg.Old)
		out["new"] = renderTuple(msg.New)
	case pgrepl.MessageDelete:
		out["relation_id"] = msg.RelationID
		out["old"] = renderTuple(msg.Old)
	case pgrepl.MessageUnknown:
		out["byte"] = string(rune(msg.UnknownByte))
	}
	return out
}

func renderTuple(t *pgrepl.Tuple) []any {
	if t == nil {
		return nil
	}
	vals := make([]any, len(t.Columns))
	for i, c := range t.Columns {
		if c == nil {
			vals[i] = nil
			continue
		}
		vals[i] = c.String()
	}
	return vals
}

func init() {
	rootCmd.AddCommand(streamCmd)
}
