package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/amirimatin/go-replica/pkg/cmeta"
	"github.com/amirimatin/go-replica/pkg/consensus"
	"github.com/amirimatin/go-replica/pkg/oplog"
	"github.com/amirimatin/go-replica/pkg/storage"
)

// dumpRecord is one line of "log dump" output.
type dumpRecord struct {
	Slot        uint64            `json:"slot"`
	AppendedAt  time.Time         `json:"appended_at"`
	Type        string            `json:"type"`
	ID          string            `json:"id,omitempty"`
	Kind        string            `json:"kind,omitempty"`
	Bytes       int               `json:"bytes,omitempty"`
	Quorum      *consensus.Quorum `json:"quorum,omitempty"`
	CommittedID string            `json:"committed_id,omitempty"`
	Outcome     string            `json:"outcome,omitempty"`
	Error       string            `json:"error,omitempty"`
}

func toRecord(e oplog.Entry) dumpRecord {
	r := dumpRecord{Slot: e.Slot, AppendedAt: e.AppendedAt, Type: e.Op.Type.String()}
	switch e.Op.Type {
	case consensus.OpReplicate:
		r.ID = e.Op.ID.String()
		if m := e.Op.Replicate; m != nil {
			r.Kind = m.Kind.String()
			r.Bytes = len(m.Payload)
			r.Quorum = m.Quorum
		}
	case consensus.OpCommit:
		if m := e.Op.Commit; m != nil {
			r.CommittedID = m.CommittedID.String()
			r.Outcome = m.Outcome.String()
			r.Error = m.Error
		}
	}
	return r
}

// NewLogCmd returns the "log" command group for offline inspection of a
// stopped replica's data dir.
func NewLogCmd() *cobra.Command {
	parent := &cobra.Command{Use: "log", Short: "Inspect a stopped replica's operation log"}
	parent.AddCommand(newLogDumpCmd())
	return parent
}

func newLogDumpCmd() *cobra.Command {
	var (
		dir, engine string
		summary     bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print every log entry as one JSON object per line",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				return fmt.Errorf("missing required flag: --data")
			}
			st, err := storage.Open(storage.Options{Engine: storage.Engine(engine), Dir: dir})
			if err != nil {
				return err
			}
			defer st.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			if !summary {
				if err := oplog.ReadEntries(st.Logs, func(e oplog.Entry) error {
					return enc.Encode(toRecord(e))
				}); err != nil {
					return err
				}
			}
			info, err := oplog.Recover(st.Logs)
			if err != nil {
				return err
			}
			out := map[string]any{
				"last_id":             info.LastID.String(),
				"last_committed_id":   info.LastCommittedID.String(),
				"orphaned_replicates": len(info.OrphanedReplicates),
			}
			if meta, err := cmeta.Load(st.Stable); err == nil {
				out["peer_uuid"] = meta.PeerUUID()
				out["committed_quorum"] = meta.CommittedQuorum()
			}
			return enc.Encode(map[string]any{"summary": out})
		},
	}
	cmd.Flags().StringVar(&dir, "data", "", "data dir of a stopped replica (required)")
	cmd.Flags().StringVar(&engine, "storage", string(storage.EngineBolt), "storage engine: bolt|pebble")
	cmd.Flags().BoolVar(&summary, "summary", false, "print only the recovery summary")
	return cmd
}
