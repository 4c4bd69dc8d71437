package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/ent0n29/agentdesk/internal/orchestrator"
	"github.com/ent0n29/agentdesk/internal/protocol"
)

type replayOutput struct {
	State  orchestrator.State          `json:"state"`
	Events []orchestrator.LoggedEvent `json:"events"`
}

func newReplayCmd() *cobra.Command {
	var sessionID, taskID string
	cmd := &cobra.Command{
		Use:   "replay <events.jsonl>",
		Short: "Fold a recorded engine event log and print the resulting state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			events, err := readEvents(f)
			if err != nil {
				return err
			}
			st, logged := orchestrator.Replay(sessionID, taskID, events)
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(replayOutput{State: st, Events: logged})
		},
	}
	cmd.Flags().StringVar(&sessionID, "session", "", "session id the task belongs to")
	cmd.Flags().StringVar(&taskID, "task", "", "task id to treat as the running task")
	return cmd
}

// readEvents decodes one raw event per line. Blank lines are skipped.
func readEvents(r io.Reader) ([]protocol.RawEvent, error) {
	var out []protocol.RawEvent
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), 4<<20)
	line := 0
	for sc.Scan() {
		line++
		b := bytes.TrimSpace(sc.Bytes())
		if len(b) == 0 {
			continue
		}
		var ev protocol.RawEvent
		if err := json.Unmarshal(b, &ev); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		out = append(out, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}
