// agentrt-unit is the per-agent execution binary spawned in process
// isolation mode. It dials the manager's control channel back with its
// one-time token, announces readiness, and runs the agent's code once per
// task frame until the connection or the process is torn down.
package main

import (
	"context"
	"log"
	"os"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/flitsinc/agentrt/internal/unit"
)

func main() {
	controlURL := os.Getenv("AGENTRT_CONTROL_URL")
	agentID := os.Getenv("AGENTRT_AGENT_ID")
	token := os.Getenv("AGENTRT_UNIT_TOKEN")
	codePath := os.Getenv("AGENTRT_CODE_PATH")
	if controlURL == "" || token == "" || codePath == "" {
		log.Fatalf("missing control environment (AGENTRT_CONTROL_URL, AGENTRT_UNIT_TOKEN, AGENTRT_CODE_PATH)")
	}

	ctx := context.Background()
	conn, _, err := websocket.Dial(ctx, controlURL+"?token="+token, nil)
	if err != nil {
		log.Fatalf("dial control channel: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	// Task payloads are bounded by the channel cap upstream, not by frame
	// size; don't let the default limit reject large ones.
	conn.SetReadLimit(1 << 22)

	if err := wsjson.Write(ctx, conn, unit.ControlFrame{Kind: "ready"}); err != nil {
		log.Fatalf("announce ready: %v", err)
	}
	log.Printf("unit ready agent=%s code=%s", agentID, codePath)

	for {
		var frame unit.ControlFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			// Manager hung up; the process is about to be reaped.
			log.Printf("control channel closed: %v", err)
			return
		}
		if frame.Kind != "task" {
			continue
		}

		reply := unit.ControlFrame{Kind: "result", TaskID: frame.TaskID}
		result, err := unit.RunScript(ctx, codePath, frame.Payload)
		if err != nil {
			reply.Kind = "error"
			reply.Error = err.Error()
		} else {
			reply.Result = result
		}
		if err := wsjson.Write(ctx, conn, reply); err != nil {
			log.Fatalf("write reply: %v", err)
		}
	}
}
