package main

import (
	"context"
	"flag"
	"io"
	"log"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "ai-voice-orchestrator-service/internal/api/grpc"
	"ai-voice-orchestrator-service/internal/service/audio"
)

// Plays a synthetic caller: a burst of tone per utterance followed by
// silence, then hangs up once the agent has answered.
func main() {
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	callID := flag.String("call", "test-"+time.Now().Format("150405"), "Call ID")
	agentID := flag.String("agent", "default", "Agent ID")
	utterances := flag.Int("utterances", 2, "Number of caller utterances")
	flag.Parse()

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	stream, err := grpcapi.OpenCallStream(ctx, conn)
	if err != nil {
		log.Fatalf("failed to open stream: %v", err)
	}
	if err := stream.Send(&grpcapi.ClientMessage{Start: &grpcapi.StartCall{CallID: *callID, AgentID: *agentID}}); err != nil {
		log.Fatalf("failed to start call: %v", err)
	}

	answered := make(chan string, 16)
	done := make(chan struct{})
	go func() {
		defer close(done)
		lastTurn := ""
		for {
			msg, err := stream.Recv()
			if err == io.EOF {
				return
			}
			if err != nil {
				log.Printf("stream error: %v", err)
				return
			}
			switch {
			case msg.Started != nil:
				log.Printf("Call started: callId=%s agentId=%s", msg.Started.CallID, msg.Started.AgentID)
			case msg.Audio != nil:
				if msg.Audio.TurnID != lastTurn {
					lastTurn = msg.Audio.TurnID
					log.Printf("Agent speaking: turnId=%s", lastTurn)
					answered <- lastTurn
				}
			case msg.Control != nil:
				log.Printf("Control: action=%s target=%s reason=%s", msg.Control.Action, msg.Control.Target, msg.Control.Reason)
			case msg.Error != nil:
				log.Printf("Rejected: %s %s", msg.Error.Code, msg.Error.Message)
			case msg.Ended != nil:
				log.Printf("Call ended: status=%s reason=%s turns=%d", msg.Ended.Status, msg.Ended.Reason, msg.Ended.TurnNumber)
			}
		}
	}()

	tone := audio.Tone(160, 12000)
	silence := make([]byte, 320)
	var seq uint64
	send := func(payload []byte, n int) {
		for i := 0; i < n; i++ {
			seq++
			if err := stream.Send(&grpcapi.ClientMessage{Audio: &grpcapi.AudioFrame{Seq: seq, Payload: payload}}); err != nil {
				log.Fatalf("failed to send frame: %v", err)
			}
			time.Sleep(20 * time.Millisecond)
		}
	}

	for i := 0; i < *utterances; i++ {
		log.Printf("Caller utterance %d", i+1)
		send(tone, 50)
		send(silence, 40)
		select {
		case <-answered:
		case <-time.After(10 * time.Second):
			log.Printf("No answer to utterance %d", i+1)
		}
		send(silence, 100)
	}

	if err := stream.Send(&grpcapi.ClientMessage{End: &grpcapi.EndCall{Reason: "caller hangup"}}); err != nil {
		log.Fatalf("failed to end call: %v", err)
	}
	<-done
}
