package main

import (
	"context"
	"encoding/binary"
	"flag"
	"io"
	"log"
	"os"
	"time"

	"github.com/zaf/g711"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	grpcapi "ai-voice-orchestrator-service/internal/api/grpc"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

// 20ms frames at 8kHz 16-bit mono
const (
	frameBytes    = 320
	frameInterval = 20 * time.Millisecond
)

func main() {
	audioFile := flag.String("audio", "../../testdata/sample-8khz.wav", "Path to WAV file (8kHz 16-bit mono)")
	outFile := flag.String("out", "", "Write agent audio to this raw file")
	serverAddr := flag.String("server", "localhost:50051", "gRPC server address")
	callID := flag.String("call", "test-audio-"+time.Now().Format("150405"), "Call ID")
	agentID := flag.String("agent", "default", "Agent ID")
	mulaw := flag.Bool("pcmu", false, "Send G.711 mu-law frames instead of PCM16")
	flag.Parse()

	f, err := os.Open(*audioFile)
	if err != nil {
		log.Fatalf("Failed to open audio file: %v", err)
	}
	defer f.Close()

	header := make([]byte, wavHeaderSize)
	if _, err := io.ReadFull(f, header); err != nil {
		log.Fatalf("Failed to read WAV header: %v", err)
	}
	if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
		log.Fatal("Not a valid WAV file")
	}

	audioFormat := binary.LittleEndian.Uint16(header[20:22])
	numChannels := binary.LittleEndian.Uint16(header[22:24])
	sampleRate := binary.LittleEndian.Uint32(header[24:28])
	bitsPerSample := binary.LittleEndian.Uint16(header[34:36])

	log.Printf("WAV file: format=%d channels=%d sampleRate=%d bitsPerSample=%d",
		audioFormat, numChannels, sampleRate, bitsPerSample)

	if audioFormat != 1 { // PCM
		log.Fatal("Only PCM format supported")
	}
	if sampleRate != 8000 {
		log.Printf("Warning: Sample rate is %d Hz, expected 8000 Hz", sampleRate)
	}

	var out io.Writer = io.Discard
	if *outFile != "" {
		o, err := os.Create(*outFile)
		if err != nil {
			log.Fatalf("Failed to create output file: %v", err)
		}
		defer o.Close()
		out = o
	}

	conn, err := grpc.NewClient(*serverAddr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		log.Fatalf("Failed to connect: %v", err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	stream, err := grpcapi.OpenCallStream(ctx, conn)
	if err != nil {
		log.Fatalf("Failed to open stream: %v", err)
	}
	if err := stream.Send(&grpcapi.ClientMessage{Start: &grpcapi.StartCall{CallID: *callID, AgentID: *agentID}}); err != nil {
		log.Fatalf("Failed to start call: %v", err)
	}
	log.Printf("Streaming audio: callId=%s agentId=%s", *callID, *agentID)

	done := make(chan struct{})
	go func() {
		defer close(done)
		var received int
		for {
			msg, err := stream.Recv()
			if err != nil {
				if err != io.EOF {
					log.Printf("Stream error: %v", err)
				}
				log.Printf("Received %d agent frames", received)
				return
			}
			switch {
			case msg.Audio != nil:
				received++
				if _, err := out.Write(msg.Audio.Payload); err != nil {
					log.Printf("Failed to write agent audio: %v", err)
				}
			case msg.Control != nil:
				log.Printf("Control: action=%s target=%s", msg.Control.Action, msg.Control.Target)
			case msg.Ended != nil:
				log.Printf("Call ended: status=%s reason=%s turns=%d", msg.Ended.Status, msg.Ended.Reason, msg.Ended.TurnNumber)
			}
		}
	}()

	chunk := make([]byte, frameBytes)
	var seq uint64
	start := time.Now()
	for {
		n, err := io.ReadFull(f, chunk)
		if err == io.EOF {
			break
		}
		if err != nil && err != io.ErrUnexpectedEOF {
			log.Fatalf("Failed to read audio: %v", err)
		}
		clear(chunk[n:])

		payload := chunk
		if *mulaw {
			payload = g711.EncodeUlaw(chunk)
		}
		seq++
		if err := stream.Send(&grpcapi.ClientMessage{Audio: &grpcapi.AudioFrame{
			Seq:     seq,
			Payload: append([]byte(nil), payload...),
		}}); err != nil {
			log.Fatalf("Failed to send frame: %v", err)
		}
		if seq%50 == 0 {
			log.Printf("Sent %d frames (%v of audio)", seq, time.Duration(seq)*frameInterval)
		}
		time.Sleep(frameInterval)
	}
	log.Printf("Finished streaming %d frames in %v, waiting for the agent", seq, time.Since(start))

	time.Sleep(5 * time.Second)
	if err := stream.Send(&grpcapi.ClientMessage{End: &grpcapi.EndCall{Reason: "caller hangup"}}); err != nil {
		log.Fatalf("Failed to end call: %v", err)
	}
	<-done
}
