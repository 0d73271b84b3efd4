// Turn viewer consumes call, turn and tool audit events from Kafka and
// streams them to a browser over WebSocket.
package main

import (
	"context"
	"embed"
	"encoding/json"
	"flag"
	"io/fs"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/segmentio/kafka-go"
)

//go:embed static/*
var staticFiles embed.FS

func decode(topic string, value []byte) (Envelope, error) {
	var head struct {
		EventType  string `json:"eventType"`
		CallID     string `json:"callId"`
		FromCallID string `json:"fromCallId"`
	}
	if err := json.Unmarshal(value, &head); err != nil {
		return Envelope{}, err
	}
	callID := head.CallID
	if callID == "" {
		callID = head.FromCallID
	}
	return Envelope{Topic: topic, EventType: head.EventType, CallID: callID, Payload: json.RawMessage(value)}, nil
}

func consumeKafka(ctx context.Context, hub *Hub, brokers, topic string) {
	// Partition reader without a consumer group works better through port-forward
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:   strings.Split(brokers, ","),
		Topic:     topic,
		Partition: 0,
		MinBytes:  1,
		MaxBytes:  10e6,
	})
	defer reader.Close()

	if err := reader.SetOffsetAt(ctx, time.Now().Add(-1*time.Hour)); err != nil {
		log.Printf("Failed to seek %s: %v", topic, err)
	}
	log.Printf("Consuming from Kafka topic: %s partition 0 (last hour)", topic)

	for {
		msg, err := reader.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("Kafka read error on %s: %v", topic, err)
			time.Sleep(time.Second)
			continue
		}

		env, err := decode(topic, msg.Value)
		if err != nil {
			log.Printf("JSON unmarshal error: %v", err)
			continue
		}
		log.Printf("Received %s for call %s", env.EventType, env.CallID)
		hub.broadcast <- env
	}
}

func main() {
	port := flag.String("port", "8081", "HTTP server port")
	brokers := flag.String("brokers", "localhost:9092", "Kafka brokers (comma-separated)")
	topicTurns := flag.String("topic-turns", "voice.call.turns", "Turn topic")
	topicCalls := flag.String("topic-calls", "voice.call.events", "Call event topic")
	topicAudit := flag.String("topic-audit", "voice.tool.audit", "Tool audit topic")
	flag.Parse()

	hub := newHub()
	go hub.run()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, topic := range []string{*topicTurns, *topicCalls, *topicAudit} {
		go consumeKafka(ctx, hub, *brokers, topic)
	}

	staticFS, _ := fs.Sub(staticFiles, "static")
	http.Handle("/", http.FileServer(http.FS(staticFS)))
	http.HandleFunc("/ws", wsHandler(hub))

	log.Printf("Turn viewer starting on http://localhost:%s", *port)
	log.Printf("   Kafka brokers: %s", *brokers)
	log.Printf("   Topics: %s, %s, %s", *topicTurns, *topicCalls, *topicAudit)

	if err := http.ListenAndServe(":"+*port, nil); err != nil {
		log.Fatalf("Server error: %v", err)
	}
}
