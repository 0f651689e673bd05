// Package main runs a demo WebSocket client for a monitoring session's live events.
// It needs a running server in dev auth mode with shipment SHIPMENT_REF (default
// shp-demo) present in the policy file.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/gorilla/websocket"
)

type liveEvent struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

func post(base, path string, body any) (*http.Response, error) {
	b, _ := json.Marshal(body)
	req, _ := http.NewRequest(http.MethodPost, base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", "demo")
	req.Header.Set("X-Role", "admin")
	return http.DefaultClient.Do(req)
}

func main() {
	port := getenv("PORT", "8080")
	base := fmt.Sprintf("http://localhost:%s", port)

	// Start a session for the demo shipment
	resp, err := post(base, "/v1/sessions", map[string]any{"shipmentRef": getenv("SHIPMENT_REF", "shp-demo")})
	if err != nil {
		log.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusCreated {
		log.Fatalf("start session: %s", resp.Status)
	}
	var sess struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&sess); err != nil {
		log.Fatal(err)
	}
	log.Printf("Session ID: %s", sess.ID)

	// Connect WS
	u := url.URL{Scheme: "ws", Host: "localhost:" + port, Path: "/v1/sessions/" + sess.ID + "/ws"}
	hdr := http.Header{}
	hdr.Set("X-User-Id", "demo")
	hdr.Set("X-Role", "viewer")
	c, _, err := websocket.DefaultDialer.Dial(u.String(), hdr)
	if err != nil {
		log.Fatal("dial:", err)
	}
	defer func() { _ = c.Close() }()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var m liveEvent
			if err := c.ReadJSON(&m); err != nil {
				log.Printf("read: %v", err)
				return
			}
			b, _ := json.Marshal(m.Data)
			log.Printf("WS <- %s: %s", m.Type, b)
		}
	}()

	// Drive a few samples, the last one well over any speed limit
	time.Sleep(500 * time.Millisecond)
	for i, speed := range []float64{50, 65, 120} {
		sample := map[string]any{"lat": 52.52 + float64(i)*0.001, "lng": 13.405, "speedKmh": speed}
		r, err := post(base, "/v1/sessions/"+sess.ID+"/telemetry", sample)
		if err != nil {
			log.Fatal(err)
		}
		_ = r.Body.Close()
		time.Sleep(200 * time.Millisecond)
	}

	// Wait briefly to receive a few messages
	select {
	case <-time.After(2 * time.Second):
	case <-done:
	}
}
