// Command ws-loadtest drives concurrent grpc-websockets RPC connections
// against a running gateway, sending one LPM unary request per tick and
// waiting for the trailer frame that ends it (spec §4.8, scenario S6).
//
// Usage: go run test/loadtest/ws-loadtest.go -url ws://127.0.0.1:8443/trac-data/tracdap.api.TracDataApi/readDataset -conns 100 -duration 60s
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"

	"github.com/tracplatform/gateway/internal/lpm"
	"github.com/tracplatform/gateway/internal/proxy/wsrpc"
)

func main() {
	url := flag.String("url", "ws://127.0.0.1:8443/", "grpc-websockets URL to connect to")
	conns := flag.Int("conns", 10, "Number of concurrent connections")
	duration := flag.Duration("duration", 30*time.Second, "Test duration")
	msgInterval := flag.Duration("interval", 1*time.Second, "Unary request interval per connection")
	token := flag.String("token", "", "trac-auth-token value (optional)")
	flag.Parse()

	fmt.Println("TRAC Platform Gateway WebSocket RPC Load Test")
	fmt.Printf("  URL:          %s\n", *url)
	fmt.Printf("  Connections:  %d\n", *conns)
	fmt.Printf("  Duration:     %s\n", *duration)
	fmt.Printf("  Msg interval: %s\n", *msgInterval)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), *duration)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		cancel()
	}()

	var (
		connected    atomic.Int64
		requestsSent atomic.Int64
		framesRecv   atomic.Int64
		trailersRecv atomic.Int64
		errorsTotal  atomic.Int64
		connectFails atomic.Int64
	)

	dialOpts := &websocket.DialOptions{Subprotocols: []string{wsrpc.Subprotocol}}
	if *token != "" {
		dialOpts.HTTPHeader = map[string][]string{"trac-auth-token": {*token}}
	}

	var wg sync.WaitGroup
	start := time.Now()

	for i := 0; i < *conns; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()

			c, _, err := websocket.Dial(ctx, *url, dialOpts)
			if err != nil {
				connectFails.Add(1)
				return
			}
			connected.Add(1)
			defer c.CloseNow()

			ticker := time.NewTicker(*msgInterval)
			defer ticker.Stop()

			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if !sendUnaryRequest(ctx, c, id, &requestsSent, &framesRecv, &trailersRecv, &errorsTotal) {
						return
					}
				}
			}
		}(i)
	}

	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				elapsed := time.Since(start).Round(time.Second)
				fmt.Printf("[%s] connected=%d requests=%d frames=%d trailers=%d errors=%d connect_fails=%d\n",
					elapsed, connected.Load(), requestsSent.Load(), framesRecv.Load(), trailersRecv.Load(), errorsTotal.Load(), connectFails.Load())
			}
		}
	}()

	wg.Wait()
	elapsed := time.Since(start)

	fmt.Println()
	fmt.Println("Results:")
	fmt.Printf("  Duration:        %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  Connected:       %d / %d\n", connected.Load(), *conns)
	fmt.Printf("  Connect fails:   %d\n", connectFails.Load())
	fmt.Printf("  Requests sent:   %d\n", requestsSent.Load())
	fmt.Printf("  Frames received: %d\n", framesRecv.Load())
	fmt.Printf("  Trailers seen:   %d\n", trailersRecv.Load())
	fmt.Printf("  Errors:          %d\n", errorsTotal.Load())
	if elapsed.Seconds() > 0 {
		fmt.Printf("  Request rate:    %.1f req/s\n", float64(requestsSent.Load())/elapsed.Seconds())
	}

	if connectFails.Load() > 0 || errorsTotal.Load() > 0 {
		log.Fatal("load test completed with errors")
	}
}

// sendUnaryRequest writes one LPM message frame followed by the EOS marker,
// then reads frames until a trailer frame ends the unary call (spec §4.8
// UNARY row: "one LPM message, then EOS" / "one LPM message, then trailer").
func sendUnaryRequest(ctx context.Context, c *websocket.Conn, id int, sent, frames, trailers, errs *atomic.Int64) bool {
	payload := []byte(fmt.Sprintf(`{"loadtest_conn":%d}`, id))
	wire, err := lpm.Frame{Kind: lpm.Data, Payload: payload}.Encode(wsrpc.DefaultMaxFrameSize)
	if err != nil {
		errs.Add(1)
		return true
	}
	if err := c.Write(ctx, websocket.MessageBinary, wire); err != nil {
		errs.Add(1)
		return false
	}
	if err := c.Write(ctx, websocket.MessageBinary, lpm.EOSMessage()); err != nil {
		errs.Add(1)
		return false
	}
	sent.Add(1)

	for {
		_, data, err := c.Read(ctx)
		if err != nil {
			errs.Add(1)
			return false
		}
		frame, consumed, state := lpm.Decode(data)
		if state != lpm.StateOK || consumed != len(data) {
			errs.Add(1)
			return true
		}
		frames.Add(1)
		if frame.Kind == lpm.Trailer {
			trailers.Add(1)
			return true
		}
	}
}
