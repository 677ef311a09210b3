// Command udfclient runs a scripted session against a running agent:
// handshake, a handful of points for two tickers, a snapshot, and a clean
// terminate. Useful as a smoke test and as a reference for the framing.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net"
	"os"

	"indicator-udfv1/internal/udf"
)

func main() {
	socket := flag.String("socket", "/tmp/udfagent.sock", "agent socket path")
	kind := flag.String("type", "SMA", "indicator type (EMA or SMA)")
	period := flag.Int("period", 3, "indicator period")
	flag.Parse()

	conn, err := net.Dial("unix", *socket)
	if err != nil {
		fmt.Fprintf(os.Stderr, "dial %s: %v\n", *socket, err)
		os.Exit(1)
	}
	defer conn.Close()

	w := bufio.NewWriter(conn)
	r := bufio.NewReader(conn)

	send := func(req udf.Request) {
		if err := udf.EncodeRequest(w, req); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
			os.Exit(1)
		}
	}
	recv := func() udf.Response {
		resp, err := udf.DecodeResponse(r, 0)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recv: %v\n", err)
			os.Exit(1)
		}
		return resp
	}
	show := func(resp udf.Response) {
		out, _ := json.Marshal(resp)
		fmt.Println(string(out))
	}

	send(udf.Request{Type: udf.RequestInit, Init: &udf.InitRequest{
		Options: map[string]string{"task": "udfclient-demo"},
	}})
	show(recv())

	send(udf.Request{Type: udf.RequestOptions, Options: &udf.OptionsRequest{
		Type:        *kind,
		Period:      *period,
		Field:       "price",
		As:          "avg",
		TickerField: "sym",
	}})
	resp := recv()
	show(resp)
	if resp.Error != "" {
		os.Exit(1)
	}

	points := []struct {
		sym   string
		price float64
	}{
		{"AAA", 10}, {"AAA", 20}, {"BBB", 100},
		{"AAA", 30}, {"BBB", 110}, {"AAA", 40},
	}
	for i, pt := range points {
		send(udf.Request{Type: udf.RequestPoint, Point: &udf.Point{
			Timestamp: int64(1700000000 + i),
			Fields:    map[string]float64{"price": pt.price},
			Tags:      map[string]string{"sym": pt.sym},
		}})
		show(recv())
	}

	send(udf.Request{Type: udf.RequestSnapshot})
	snap := recv()
	fmt.Printf("snapshot: %d bytes\n", len(snap.State))

	send(udf.Request{Type: udf.RequestTerminate})
	if _, err := udf.DecodeResponse(r, 0); err != io.EOF {
		fmt.Fprintln(os.Stderr, "expected clean close after terminate")
	}
}
